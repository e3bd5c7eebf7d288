package database

import (
	"context"
	"testing"

	"convosync/internal/repository"
	"convosync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIsRepeatable(t *testing.T) {
	store := repository.NewMemoryStore(nil, repository.WithMemoryLogger(logger.Nop()))
	ctx := context.Background()

	first, err := Seed(ctx, store, DefaultSeedConfig())
	require.NoError(t, err)
	assert.Len(t, first.Conversations, 2)
	assert.Len(t, first.Messages, len(sampleMessages))

	second, err := Seed(ctx, store, DefaultSeedConfig())
	require.NoError(t, err)
	assert.Empty(t, second.Messages)

	convs, err := store.ListUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	msgs, err := store.ListMessages(ctx, "seed-direct", 0, repository.PageSize)
	require.NoError(t, err)
	assert.Len(t, msgs, len(sampleMessages))

	p, err := store.GetParticipant(ctx, "seed-group", "alice")
	require.NoError(t, err)
	assert.True(t, p.Role.Moderator())
}

func TestSeedNeedsTwoUsers(t *testing.T) {
	store := repository.NewMemoryStore(nil)
	_, err := Seed(context.Background(), store, SeedConfig{})
	assert.Error(t, err)
}
