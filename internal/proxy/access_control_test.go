package proxy

import (
	"context"
	"testing"

	"convosync/internal/domain/conversation"
	"convosync/internal/redis"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore(nil, repository.WithMemoryLogger(logger.Nop()))
	_, err := store.CreateConversation(context.Background(), conversation.Conversation{ID: "g1", Kind: conversation.KindGroup, Title: "g"},
		[]conversation.Participant{{UserID: "owner", Role: conversation.RoleOwner}, {UserID: "member"}})
	require.NoError(t, err)
	return store
}

func TestAccessControl(t *testing.T) {
	ctx := context.Background()
	a := NewAccessControl(newStore(t), WithLogger(logger.Nop()))

	assert.NoError(t, a.CanViewConversation(ctx, "member", "g1"))
	assert.NoError(t, a.CanSendMessage(ctx, "member", "g1"))
	assert.ErrorIs(t, a.CanViewConversation(ctx, "stranger", "g1"), convosync_errors.ErrForbidden)
	assert.ErrorIs(t, a.CanViewConversation(ctx, "member", "missing"), convosync_errors.ErrForbidden)

	assert.NoError(t, a.CanManageGroup(ctx, "owner", "g1"))
	assert.ErrorIs(t, a.CanManageGroup(ctx, "member", "g1"), convosync_errors.ErrForbidden)
}

func TestAccessControlLeftMemberIsForbidden(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := NewAccessControl(store)

	require.NoError(t, store.LeaveConversation(ctx, "g1", "member"))
	assert.ErrorIs(t, a.CanInitiateCall(ctx, "member", "g1"), convosync_errors.ErrForbidden)
}

func TestAccessControlParticipantCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := redis.NewCacheStore(client, redis.DefaultCacheConfig())

	store := newStore(t)
	a := NewAccessControl(store, WithParticipantCache(cache), WithLogger(logger.Nop()))

	require.NoError(t, a.CanViewConversation(ctx, "member", "g1"))
	ids, ok, err := cache.GetParticipants(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"owner", "member"}, ids)

	// A stale entry is served until invalidated.
	require.NoError(t, store.LeaveConversation(ctx, "g1", "member"))
	assert.NoError(t, a.CanViewConversation(ctx, "member", "g1"))

	a.Invalidate(ctx, "g1")
	assert.ErrorIs(t, a.CanViewConversation(ctx, "member", "g1"), convosync_errors.ErrForbidden)

	// Redis going away falls back to the store.
	mr.Close()
	assert.NoError(t, a.CanViewConversation(ctx, "owner", "g1"))
}
