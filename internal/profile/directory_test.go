package profile

import (
	"context"
	"sync"
	"testing"

	"convosync/internal/domain/user"
	"convosync/internal/redis"
	"convosync/internal/repository"
	"convosync/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	repository.ProfileRepository
	mu    sync.Mutex
	asked [][]string
}

func (s *countingSource) GetProfiles(ctx context.Context, ids []string) ([]user.Profile, error) {
	s.mu.Lock()
	s.asked = append(s.asked, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.ProfileRepository.GetProfiles(ctx, ids)
}

func newDirectory(t *testing.T) (*Directory, *countingSource, *miniredis.Miniredis) {
	t.Helper()
	store := repository.NewMemoryStore(nil, repository.WithMemoryLogger(logger.Nop()))
	ctx := context.Background()
	require.NoError(t, store.UpsertProfile(ctx, user.Profile{UserID: "alice", Username: "alice", DisplayName: "Alice"}))
	require.NoError(t, store.UpsertProfile(ctx, user.Profile{UserID: "bob", Username: "bob"}))

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := &countingSource{ProfileRepository: store}
	return NewDirectory(src, redis.NewCacheStore(client, redis.DefaultCacheConfig()), logger.Nop()), src, mr
}

func TestLookupFillsCache(t *testing.T) {
	d, src, _ := newDirectory(t)
	ctx := context.Background()

	got, err := d.Lookup(ctx, []string{"alice", "bob", "alice", "ghost", ""})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Alice", got["alice"].Name())
	assert.Equal(t, "bob", got["bob"].Name())

	got, err = d.Lookup(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, [][]string{{"alice", "bob", "ghost"}}, src.asked, "second lookup is served from cache")
}

func TestUpsertInvalidatesCache(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Lookup(ctx, []string{"bob"})
	require.NoError(t, err)
	require.NoError(t, d.Upsert(ctx, user.Profile{UserID: "bob", Username: "bob", DisplayName: "Robert"}))

	got, err := d.Lookup(ctx, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, "Robert", got["bob"].Name())
}

func TestCacheOutageFallsThrough(t *testing.T) {
	d, src, mr := newDirectory(t)
	mr.Close()

	got, err := d.Lookup(context.Background(), []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["alice"].Name())
	assert.Len(t, src.asked, 1)
}

func TestLookupWithoutCache(t *testing.T) {
	store := repository.NewMemoryStore(nil, repository.WithMemoryLogger(logger.Nop()))
	require.NoError(t, store.UpsertProfile(context.Background(), user.Profile{UserID: "alice", Username: "alice"}))
	d := NewDirectory(store, nil, logger.Nop())

	got, err := d.Lookup(context.Background(), []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got["alice"].Username)

	got, err = d.Lookup(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
