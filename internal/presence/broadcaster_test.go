package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"convosync/internal/events"
	"convosync/internal/redis"
	"convosync/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, opts ...Option) (alice, bob *Broadcaster, bus *events.MemoryBus, clock *clockwork.FakeClock) {
	t.Helper()
	bus = events.NewMemoryBus()
	clock = clockwork.NewFakeClockAt(time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC))
	base := []Option{WithClock(clock), WithLogger(logger.Nop())}
	alice = New("alice", bus, append(base, opts...)...)
	bob = New("bob", bus, base...)
	ctx := context.Background()
	require.NoError(t, alice.Join(ctx, "c1"))
	require.NoError(t, bob.Join(ctx, "c1"))
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)
	return alice, bob, bus, clock
}

type signalLog struct {
	mu   sync.Mutex
	sigs []events.Signal
}

func (l *signalLog) handle(_ string, payload []byte) {
	var s events.Signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return
	}
	l.mu.Lock()
	l.sigs = append(l.sigs, s)
	l.mu.Unlock()
}

func (l *signalLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sigs))
	for i, s := range l.sigs {
		out[i] = s.EventType
	}
	return out
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	alice, bob, _, clock := newPair(t)

	alice.Typing(context.Background(), "c1", true)
	require.Eventually(t, func() bool { return len(bob.TypingUsers("c1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, bob.TypingUsers("c1"))
	assert.Empty(t, alice.TypingUsers("c1"), "own typing is not echoed")

	clock.BlockUntil(1)
	clock.Advance(DefaultTypingTTL - time.Second)
	assert.Equal(t, []string{"alice"}, bob.TypingUsers("c1"))
	clock.Advance(time.Second)
	assert.Empty(t, bob.TypingUsers("c1"))
}

func TestTypingStopClearsImmediately(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	seen, cancel := bob.Watch()
	defer cancel()

	alice.Typing(context.Background(), "c1", true)
	alice.Typing(context.Background(), "c1", false)

	first := <-seen
	assert.True(t, first.Typing)
	second := <-seen
	assert.Equal(t, Event{Kind: EventTyping, ConversationID: "c1", UserID: "alice"}, second)
	assert.Empty(t, bob.TypingUsers("c1"))
}

func TestTypingStartsAreThrottled(t *testing.T) {
	alice, _, bus, clock := newPair(t)
	ctx := context.Background()
	log := &signalLog{}
	sub, err := bus.Subscribe(ctx, []string{events.PresenceChannel("c1")}, log.handle)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		alice.Typing(ctx, "c1", true)
	}
	clock.Advance(DefaultTypingInterval)
	alice.Typing(ctx, "c1", true)
	alice.Typing(ctx, "c1", false)
	alice.Typing(ctx, "c1", true)

	want := []string{
		events.EventTypeTypingStarted,
		events.EventTypeTypingStarted,
		events.EventTypeTypingStopped,
		events.EventTypeTypingStarted,
	}
	require.Eventually(t, func() bool { return len(log.types()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, log.types())
}

func TestPresenceRecordsInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redis.NewPresenceStore(client, time.Minute)
	ctx := context.Background()

	alice, bob, _, _ := newPair(t, WithStore(store))

	alice.SetOnline(ctx)
	online, err := store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	require.Eventually(t, func() bool { return bob.Online("alice") }, time.Second, 5*time.Millisecond)

	alice.Typing(ctx, "c1", true)
	typing, err := store.GetTypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, typing)
	require.Eventually(t, func() bool { return len(bob.TypingUsers("c1")) == 1 }, time.Second, 5*time.Millisecond)

	alice.SetOffline(ctx)
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
	require.Eventually(t, func() bool { return !bob.Online("alice") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.TypingUsers("c1"), "going offline clears typing")
}

type brokenBus struct{ *events.MemoryBus }

func (brokenBus) Publish(context.Context, string, []byte) error {
	return errors.New("connection reset")
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	b := New("alice", brokenBus{events.NewMemoryBus()}, WithLogger(logger.Nop()))
	defer b.Close()
	require.NoError(t, b.Join(context.Background(), "c1"))

	assert.NotPanics(t, func() {
		b.Typing(context.Background(), "c1", true)
		b.SetOnline(context.Background())
		b.SetOffline(context.Background())
	})
}

func TestLeaveStopsSignals(t *testing.T) {
	alice, bob, _, _ := newPair(t)
	bob.Leave("c1")

	alice.Typing(context.Background(), "c1", true)
	assert.Never(t, func() bool { return len(bob.TypingUsers("c1")) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestJoinOutlivesTheCallingContext(t *testing.T) {
	bus := events.NewMemoryBus()
	alice := New("alice", bus, WithLogger(logger.Nop()))
	bob := New("bob", bus, WithLogger(logger.Nop()))
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bob.Join(ctx, "c1"))
	cancel()
	require.NoError(t, alice.Join(context.Background(), "c1"))

	alice.Typing(context.Background(), "c1", true)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, bob.TypingUsers("c1"))
	}, time.Second, 5*time.Millisecond)

	alice.SetOnline(context.Background())
	require.Eventually(t, func() bool { return bob.Online("alice") }, time.Second, 5*time.Millisecond)
}
