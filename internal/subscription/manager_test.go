package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	mu         sync.Mutex
	rows       []string
	reconciles int
}

func (c *recordingConsumer) HandleChange(_ context.Context, ch events.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, ch.RowID)
}

func (c *recordingConsumer) Reconcile(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciles++
	return nil
}

func (c *recordingConsumer) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rows...)
}

func (c *recordingConsumer) reconciled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciles
}

func fastRetry() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func newManager(t *testing.T, source Source) *Manager {
	t.Helper()
	m := NewManager(source, WithLogger(logger.Nop()), WithBackOff(fastRetry))
	t.Cleanup(m.Close)
	return m
}

func publish(t *testing.T, f *feed.Feed, table events.Table, conv, row string) {
	t.Helper()
	c, err := events.NewChange(table, events.OpInsert, conv, row, map[string]string{"id": row}, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.Publish(context.Background(), c))
}

func TestChangesReachConsumersByTable(t *testing.T) {
	bus := events.NewMemoryBus()
	f := feed.New(bus, feed.WithLogger(logger.Nop()))
	m := newManager(t, f)
	ctx := context.Background()

	msgs, calls, all := &recordingConsumer{}, &recordingConsumer{}, &recordingConsumer{}
	require.NoError(t, m.Register(ctx, "c1", msgs, events.TableMessages))
	require.NoError(t, m.Register(ctx, "c1", calls, events.TableCallSessions, events.TableCallParticipants))
	require.NoError(t, m.Register(ctx, "c1", all))
	assert.Equal(t, 1, bus.Subscribers())

	publish(t, f, events.TableMessages, "c1", "m1")
	publish(t, f, events.TableCallSessions, "c1", "s1")
	publish(t, f, events.TableMessages, "c2", "other")
	publish(t, f, events.TableReactions, "c1", "r1")

	require.Eventually(t, func() bool { return len(all.seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1"}, msgs.seen())
	assert.Equal(t, []string{"s1"}, calls.seen())
	assert.Equal(t, []string{"m1", "s1", "r1"}, all.seen())
}

func TestDroppedSubscriptionIsRestoredAndReconciled(t *testing.T) {
	bus := events.NewMemoryBus()
	f := feed.New(bus, feed.WithLogger(logger.Nop()))
	m := newManager(t, f)
	ctx := context.Background()

	c := &recordingConsumer{}
	require.NoError(t, m.Register(ctx, "c1", c))
	bus.DropAll()

	require.Eventually(t, func() bool { return c.reconciled() == 1 && bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	publish(t, f, events.TableMessages, "c1", "after")
	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
}

// flakySource fails the first n subscribes after a drop.
type flakySource struct {
	*feed.Feed
	failures atomic.Int32
	attempts atomic.Int32
}

func (s *flakySource) Subscribe(ctx context.Context, filter feed.Filter, h func(events.Change)) (*events.Subscription, error) {
	s.attempts.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return s.Feed.Subscribe(ctx, filter, h)
}

func TestResubscribeRetriesWithBackoff(t *testing.T) {
	bus := events.NewMemoryBus()
	src := &flakySource{Feed: feed.New(bus, feed.WithLogger(logger.Nop()))}
	m := newManager(t, src)
	c := &recordingConsumer{}
	require.NoError(t, m.Register(context.Background(), "c1", c))

	src.failures.Store(3)
	bus.DropAll()

	require.Eventually(t, func() bool { return c.reconciled() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), src.attempts.Load())
	assert.Equal(t, 1, bus.Subscribers())
}

func TestUnregisterClosesIdleSubscription(t *testing.T) {
	bus := events.NewMemoryBus()
	m := newManager(t, feed.New(bus, feed.WithLogger(logger.Nop())))
	ctx := context.Background()

	a, b := &recordingConsumer{}, &recordingConsumer{}
	require.NoError(t, m.Register(ctx, "c1", a))
	require.NoError(t, m.Register(ctx, "c1", b))

	m.Unregister("c1", a)
	assert.Equal(t, 1, bus.Subscribers())
	m.Unregister("c1", b)
	assert.Zero(t, bus.Subscribers())
	assert.Empty(t, m.Conversations())
}

func TestCloseStopsResubscribing(t *testing.T) {
	bus := events.NewMemoryBus()
	m := NewManager(feed.New(bus, feed.WithLogger(logger.Nop())), WithLogger(logger.Nop()), WithBackOff(fastRetry))
	c := &recordingConsumer{}
	require.NoError(t, m.Register(context.Background(), "c1", c))
	require.NoError(t, m.Register(context.Background(), "c2", Handler(func(context.Context, events.Change) {})))

	m.Close()
	assert.Zero(t, bus.Subscribers())
	bus.DropAll()
	assert.Never(t, func() bool { return bus.Subscribers() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, c.reconciled())

	require.Error(t, m.Register(context.Background(), "c3", c))
}

func TestReconcileAllVisitsEachConsumerOnce(t *testing.T) {
	m := newManager(t, feed.New(events.NewMemoryBus(), feed.WithLogger(logger.Nop())))
	ctx := context.Background()
	shared, other := &recordingConsumer{}, &recordingConsumer{}
	require.NoError(t, m.Register(ctx, "c1", shared, events.TableMessages))
	require.NoError(t, m.Register(ctx, "c1", shared, events.TableReactions))
	require.NoError(t, m.Register(ctx, "c2", other))

	m.ReconcileAll(ctx)
	assert.Equal(t, 1, shared.reconciled())
	assert.Equal(t, 1, other.reconciled())
}
