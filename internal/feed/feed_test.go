package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"convosync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu      sync.Mutex
	changes []events.Change
}

func (s *sink) add(c events.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
}

func (s *sink) rows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.changes))
	for i, c := range s.changes {
		out[i] = c.RowID
	}
	return out
}

func mustChange(t *testing.T, table events.Table, conv, row string) events.Change {
	t.Helper()
	c, err := events.NewChange(table, events.OpInsert, conv, row, map[string]string{"id": row}, nil, time.Now())
	require.NoError(t, err)
	return c
}

func TestFilterMatch(t *testing.T) {
	c := events.Change{Table: events.TableMessages, ConversationID: "c1", RowID: "m1"}

	assert.True(t, Filter{ConversationIDs: []string{"c1"}}.Match(c))
	assert.False(t, Filter{ConversationIDs: []string{"c2"}}.Match(c))
	assert.False(t, Filter{ConversationIDs: []string{"c1"}, Tables: []events.Table{events.TableCallSessions}}.Match(c))
	assert.True(t, Filter{ConversationIDs: []string{"c1"}, RowIDs: []string{"m0", "m1"}}.Match(c))
	assert.False(t, Filter{ConversationIDs: []string{"c1"}, RowIDs: []string{"m2"}}.Match(c))
}

func TestSubscribeScopesByPredicate(t *testing.T) {
	f := New(events.NewMemoryBus())
	ctx := context.Background()
	s := &sink{}

	sub, err := f.Subscribe(ctx, Filter{
		ConversationIDs: []string{"c1"},
		Tables:          []events.Table{events.TableMessages},
	}, s.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.Publish(ctx, mustChange(t, events.TableMessages, "c1", "m1")))
	require.NoError(t, f.Publish(ctx, mustChange(t, events.TableCallSessions, "c1", "call1")))
	require.NoError(t, f.Publish(ctx, mustChange(t, events.TableMessages, "c2", "m2")))
	require.NoError(t, f.Publish(ctx, mustChange(t, events.TableMessages, "c1", "m3")))

	require.Eventually(t, func() bool { return len(s.rows()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m3"}, s.rows())
}

func TestSubscribeRequiresConversation(t *testing.T) {
	f := New(events.NewMemoryBus())
	_, err := f.Subscribe(context.Background(), Filter{}, func(events.Change) {})
	assert.Error(t, err)
}
