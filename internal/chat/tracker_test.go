package chat

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	convosync_errors "convosync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleTwiceRestoresOriginalState(t *testing.T) {
	f := newFixture(t, nil, conversation.KindDirect)
	m := f.seed(t, bob.UserID, 1)[0]
	e := f.engine(alice, f.store)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	tr := e.Tracker()

	before := e.Snapshot()
	on, err := tr.ToggleReaction(ctx, m.ID, "❤️")
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []message.ReactionGroup{{Emoji: "❤️", Count: 1, Mine: true}}, tr.Reactions(m.ID))

	on, err = tr.ToggleReaction(ctx, m.ID, "❤️")
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, before, e.Snapshot())

	stored, err := f.store.ListReactions(ctx, []string{m.ID})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReactionCountIsIndependentOfOrder(t *testing.T) {
	members := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	log := &changeLog{}
	f := newFixture(t, log, conversation.KindGroup, members...)
	m := f.seed(t, "u0", 1)[0]
	ctx := context.Background()

	observer := f.engine(user.Profile{UserID: "u0"}, f.store)
	require.NoError(t, observer.Load(ctx))

	order := rand.New(rand.NewSource(7)).Perm(len(members))
	for _, i := range order {
		e := f.engine(user.Profile{UserID: members[i]}, f.store)
		require.NoError(t, e.Load(ctx))
		_, err := e.Tracker().ToggleReaction(ctx, m.ID, "🎉")
		require.NoError(t, err)
		c, ok := log.last(events.TableReactions, events.OpInsert)
		require.True(t, ok)
		observer.Tracker().HandleChange(ctx, c)
		// At-least-once delivery.
		observer.Tracker().HandleChange(ctx, c)
	}

	groups := observer.Tracker().Reactions(m.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, len(members), groups[0].Count)
	assert.True(t, groups[0].Mine)

	fresh := f.engine(user.Profile{UserID: "u1"}, f.store)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, len(members), fresh.Tracker().Reactions(m.ID)[0].Count)
}

func TestReactionDeleteChangeUpdatesGroups(t *testing.T) {
	log := &changeLog{}
	f := newFixture(t, log, conversation.KindDirect)
	m := f.seed(t, alice.UserID, 1)[0]
	ctx := context.Background()
	e := f.engine(alice, f.store)
	require.NoError(t, e.Load(ctx))

	require.NoError(t, f.store.AddReaction(ctx, message.Reaction{MessageID: m.ID, UserID: bob.UserID, Emoji: "👍"}))
	add, _ := log.last(events.TableReactions, events.OpInsert)
	e.Tracker().HandleChange(ctx, add)
	assert.Equal(t, []message.ReactionGroup{{Emoji: "👍", Count: 1}}, e.Tracker().Reactions(m.ID))

	require.NoError(t, f.store.RemoveReaction(ctx, m.ID, bob.UserID, "👍"))
	del, _ := log.last(events.TableReactions, events.OpDelete)
	e.Tracker().HandleChange(ctx, del)
	assert.Empty(t, e.Tracker().Reactions(m.ID))
}

func TestToggleRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, nil, conversation.KindDirect)
	m := f.seed(t, bob.UserID, 1)[0]
	ctx := context.Background()
	e := f.engine(user.Profile{UserID: "mallory"}, f.store)
	require.NoError(t, e.Load(ctx))

	before := e.Snapshot()
	_, err := e.Tracker().ToggleReaction(ctx, m.ID, "👎")
	require.ErrorIs(t, err, convosync_errors.ErrForbidden)
	assert.Equal(t, before, e.Snapshot())
}

func TestMarkReadBatchesOthersUnreadMessages(t *testing.T) {
	f := newFixture(t, nil, conversation.KindDirect)
	theirs := f.seed(t, bob.UserID, 3)
	mine := f.seed(t, alice.UserID, 1)[0]
	store := &flakyStore{MemoryStore: f.store}
	e := f.engine(alice, store)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	tr := e.Tracker()

	require.NoError(t, tr.MarkAllRead(ctx))
	require.Len(t, store.batches(), 1)
	assert.ElementsMatch(t, []string{theirs[0].ID, theirs[1].ID, theirs[2].ID}, store.batches()[0])
	assert.NotContains(t, store.batches()[0], mine.ID)

	for _, m := range theirs {
		entry, _ := e.Entry(message.Confirmed{ID: m.ID})
		assert.True(t, entry.ReadBy(alice.UserID))
	}

	// Everything is read now; nothing else is written.
	require.NoError(t, tr.MarkAllRead(ctx))
	assert.Len(t, store.batches(), 1)
}

func TestMarkReadNeverSendsAnIdTwiceConcurrently(t *testing.T) {
	f := newFixture(t, nil, conversation.KindDirect)
	theirs := f.seed(t, bob.UserID, 2)
	store := &flakyStore{MemoryStore: f.store, readGate: make(chan struct{})}
	e := f.engine(alice, store)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	tr := e.Tracker()

	done := make(chan error, 1)
	go func() { done <- tr.MarkRead(ctx, []string{theirs[0].ID, theirs[1].ID}) }()
	require.Eventually(t, func() bool { return tr.InFlight() == 2 }, time.Second, time.Millisecond)

	// Same ids again while the first batch is in flight.
	second := make(chan error, 1)
	go func() { second <- tr.MarkRead(ctx, []string{theirs[1].ID}) }()
	require.NoError(t, <-second)

	close(store.readGate)
	require.NoError(t, <-done)
	assert.Len(t, store.batches(), 1)
	assert.Equal(t, 0, tr.InFlight())
}

func TestMarkReadFailureReleasesPendingSet(t *testing.T) {
	f := newFixture(t, nil, conversation.KindDirect)
	m := f.seed(t, bob.UserID, 1)[0]
	store := &flakyStore{MemoryStore: f.store, readErr: fmt.Errorf("timeout: %w", convosync_errors.ErrTransient)}
	e := f.engine(alice, store)
	ctx := context.Background()
	require.NoError(t, e.Load(ctx))
	tr := e.Tracker()

	require.ErrorIs(t, tr.MarkRead(ctx, []string{m.ID}), convosync_errors.ErrTransient)
	assert.Equal(t, 0, tr.InFlight())
	entry, _ := e.Entry(message.Confirmed{ID: m.ID})
	assert.False(t, entry.ReadBy(alice.UserID))

	store.readErr = nil
	require.NoError(t, tr.MarkRead(ctx, []string{m.ID}))
	assert.Len(t, store.batches(), 2)
	entry, _ = e.Entry(message.Confirmed{ID: m.ID})
	assert.True(t, entry.ReadBy(alice.UserID))
}

func TestReadMarkerChangeFromPeer(t *testing.T) {
	log := &changeLog{}
	f := newFixture(t, log, conversation.KindDirect)
	m := f.seed(t, alice.UserID, 1)[0]
	ctx := context.Background()
	e := f.engine(alice, f.store)
	require.NoError(t, e.Load(ctx))

	_, err := f.store.MarkRead(ctx, bob.UserID, []string{m.ID})
	require.NoError(t, err)
	c, ok := log.last(events.TableReadMarkers, events.OpInsert)
	require.True(t, ok)
	e.Tracker().HandleChange(ctx, c)

	entry, _ := e.Entry(message.Confirmed{ID: m.ID})
	assert.True(t, entry.ReadBy(bob.UserID))
}
