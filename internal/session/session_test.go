package session

import (
	"context"
	"testing"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/media"
	"convosync/internal/relay"
	"convosync/internal/repository"
	"convosync/internal/signaling"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	settle = 2 * time.Second
	poll   = 5 * time.Millisecond
)

type harness struct {
	bus   *events.MemoryBus
	store *repository.MemoryStore
	deps  Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewMemoryBus()
	fd := feed.New(bus, feed.WithLogger(logger.Nop()))
	store := repository.NewMemoryStore(fd, repository.WithMemoryLogger(logger.Nop()))
	ctx := context.Background()
	_, err := store.CreateConversation(ctx, conversation.Conversation{ID: "c1", Kind: conversation.KindDirect},
		[]conversation.Participant{{UserID: "alice"}, {UserID: "bob"}})
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, conversation.Conversation{ID: "c2", Kind: conversation.KindGroup, Title: "team"},
		[]conversation.Participant{{UserID: "alice", Role: conversation.RoleOwner}, {UserID: "carol"}})
	require.NoError(t, err)

	tokens := relay.NewIssuer("app", "secret", time.Hour, nil)
	return &harness{
		bus:   bus,
		store: store,
		deps: Deps{
			Store:   store,
			Feed:    fd,
			Bus:     bus,
			Devices: media.NewSyntheticDevices(),
			Relay:   media.NewLoopbackRelay(tokens),
			Tokens:  tokens,
			Logger:  logger.Nop(),
		},
	}
}

func (h *harness) start(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := New(context.Background(), user.Profile{UserID: userID, Username: userID}, h.deps)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestMessagesSyncBetweenSessions(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.start(t, "alice"), h.start(t, "bob")
	ctx := context.Background()

	ae, err := alice.Open(ctx, "c1")
	require.NoError(t, err)
	be, err := bob.Open(ctx, "c1")
	require.NoError(t, err)
	again, err := bob.Open(ctx, "c1")
	require.NoError(t, err)
	assert.Same(t, be, again)

	sent, err := ae.Send(ctx, message.Draft{Content: "hi bob"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(be.Messages()) == 1 }, settle, poll)
	assert.Equal(t, sent.ID, be.Messages()[0].Message.ID)

	added, err := be.Tracker().ToggleReaction(ctx, sent.ID, "👍")
	require.NoError(t, err)
	assert.True(t, added)
	require.Eventually(t, func() bool {
		groups := ae.Tracker().Reactions(sent.ID)
		return len(groups) == 1 && groups[0].Count == 1
	}, settle, poll)
}

func TestOpenRequiresMembership(t *testing.T) {
	h := newHarness(t)
	bob := h.start(t, "bob")

	_, err := bob.Open(context.Background(), "c2")
	require.ErrorIs(t, err, convosync_errors.ErrNotFound)
}

func TestIncomingCallRingsWithoutOpenConversation(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.start(t, "alice"), h.start(t, "bob")

	_, err := alice.Calls().StartCall(context.Background(), "c1", call.KindVoice)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := bob.Calls().Snapshot()
		return s.State == signaling.StateRinging && s.Incoming
	}, settle, poll)
	require.NoError(t, bob.Calls().Answer(context.Background()))
	require.Eventually(t, func() bool { return alice.Calls().Snapshot().State == signaling.StateConnected }, settle, poll)
}

func TestDisconnectedSessionIsNotRung(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.start(t, "alice"), h.start(t, "bob")
	ctx := context.Background()

	require.Eventually(t, func() bool { return alice.Presence().Online("bob") }, settle, poll)
	bob.Disconnect(ctx)
	assert.True(t, bob.Disconnected())
	require.Eventually(t, func() bool { return !alice.Presence().Online("bob") }, settle, poll)

	_, err := alice.Calls().StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	assert.Never(t, func() bool { return bob.Calls().Snapshot().State != signaling.StateIdle }, 50*time.Millisecond, poll)
	require.NoError(t, alice.Calls().EndCall(ctx))

	bob.Reconnect(ctx)
	assert.False(t, bob.Disconnected())
	require.Eventually(t, func() bool { return alice.Presence().Online("bob") }, settle, poll)
	require.Eventually(t, func() bool { return alice.Calls().Snapshot().State == signaling.StateIdle }, settle, poll)

	_, err = alice.Calls().StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Calls().Snapshot().State == signaling.StateRinging }, settle, poll)
}

func TestDisconnectIsPerSession(t *testing.T) {
	h := newHarness(t)
	bob1, bob2 := h.start(t, "bob"), h.start(t, "bob")
	bob1.Disconnect(context.Background())
	assert.True(t, bob1.Disconnected())
	assert.False(t, bob2.Disconnected())
}

func TestTrackPicksUpNewConversation(t *testing.T) {
	h := newHarness(t)
	alice, carol := h.start(t, "alice"), h.start(t, "carol")
	ctx := context.Background()

	_, err := h.store.CreateConversation(ctx, conversation.Conversation{ID: "c3", Kind: conversation.KindDirect},
		[]conversation.Participant{{UserID: "alice"}, {UserID: "carol"}})
	require.NoError(t, err)
	require.NoError(t, carol.Track(ctx, "c3"))

	_, err = alice.Calls().StartCall(ctx, "c3", call.KindVoice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return carol.Calls().Snapshot().ConversationID == "c3" }, settle, poll)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	alice := h.start(t, "alice")
	ctx := context.Background()
	_, err := alice.Open(ctx, "c1")
	require.NoError(t, err)
	_, err = alice.Calls().StartCall(ctx, "c1", call.KindVideo)
	require.NoError(t, err)

	alice.Close(ctx)
	alice.Close(ctx)
	assert.Zero(t, h.bus.Subscribers())
	assert.Zero(t, h.deps.Devices.(*media.SyntheticDevices).OpenHandles())

	live, err := h.store.LiveCalls(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = alice.Open(ctx, "c1")
	require.ErrorIs(t, err, convosync_errors.ErrServiceUnavailable)
}
