package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/domain/conversation"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/media"
	"convosync/internal/relay"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	settle = 2 * time.Second
	poll   = 5 * time.Millisecond
)

type world struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	feed   *feed.Feed
	store  *repository.MemoryStore
	relay  *media.LoopbackRelay
	tokens *relay.Issuer
}

type party struct {
	*Coordinator
	devices *media.SyntheticDevices
}

func newWorld(t *testing.T) *world {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC))
	fd := feed.New(events.NewMemoryBus(), feed.WithLogger(logger.Nop()))
	store := repository.NewMemoryStore(fd, repository.WithClock(clock), repository.WithMemoryLogger(logger.Nop()))
	_, err := store.CreateConversation(context.Background(),
		conversation.Conversation{ID: "c1", Kind: conversation.KindDirect},
		[]conversation.Participant{{UserID: "alice"}, {UserID: "bob"}})
	require.NoError(t, err)

	tokens := relay.NewIssuer("app", "relay-secret", time.Hour, clock)
	return &world{
		t:      t,
		clock:  clock,
		feed:   fd,
		store:  store,
		relay:  media.NewLoopbackRelay(tokens),
		tokens: tokens,
	}
}

// join wires a coordinator for userID to the call feed of c1 and g1.
func (w *world) join(userID string, opts ...Option) *party {
	w.t.Helper()
	devices := media.NewSyntheticDevices()
	return &party{Coordinator: w.joinWith(userID, devices, opts...), devices: devices}
}

func (w *world) joinWith(userID string, devices media.DeviceProvider, opts ...Option) *Coordinator {
	w.t.Helper()
	lock := media.NewDeviceLock()
	opts = append([]Option{WithClock(w.clock), WithLogger(logger.Nop())}, opts...)
	c := NewCoordinator(userID, w.store, func() Media {
		return media.NewManager(userID, devices, w.relay, w.tokens, media.WithDeviceLock(lock), media.WithLogger(logger.Nop()))
	}, opts...)

	ctx := context.Background()
	sub, err := w.feed.Subscribe(ctx, feed.Filter{
		ConversationIDs: []string{"c1", "g1"},
		Tables:          []events.Table{events.TableCallSessions, events.TableCallParticipants},
	}, func(ch events.Change) { c.HandleChange(ctx, ch) })
	require.NoError(w.t, err)
	w.t.Cleanup(func() {
		_ = sub.Close()
		c.Close(context.Background())
	})
	return c
}

func (w *world) row(id string) call.Session {
	w.t.Helper()
	cs, err := w.store.GetCall(context.Background(), id)
	require.NoError(w.t, err)
	return cs
}

func eventuallyState(t *testing.T, p *party, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return p.Snapshot().State == want }, settle, poll,
		"state %s, want %s", p.Snapshot().State, want)
	return p.Snapshot()
}

func eventuallyOutcome(t *testing.T, p *party, want Outcome) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.State == StateIdle && s.Outcome == want
	}, settle, poll, "snapshot %+v, want idle with %s", p.Snapshot(), want)
}

// connect places a call from alice and has bob answer it.
func connect(t *testing.T, w *world, alice, bob *party, kind call.Kind) string {
	t.Helper()
	ctx := context.Background()
	_, err := alice.StartCall(ctx, "c1", kind)
	require.NoError(t, err)
	incoming := eventuallyState(t, bob, StateRinging)
	require.True(t, incoming.Incoming)
	require.NoError(t, bob.Answer(ctx))

	eventuallyState(t, alice, StateConnected)
	eventuallyState(t, bob, StateConnected)
	return incoming.CallID
}

func TestUnansweredCallIsMissedAfterRingTimeout(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()

	stream, err := alice.StartCall(ctx, "c1", call.KindVideo)
	require.NoError(t, err)
	callID := eventuallyState(t, bob, StateRinging).CallID
	assert.Equal(t, StateRinging, alice.Snapshot().State)
	assert.Equal(t, 2, alice.devices.OpenHandles())

	w.clock.BlockUntil(2)
	w.clock.Advance(DefaultRingTimeout - time.Second)
	assert.Equal(t, StateRinging, alice.Snapshot().State)

	w.clock.Advance(time.Second)
	eventuallyOutcome(t, alice, OutcomeMissed)
	eventuallyOutcome(t, bob, OutcomeMissed)

	row := w.row(callID)
	assert.Equal(t, call.StatusMissed, row.Status)
	assert.Nil(t, row.StartedAt)
	require.NotNil(t, row.EndedAt)
	assert.Zero(t, alice.devices.OpenHandles())
	assert.Zero(t, bob.devices.OpenHandles())
	assert.Empty(t, w.relay.Members(call.ChannelName(callID)))

	var last Snapshot
	for s := range stream {
		last = s
	}
	assert.Equal(t, OutcomeMissed, last.Outcome)
}

func TestAnsweredCallCountsDuration(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()

	callID := connect(t, w, alice, bob, call.KindVoice)
	row := w.row(callID)
	assert.Equal(t, call.StatusActive, row.Status)
	require.NotNil(t, row.StartedAt)
	assert.Equal(t, []string{"alice", "bob"}, w.relay.Members(call.ChannelName(callID)))

	// Two duration tickers, no ring timers.
	w.clock.BlockUntil(2)
	for i := 1; i <= 3; i++ {
		w.clock.Advance(time.Second)
		require.Eventually(t, func() bool {
			return alice.Snapshot().Duration == i && bob.Snapshot().Duration == i
		}, settle, poll)
	}

	require.NoError(t, alice.EndCall(ctx))
	eventuallyOutcome(t, alice, OutcomeEnded)
	eventuallyOutcome(t, bob, OutcomeEnded)

	row = w.row(callID)
	assert.Equal(t, call.StatusEnded, row.Status)
	assert.Equal(t, 3, row.DurationSeconds)
	require.Eventually(t, func() bool {
		parts, err := w.store.ListCallParticipants(ctx, callID)
		if err != nil || len(parts) != 2 {
			return false
		}
		for _, p := range parts {
			if p.Present() {
				return false
			}
		}
		return true
	}, settle, poll)
	assert.Zero(t, alice.devices.OpenHandles())
	assert.Zero(t, bob.devices.OpenHandles())
	assert.Empty(t, w.relay.Members(call.ChannelName(callID)))
}

func TestRingTimerCannotFireAfterConnect(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")

	callID := connect(t, w, alice, bob, call.KindVoice)
	w.clock.BlockUntil(2)
	w.clock.Advance(DefaultRingTimeout + time.Second)

	assert.Never(t, func() bool { return alice.Snapshot().State != StateConnected }, 50*time.Millisecond, poll)
	assert.Equal(t, StateConnected, bob.Snapshot().State)
	assert.Equal(t, call.StatusActive, w.row(callID).Status)
}

func TestDeclineEndsBothSides(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := eventuallyState(t, bob, StateRinging).CallID

	require.NoError(t, bob.Decline(ctx))
	eventuallyOutcome(t, bob, OutcomeDeclined)
	eventuallyOutcome(t, alice, OutcomeDeclined)

	row := w.row(callID)
	assert.Equal(t, call.StatusDeclined, row.Status)
	assert.Nil(t, row.StartedAt)
	assert.Zero(t, alice.devices.OpenHandles())
	assert.Zero(t, bob.devices.OpenHandles())

	require.ErrorIs(t, bob.Decline(ctx), convosync_errors.ErrNoActiveCall)
	require.ErrorIs(t, alice.EndCall(ctx), convosync_errors.ErrNoActiveCall)
}

func TestSimultaneousStartsShareOneCall(t *testing.T) {
	for round := 0; round < 10; round++ {
		w := newWorld(t)
		alice, bob := w.join("alice"), w.join("bob")
		ctx := context.Background()

		var wg sync.WaitGroup
		for _, p := range []*party{alice, bob} {
			wg.Add(1)
			go func(p *party) {
				defer wg.Done()
				_, _ = p.StartCall(ctx, "c1", call.KindVoice)
			}(p)
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			a, b := alice.Snapshot(), bob.Snapshot()
			return a.State == StateConnected && b.State == StateConnected && a.CallID == b.CallID
		}, settle, poll, "alice %+v bob %+v", alice.Snapshot(), bob.Snapshot())

		live, err := w.store.LiveCalls(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, alice.Snapshot().CallID, live[0].ID)
		assert.Equal(t, call.StatusActive, live[0].Status)
		require.Eventually(t, func() bool {
			return alice.devices.OpenHandles() == 1 && bob.devices.OpenHandles() == 1
		}, settle, poll)
	}
}

func TestStartWhileRingingAnswers(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := eventuallyState(t, bob, StateRinging).CallID

	_, err = bob.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	eventuallyState(t, alice, StateConnected)
	assert.Equal(t, callID, bob.Snapshot().CallID)

	_, err = alice.StartCall(ctx, "c1", call.KindVoice)
	require.ErrorIs(t, err, convosync_errors.ErrCallInProgress)
}

func TestCalleeWithoutCameraDowngradesCall(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	bob.devices.Deny(media.SourceCamera, true)

	callID := connect(t, w, alice, bob, call.KindVideo)

	assert.Equal(t, call.KindVoice, w.row(callID).Kind)
	assert.Equal(t, call.KindVoice, bob.Snapshot().Kind)
	require.Eventually(t, func() bool {
		s := alice.Snapshot()
		return s.Kind == call.KindVoice && !s.Media.CameraOn && alice.devices.OpenHandles() == 1
	}, settle, poll)
	assert.Equal(t, []media.Source{media.SourceMicrophone}, w.relay.Published(call.ChannelName(callID), "alice"))
	assert.Equal(t, []media.Source{media.SourceMicrophone}, w.relay.Published(call.ChannelName(callID), "bob"))
}

func TestCalleeRelayFailureEndsCallUnstarted(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := eventuallyState(t, bob, StateRinging).CallID

	w.relay.FailJoins(errors.New("relay unreachable"))
	err = bob.Answer(ctx)
	require.ErrorIs(t, err, convosync_errors.ErrRelayJoin)

	eventuallyOutcome(t, bob, OutcomeFailed)
	assert.ErrorIs(t, bob.Snapshot().Err, convosync_errors.ErrRelayJoin)
	eventuallyOutcome(t, alice, OutcomeEnded)

	row := w.row(callID)
	assert.Equal(t, call.StatusEnded, row.Status)
	assert.Nil(t, row.StartedAt)
	assert.Zero(t, bob.devices.OpenHandles())
	assert.Zero(t, alice.devices.OpenHandles())
}

func TestCallerRelayFailureFailsStart(t *testing.T) {
	w := newWorld(t)
	alice := w.join("alice")
	w.relay.FailJoins(errors.New("relay unreachable"))

	_, err := alice.StartCall(context.Background(), "c1", call.KindVideo)
	require.ErrorIs(t, err, convosync_errors.ErrRelayJoin)

	s := alice.Snapshot()
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, OutcomeFailed, s.Outcome)
	assert.Zero(t, alice.devices.OpenHandles())

	live, err := w.store.LiveCalls(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRemoteLeavingEndsCallAfterGrace(t *testing.T) {
	w := newWorld(t)
	alice := w.join("alice")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := alice.Snapshot().CallID
	require.NotEmpty(t, callID)

	// bob answers from a client that is not wired here.
	_, err = w.store.JoinCall(ctx, call.Participant{CallID: callID, UserID: "bob"})
	require.NoError(t, err)
	now := w.clock.Now()
	_, err = w.store.TransitionCall(ctx, callID, []call.Status{call.StatusRinging}, call.StatusActive, call.Fields{StartedAt: &now})
	require.NoError(t, err)
	eventuallyState(t, alice, StateConnected)

	require.NoError(t, w.store.LeaveCall(ctx, callID, "bob", w.clock.Now()))
	require.Eventually(t, func() bool {
		s := alice.Snapshot()
		return len(s.Remote) == 1 && !s.Remote[0].Present
	}, settle, poll)

	// Ticker and grace timer.
	w.clock.BlockUntil(2)
	w.clock.Advance(time.Second)
	w.clock.Advance(time.Second)
	assert.Equal(t, StateConnected, alice.Snapshot().State)

	w.clock.Advance(time.Second)
	eventuallyOutcome(t, alice, OutcomeEnded)
	row := w.row(callID)
	assert.Equal(t, call.StatusEnded, row.Status)
	assert.Zero(t, alice.devices.OpenHandles())
}

func TestRemoteRejoiningWithinGraceKeepsCall(t *testing.T) {
	w := newWorld(t)
	alice := w.join("alice")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := alice.Snapshot().CallID
	_, err = w.store.JoinCall(ctx, call.Participant{CallID: callID, UserID: "bob"})
	require.NoError(t, err)
	now := w.clock.Now()
	_, err = w.store.TransitionCall(ctx, callID, []call.Status{call.StatusRinging}, call.StatusActive, call.Fields{StartedAt: &now})
	require.NoError(t, err)
	eventuallyState(t, alice, StateConnected)

	require.NoError(t, w.store.LeaveCall(ctx, callID, "bob", w.clock.Now()))
	require.Eventually(t, func() bool {
		s := alice.Snapshot()
		return len(s.Remote) == 1 && !s.Remote[0].Present
	}, settle, poll)
	_, err = w.store.JoinCall(ctx, call.Participant{CallID: callID, UserID: "bob"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := alice.Snapshot()
		return len(s.Remote) == 1 && s.Remote[0].Present
	}, settle, poll)

	w.clock.BlockUntil(1)
	for i := 0; i < 5; i++ {
		w.clock.Advance(time.Second)
	}
	assert.Never(t, func() bool { return alice.Snapshot().State != StateConnected }, 50*time.Millisecond, poll)
}

func TestUnavailableUserIsNotRung(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	bob.SetAvailable(false)

	_, err := alice.StartCall(context.Background(), "c1", call.KindVoice)
	require.NoError(t, err)
	assert.Never(t, func() bool { return bob.Snapshot().State != StateIdle }, 50*time.Millisecond, poll)
}

func TestMuteIsVisibleToPeer(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	ctx := context.Background()
	connect(t, w, alice, bob, call.KindVideo)

	require.NoError(t, alice.SetMuted(ctx, true))
	require.NoError(t, alice.SetCameraOff(ctx, true))
	assert.True(t, alice.Snapshot().Media.Muted)
	assert.False(t, alice.Snapshot().Media.CameraOn)

	require.Eventually(t, func() bool {
		s := bob.Snapshot()
		return len(s.Remote) == 1 && s.Remote[0].Muted && s.Remote[0].CameraOff
	}, settle, poll)

	require.NoError(t, alice.StartScreenShare(ctx))
	assert.True(t, alice.Snapshot().Media.ScreenSharing)
	require.NoError(t, alice.StopScreenShare(ctx))
	assert.False(t, alice.Snapshot().Media.ScreenSharing)
}

func TestMediaControlsNeedACall(t *testing.T) {
	w := newWorld(t)
	alice := w.join("alice")
	ctx := context.Background()

	require.ErrorIs(t, alice.SetMuted(ctx, true), convosync_errors.ErrNoActiveCall)
	require.ErrorIs(t, alice.SwitchCamera(ctx), convosync_errors.ErrNoActiveCall)
	require.ErrorIs(t, alice.Answer(ctx), convosync_errors.ErrNoActiveCall)
	_, err := alice.StartCall(ctx, "c1", call.Kind("hologram"))
	require.ErrorIs(t, err, convosync_errors.ErrInvalidInput)
}

func TestReconcilePicksUpMissedEnd(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	devices := media.NewSyntheticDevices()
	// Not subscribed to the feed, as after a dropped connection.
	alice := NewCoordinator("alice", w.store, func() Media {
		return media.NewManager("alice", devices, w.relay, w.tokens, media.WithLogger(logger.Nop()))
	}, WithClock(w.clock), WithLogger(logger.Nop()))
	t.Cleanup(func() { alice.Close(context.Background()) })

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	callID := alice.Snapshot().CallID

	now := w.clock.Now()
	_, err = w.store.TransitionCall(ctx, callID, []call.Status{call.StatusRinging}, call.StatusDeclined, call.Fields{EndedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, StateRinging, alice.Snapshot().State)

	require.NoError(t, alice.Reconcile(ctx))
	s := alice.Snapshot()
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, OutcomeDeclined, s.Outcome)
	assert.Zero(t, devices.OpenHandles())
	require.NoError(t, alice.Reconcile(ctx))
}

// gatedDevices holds every microphone open until release is closed.
type gatedDevices struct {
	*media.SyntheticDevices
	entered chan struct{}
	release chan struct{}
}

func newGatedDevices() *gatedDevices {
	return &gatedDevices{
		SyntheticDevices: media.NewSyntheticDevices(),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
}

func (d *gatedDevices) Microphone(ctx context.Context) (media.Track, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.SyntheticDevices.Microphone(ctx)
}

func waitEntered(t *testing.T, d *gatedDevices) {
	t.Helper()
	select {
	case <-d.entered:
	case <-time.After(settle):
		t.Fatal("microphone was never requested")
	}
}

func TestHangingUpWhileAnsweringReleasesLateDevices(t *testing.T) {
	w := newWorld(t)
	alice := w.join("alice")
	devices := newGatedDevices()
	bob := w.joinWith("bob", devices)
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	var callID string
	require.Eventually(t, func() bool {
		s := bob.Snapshot()
		callID = s.CallID
		return s.State == StateRinging
	}, settle, poll)

	answered := make(chan error, 1)
	go func() { answered <- bob.Answer(ctx) }()
	waitEntered(t, devices)
	require.Equal(t, StateConnecting, bob.Snapshot().State)

	require.NoError(t, bob.EndCall(ctx))
	require.Eventually(t, func() bool {
		s := bob.Snapshot()
		return s.State == StateIdle && s.Outcome == OutcomeEnded
	}, settle, poll)
	eventuallyOutcome(t, alice, OutcomeEnded)

	close(devices.release)
	select {
	case err := <-answered:
		assert.ErrorIs(t, err, convosync_errors.ErrNoActiveCall)
	case <-time.After(settle):
		t.Fatal("answer never returned")
	}

	assert.Equal(t, 0, devices.OpenHandles())
	require.Eventually(t, func() bool { return len(w.relay.Members(call.ChannelName(callID))) == 0 }, settle, poll)
	assert.Equal(t, call.StatusEnded, w.row(callID).Status)

	// The devices are free again for the next call.
	_, err = bob.StartCall(ctx, "c1", call.KindVoice)
	require.NoError(t, err)
	eventuallyState(t, alice, StateRinging)
	assert.Equal(t, 1, devices.OpenHandles())
}

func TestHangingUpWhileCallingLeavesNothingBehind(t *testing.T) {
	w := newWorld(t)
	devices := newGatedDevices()
	alice := w.joinWith("alice", devices)
	bob := w.join("bob")
	ctx := context.Background()

	started := make(chan error, 1)
	go func() {
		_, err := alice.StartCall(ctx, "c1", call.KindVideo)
		started <- err
	}()
	waitEntered(t, devices)
	require.Equal(t, StateCalling, alice.Snapshot().State)

	require.NoError(t, alice.EndCall(ctx))
	close(devices.release)
	select {
	case err := <-started:
		assert.ErrorIs(t, err, convosync_errors.ErrNoActiveCall)
	case <-time.After(settle):
		t.Fatal("start never returned")
	}

	s := alice.Snapshot()
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, OutcomeEnded, s.Outcome)
	assert.Equal(t, 0, devices.OpenHandles())

	live, err := w.store.LiveCalls(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Equal(t, StateIdle, bob.Snapshot().State)
}

func TestCallerWithoutCameraPlacesVoiceCall(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.join("alice"), w.join("bob")
	alice.devices.Deny(media.SourceCamera, true)
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "c1", call.KindVideo)
	require.NoError(t, err)

	incoming := eventuallyState(t, bob, StateRinging)
	assert.Equal(t, call.KindVoice, incoming.Kind)
	assert.Equal(t, call.KindVoice, w.row(incoming.CallID).Kind)
	assert.Equal(t, call.KindVoice, alice.Snapshot().Kind)
	assert.Equal(t, 1, alice.devices.OpenHandles())

	require.NoError(t, bob.Answer(ctx))
	eventuallyState(t, alice, StateConnected)
	assert.Equal(t, 1, bob.devices.OpenHandles())
}

func TestLateMembersJoinActiveGroupCall(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.store.CreateConversation(ctx,
		conversation.Conversation{ID: "g1", Kind: conversation.KindGroup, Title: "team"},
		[]conversation.Participant{{UserID: "alice", Role: conversation.RoleOwner}, {UserID: "bob"}, {UserID: "carol"}, {UserID: "dave"}})
	require.NoError(t, err)

	alice, bob, carol, dave := w.join("alice"), w.join("bob"), w.join("carol"), w.join("dave")
	carol.SetAvailable(false)

	_, err = alice.StartCall(ctx, "g1", call.KindVoice)
	require.NoError(t, err)
	callID := eventuallyState(t, bob, StateRinging).CallID
	eventuallyState(t, dave, StateRinging)
	assert.Equal(t, StateIdle, carol.Snapshot().State)

	require.NoError(t, bob.Answer(ctx))
	eventuallyState(t, alice, StateConnected)
	eventuallyState(t, bob, StateConnected)
	assert.Never(t, func() bool { return dave.Snapshot().State != StateRinging }, 50*time.Millisecond, poll)

	// Starting a call where one is running joins it.
	carol.SetAvailable(true)
	_, err = carol.StartCall(ctx, "g1", call.KindVoice)
	require.NoError(t, err)
	eventuallyState(t, carol, StateConnected)

	// Answering after someone else did joins too.
	require.NoError(t, dave.Answer(ctx))
	eventuallyState(t, dave, StateConnected)

	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, w.relay.Members(call.ChannelName(callID)))
	assert.Equal(t, call.StatusActive, w.row(callID).Status)
	require.Eventually(t, func() bool { return len(carol.Snapshot().Remote) == 3 }, settle, poll)

	// Leaving a group call that goes on does not end it for the others.
	require.NoError(t, carol.EndCall(ctx))
	eventuallyOutcome(t, carol, OutcomeEnded)
	assert.Equal(t, call.StatusActive, w.row(callID).Status)
	assert.Equal(t, StateConnected, alice.Snapshot().State)
	assert.Equal(t, 0, carol.devices.OpenHandles())
}
