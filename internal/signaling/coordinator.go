package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"convosync/internal/domain/call"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	"convosync/internal/media"
	"convosync/internal/notify"
	"convosync/internal/relay"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultRingTimeout     = 45 * time.Second
	DefaultRemoteLeftGrace = 3 * time.Second
)

// Media is the slice of *media.Manager the coordinator drives.
type Media interface {
	Acquire(ctx context.Context, kind call.Kind) (call.Kind, error)
	Join(ctx context.Context, channel string, role relay.Role) error
	SetMuted(muted bool)
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	DowngradeToAudio(ctx context.Context)
	Teardown(ctx context.Context) error
	OpenHandles() int
	State() media.State
}

// MediaFactory returns a fresh media manager for each call.
type MediaFactory func() Media

type Profiles interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]user.Profile, error)
}

// Recorder observes finished calls.
type Recorder interface {
	CallFinished(outcome Outcome)
}

type nopRecorder struct{}

func (nopRecorder) CallFinished(Outcome) {}

// Coordinator is the call state machine of one user. Every transition away
// from ringing or connected stops the timers that state started; timer
// callbacks carry the generation they were started in and do nothing once it
// moved on.
type Coordinator struct {
	self        string
	store       repository.CallRepository
	newMedia    MediaFactory
	profiles    Profiles
	clock       clockwork.Clock
	log         *logger.Logger
	rec         Recorder
	ringTimeout time.Duration
	leftGrace   time.Duration
	changes     *notify.Broadcaster[Snapshot]

	mu         sync.Mutex
	available  bool
	state      State
	gen        uint64
	conv       string
	kind       call.Kind
	sess       *call.Session
	incoming   bool
	media      Media
	mediaState media.State
	muted      bool
	cameraOff  bool
	duration   int
	remotes    map[string]call.Participant
	names      map[string]user.Profile
	ringTimer  clockwork.Timer
	graceTimer clockwork.Timer
	tickStop   chan struct{}
	rival      *call.Session
	outcome    Outcome
	err        error
	streams    []func()
}

type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(co *Coordinator) {
		if r != nil {
			co.rec = r
		}
	}
}

func WithProfiles(p Profiles) Option {
	return func(co *Coordinator) { co.profiles = p }
}

func WithRingTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.ringTimeout = d
		}
	}
}

func WithRemoteLeftGrace(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.leftGrace = d
		}
	}
}

func NewCoordinator(self string, store repository.CallRepository, newMedia MediaFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:        self,
		store:       store,
		newMedia:    newMedia,
		clock:       clockwork.NewRealClock(),
		rec:         nopRecorder{},
		ringTimeout: DefaultRingTimeout,
		leftGrace:   DefaultRemoteLeftGrace,
		changes:     notify.New[Snapshot](),
		available:   true,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log).Named("signaling").With(zap.String("user_id", self))
	return c
}

// --- read model ---

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch streams every snapshot change until cancel is called.
func (c *Coordinator) Watch() (<-chan Snapshot, func()) {
	return c.changes.Watch(16)
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:          c.state,
		ConversationID: c.conv,
		Kind:           c.kind,
		Incoming:       c.incoming,
		Duration:       c.duration,
		Media:          c.mediaState,
		Outcome:        c.outcome,
		Err:            c.err,
	}
	if c.sess != nil {
		s.CallID = c.sess.ID
		s.InitiatorID = c.sess.InitiatorID
	}
	for id, p := range c.remotes {
		prof, ok := c.names[id]
		if !ok {
			prof = user.Profile{UserID: id}
		}
		s.Remote = append(s.Remote, Remote{Profile: prof, Present: p.Present(), Muted: p.Muted, CameraOff: p.CameraOff})
	}
	sort.Slice(s.Remote, func(i, j int) bool { return s.Remote[i].Profile.UserID < s.Remote[j].Profile.UserID })
	return s
}

func (c *Coordinator) publishLocked() {
	c.changes.Publish(c.snapshotLocked())
}

func (c *Coordinator) currentLocked(gen uint64) bool {
	return c.gen == gen && c.state != StateIdle && !c.state.Terminal()
}

// SetAvailable controls whether incoming calls are surfaced.
func (c *Coordinator) SetAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = available
}

// resetLocked forgets the previous call, outcome included.
func (c *Coordinator) resetLocked() {
	c.conv = ""
	c.kind = ""
	c.sess = nil
	c.incoming = false
	c.media = nil
	c.mediaState = media.State{}
	c.muted = false
	c.cameraOff = false
	c.duration = 0
	c.remotes = make(map[string]call.Participant)
	c.names = make(map[string]user.Profile)
	c.rival = nil
	c.outcome = OutcomeNone
	c.err = nil
}

// --- outgoing ---

// StartCall places a call in the conversation and streams its snapshots. The
// stream closes once the call is over. When the other party already rings
// this conversation, their call is answered instead.
func (c *Coordinator) StartCall(ctx context.Context, conversationID string, kind call.Kind) (<-chan Snapshot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("call kind %q: %w", kind, convosync_errors.ErrInvalidInput)
	}
	c.mu.Lock()
	if c.state == StateRinging && c.incoming && c.conv == conversationID {
		// Already ringing from the other side: answer it.
		gen := c.gen
		if c.media == nil {
			c.media = c.newMedia()
		}
		m := c.media
		stream, cancel := c.changes.Watch(16)
		c.streams = append(c.streams, cancel)
		c.mu.Unlock()
		if err := c.answer(ctx, gen, m); err != nil {
			cancel()
			return nil, err
		}
		return stream, nil
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, convosync_errors.ErrCallInProgress
	}
	c.resetLocked()
	c.gen++
	gen := c.gen
	c.state = StateCalling
	c.conv = conversationID
	c.kind = kind
	m := c.newMedia()
	c.media = m
	stream, cancel := c.changes.Watch(16)
	c.streams = append(c.streams, cancel)
	c.publishLocked()
	c.mu.Unlock()

	if err := c.place(ctx, gen, conversationID, kind, m); err != nil {
		cancel()
		return nil, err
	}
	return stream, nil
}

func (c *Coordinator) place(ctx context.Context, gen uint64, conversationID string, kind call.Kind, m Media) error {
	live, err := c.store.LiveCalls(ctx, conversationID)
	if err != nil {
		c.fail(ctx, gen, OutcomeFailed, "", err, "", m)
		return fmt.Errorf("check live calls: %w", err)
	}
	if len(live) > 0 {
		return c.adopt(ctx, gen, live[0], m)
	}

	got, err := m.Acquire(ctx, kind)
	if err != nil {
		c.fail(ctx, gen, OutcomeFailed, "", err, "", m)
		return err
	}
	cs, err := c.store.CreateCall(ctx, call.Session{ConversationID: conversationID, InitiatorID: c.self, Kind: got})
	if err != nil {
		c.fail(ctx, gen, OutcomeFailed, "", err, "", m)
		return fmt.Errorf("create call: %w", err)
	}

	// Both parties may have created a row. The earliest one wins everywhere.
	live, err = c.store.LiveCalls(ctx, conversationID)
	if err != nil {
		c.log.Logger.Warn("recheck live calls", zap.String("call_id", cs.ID), zap.Error(err))
	} else if len(live) > 0 && live[0].ID != cs.ID {
		c.log.Logger.Info("call collision, yielding",
			zap.String("call_id", cs.ID), zap.String("winner", live[0].ID))
		now := c.clock.Now()
		if _, err := c.store.TransitionCall(ctx, cs.ID, []call.Status{call.StatusRinging}, call.StatusEnded, call.Fields{EndedAt: &now}); err != nil &&
			!errors.Is(err, convosync_errors.ErrInvalidTransition) {
			c.log.Logger.Warn("end losing call", zap.String("call_id", cs.ID), zap.Error(err))
		}
		return c.adopt(ctx, gen, live[0], m)
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		c.abandon(ctx, cs, m)
		return fmt.Errorf("call ended during setup: %w", convosync_errors.ErrNoActiveCall)
	}
	c.sess = &cs
	c.kind = cs.Kind
	c.state = StateRinging
	c.ringTimer = c.clock.AfterFunc(c.ringTimeout, func() { c.onRingTimeout(gen) })
	rival := c.rival
	c.rival = nil
	c.publishLocked()
	c.mu.Unlock()

	if rival != nil && rival.Precedes(cs) {
		return c.yield(ctx, gen, *rival)
	}
	if _, err := c.store.JoinCall(ctx, call.Participant{CallID: cs.ID, UserID: c.self}); err != nil {
		c.fail(ctx, gen, OutcomeFailed, call.StatusEnded, err, cs.ID, m)
		return fmt.Errorf("join call: %w", err)
	}
	if err := m.Join(ctx, cs.Channel, relay.RolePublisher); err != nil {
		c.fail(ctx, gen, OutcomeFailed, call.StatusEnded, err, cs.ID, m)
		return err
	}
	if c.stale(gen) {
		c.discard(ctx, cs.ID, m)
		return fmt.Errorf("call ended during setup: %w", convosync_errors.ErrNoActiveCall)
	}
	c.refreshMedia(ctx, gen, m)
	return nil
}

// adopt turns a start into an answer of the live call found in the
// conversation. A call that is already active is joined as it is.
func (c *Coordinator) adopt(ctx context.Context, gen uint64, live call.Session, m Media) error {
	if live.InitiatorID == c.self {
		c.terminate(ctx, gen, OutcomeNone, "", nil)
		return fmt.Errorf("call %s: %w", live.ID, convosync_errors.ErrCallInProgress)
	}
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		_ = m.Teardown(context.WithoutCancel(ctx))
		return fmt.Errorf("call ended during setup: %w", convosync_errors.ErrNoActiveCall)
	}
	c.sess = &live
	c.kind = live.Kind
	c.incoming = true
	c.state = StateRinging
	c.publishLocked()
	c.mu.Unlock()
	return c.answer(ctx, gen, m)
}

// abandon cleans up a row and devices created by a start that was cancelled
// meanwhile.
func (c *Coordinator) abandon(ctx context.Context, cs call.Session, m Media) {
	ctx = context.WithoutCancel(ctx)
	now := c.clock.Now()
	if _, err := c.store.TransitionCall(ctx, cs.ID, []call.Status{call.StatusRinging}, call.StatusEnded, call.Fields{EndedAt: &now}); err != nil &&
		!errors.Is(err, convosync_errors.ErrInvalidTransition) {
		c.log.Logger.Warn("end abandoned call", zap.String("call_id", cs.ID), zap.Error(err))
	}
	if err := m.Teardown(ctx); err != nil {
		c.log.Logger.Warn("teardown abandoned call", zap.Error(err))
	}
}

// stale reports whether the call of gen ended while a setup step ran.
func (c *Coordinator) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.currentLocked(gen)
}

// discard releases what a setup step of an already ended call still holds:
// our participant row in callID and the devices of m.
func (c *Coordinator) discard(ctx context.Context, callID string, m Media) {
	ctx = context.WithoutCancel(ctx)
	if callID != "" {
		if err := c.store.LeaveCall(ctx, callID, c.self, c.clock.Now()); err != nil && !errors.Is(err, convosync_errors.ErrNotFound) {
			c.log.Logger.Warn("leave ended call", zap.String("call_id", callID), zap.Error(err))
		}
	}
	if err := m.Teardown(ctx); err != nil {
		c.log.Logger.Warn("teardown ended call", zap.Error(err))
	}
}

// fail terminates the call of gen after a setup step failed. When the call
// already ended, only what the step acquired is released.
func (c *Coordinator) fail(ctx context.Context, gen uint64, outcome Outcome, to call.Status, cause error, callID string, m Media) {
	if !c.terminate(ctx, gen, outcome, to, cause) {
		c.discard(ctx, callID, m)
	}
}

// yield gives up our ringing outgoing call for winner, placed by the other
// party in the same conversation, and answers it instead.
func (c *Coordinator) yield(ctx context.Context, gen uint64, winner call.Session) error {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.state != StateRinging || c.incoming || c.sess == nil {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	stopTimer(&c.ringTimer)
	mine := *c.sess
	old := c.media
	m := c.newMedia()
	c.media = m
	c.mediaState = media.State{}
	c.sess = &winner
	c.kind = winner.Kind
	c.incoming = true
	c.remotes = make(map[string]call.Participant)
	c.publishLocked()
	c.mu.Unlock()

	c.log.Logger.Info("call collision, yielding",
		zap.String("call_id", mine.ID), zap.String("winner", winner.ID))
	bg := context.WithoutCancel(ctx)
	now := c.clock.Now()
	if _, err := c.store.TransitionCall(bg, mine.ID, []call.Status{call.StatusRinging}, call.StatusEnded, call.Fields{EndedAt: &now}); err != nil &&
		!errors.Is(err, convosync_errors.ErrInvalidTransition) {
		c.log.Logger.Warn("end losing call", zap.String("call_id", mine.ID), zap.Error(err))
	}
	if err := c.store.LeaveCall(bg, mine.ID, c.self, now); err != nil && !errors.Is(err, convosync_errors.ErrNotFound) {
		c.log.Logger.Warn("leave losing call", zap.String("call_id", mine.ID), zap.Error(err))
	}
	if old != nil {
		if err := old.Teardown(bg); err != nil {
			c.log.Logger.Warn("media teardown", zap.Error(err))
		}
	}
	return c.answer(ctx, gen, m)
}

// --- incoming ---

// Offer surfaces a ringing call placed by someone else. It is ignored while
// busy or unavailable, or when the ring window already passed.
func (c *Coordinator) Offer(ctx context.Context, s call.Session) {
	if s.InitiatorID == c.self || s.Status != call.StatusRinging {
		return
	}

	c.mu.Lock()
	// A concurrent start by the other party: the earliest session wins on
	// both sides.
	if c.state == StateCalling && c.conv == s.ConversationID {
		if c.rival == nil || s.Precedes(*c.rival) {
			rival := s
			c.rival = &rival
		}
		c.mu.Unlock()
		return
	}
	if c.state == StateRinging && !c.incoming && c.sess != nil &&
		c.sess.ConversationID == s.ConversationID && s.Precedes(*c.sess) {
		gen := c.gen
		c.mu.Unlock()
		go func() {
			if err := c.yield(context.WithoutCancel(ctx), gen, s); err != nil {
				c.log.Logger.Warn("answer winning call", zap.String("call_id", s.ID), zap.Error(err))
			}
		}()
		return
	}

	wait := c.ringTimeout - c.clock.Now().Sub(s.CreatedAt)
	if !c.available || c.state != StateIdle || wait <= 0 {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.gen++
	gen := c.gen
	c.state = StateRinging
	c.incoming = true
	c.sess = &s
	c.conv = s.ConversationID
	c.kind = s.Kind
	c.ringTimer = c.clock.AfterFunc(wait, func() { c.onRingTimeout(gen) })
	c.publishLocked()
	c.mu.Unlock()

	c.log.Logger.Info("incoming call", zap.String("call_id", s.ID), zap.String("from", s.InitiatorID))
	c.remember(ctx, gen, s.InitiatorID)
}

// Answer accepts the ringing incoming call.
func (c *Coordinator) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || !c.incoming || c.sess == nil {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	gen := c.gen
	if c.media == nil {
		c.media = c.newMedia()
	}
	m := c.media
	c.mu.Unlock()
	return c.answer(ctx, gen, m)
}

// answer acquires devices and joins the relay before marking the row active,
// so a failed join leaves a row that never started.
func (c *Coordinator) answer(ctx context.Context, gen uint64, m Media) error {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.state != StateRinging {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	stopTimer(&c.ringTimer)
	c.state = StateConnecting
	sess := *c.sess
	c.publishLocked()
	c.mu.Unlock()

	// Joining a call others already answered must not end it for them.
	late := sess.Status == call.StatusActive
	failTo := call.StatusEnded
	if late {
		failTo = ""
	}

	got, err := m.Acquire(ctx, sess.Kind)
	if err != nil {
		c.fail(ctx, gen, OutcomeFailed, failTo, err, "", m)
		return err
	}
	if _, err := c.store.JoinCall(ctx, call.Participant{CallID: sess.ID, UserID: c.self}); err != nil {
		c.fail(ctx, gen, OutcomeFailed, failTo, err, sess.ID, m)
		return fmt.Errorf("join call: %w", err)
	}
	if err := m.Join(ctx, sess.Channel, relay.RolePublisher); err != nil {
		c.fail(ctx, gen, OutcomeFailed, failTo, err, sess.ID, m)
		return err
	}
	if c.stale(gen) {
		c.discard(ctx, sess.ID, m)
		return fmt.Errorf("call ended during setup: %w", convosync_errors.ErrNoActiveCall)
	}

	row := sess
	if !late {
		now := c.clock.Now()
		fields := call.Fields{StartedAt: &now}
		if got != sess.Kind {
			fields.Kind = &got
		}
		row, err = c.store.TransitionCall(ctx, sess.ID, []call.Status{call.StatusRinging}, call.StatusActive, fields)
		switch {
		case err == nil:
		case errors.Is(err, convosync_errors.ErrInvalidTransition) && row.Status == call.StatusActive:
			// Another member answered first.
			late = true
		case errors.Is(err, convosync_errors.ErrInvalidTransition):
			// The caller gave up first.
			c.fail(ctx, gen, outcomeFor(row.Status), "", err, sess.ID, m)
			return err
		default:
			c.fail(ctx, gen, OutcomeFailed, call.StatusEnded, err, sess.ID, m)
			return fmt.Errorf("accept call: %w", err)
		}
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		c.discard(ctx, sess.ID, m)
		return convosync_errors.ErrNoActiveCall
	}
	c.sess = &row
	c.kind = row.Kind
	c.connectLocked(gen)
	c.publishLocked()
	c.mu.Unlock()

	c.refreshMedia(ctx, gen, m)
	if late {
		if err := c.loadParticipants(ctx, row.ID); err != nil {
			c.log.Logger.Warn("load call participants", zap.String("call_id", row.ID), zap.Error(err))
		}
	}
	return nil
}

// Decline rejects the ringing incoming call.
func (c *Coordinator) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging || !c.incoming {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	gen := c.gen
	c.mu.Unlock()
	c.terminate(ctx, gen, OutcomeDeclined, call.StatusDeclined, nil)
	return nil
}

// EndCall hangs up from any live state. In a group call that keeps at least
// two other members, only our participation ends.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state.Terminal() {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	gen := c.gen
	to := call.StatusEnded
	if c.state == StateConnected && c.presentRemotesLocked() > 1 {
		to = ""
	}
	c.mu.Unlock()
	c.terminate(ctx, gen, OutcomeEnded, to, nil)
	return nil
}

// --- timers ---

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Coordinator) stopTimersLocked() {
	stopTimer(&c.ringTimer)
	stopTimer(&c.graceTimer)
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// connectLocked enters connected and starts the duration ticker.
func (c *Coordinator) connectLocked(gen uint64) {
	stopTimer(&c.ringTimer)
	c.state = StateConnected
	c.duration = 0
	stop := make(chan struct{})
	c.tickStop = stop
	ticker := c.clock.NewTicker(time.Second)
	go c.runTicker(gen, ticker, stop)
}

func (c *Coordinator) runTicker(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !c.tick(gen) {
				return
			}
		}
	}
}

func (c *Coordinator) tick(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) || c.state != StateConnected {
		return false
	}
	c.duration++
	c.publishLocked()
	return true
}

func (c *Coordinator) onRingTimeout(gen uint64) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.state != StateRinging {
		c.mu.Unlock()
		return
	}
	c.ringTimer = nil
	sess := *c.sess
	incoming := c.incoming
	c.mu.Unlock()

	ctx := context.Background()
	if incoming && sess.Status == call.StatusActive {
		// Others answered; only our ring ends.
		c.terminate(ctx, gen, OutcomeMissed, "", nil)
		return
	}
	now := c.clock.Now()
	row, err := c.store.TransitionCall(ctx, sess.ID, []call.Status{call.StatusRinging}, call.StatusMissed, call.Fields{EndedAt: &now})
	if errors.Is(err, convosync_errors.ErrInvalidTransition) {
		if incoming && row.Status == call.StatusActive {
			c.terminate(ctx, gen, OutcomeMissed, "", nil)
			return
		}
		// Answered or ended just before the timer fired.
		c.applySession(ctx, row)
		return
	}
	if err != nil {
		c.log.Logger.Warn("mark call missed", zap.String("call_id", sess.ID), zap.Error(err))
	}
	c.terminate(ctx, gen, OutcomeMissed, "", nil)
}

func (c *Coordinator) onRemoteGone(gen uint64) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.state != StateConnected || c.presentRemotesLocked() > 0 {
		c.mu.Unlock()
		return
	}
	c.graceTimer = nil
	c.mu.Unlock()
	c.log.Logger.Info("remote side left, ending call")
	c.terminate(context.Background(), gen, OutcomeEnded, call.StatusEnded, nil)
}

func (c *Coordinator) presentRemotesLocked() int {
	n := 0
	for _, p := range c.remotes {
		if p.Present() {
			n++
		}
	}
	return n
}

// --- cleanup ---

// terminate ends the call of generation gen. It shows the terminal state,
// writes the row transition to `to` (none when empty), stamps our
// participant row, releases media and returns to idle keeping the outcome.
// It runs at most once per call and reports whether this was that once.
func (c *Coordinator) terminate(ctx context.Context, gen uint64, outcome Outcome, to call.Status, cause error) bool {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	if c.gen != gen || c.state == StateIdle || c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.stopTimersLocked()
	sess := c.sess
	m := c.media
	dur := c.duration
	connected := c.state == StateConnected
	c.state = outcome.state()
	c.outcome = outcome
	c.err = cause
	c.gen++
	next := c.gen
	streams := c.streams
	c.streams = nil
	if c.state != StateIdle {
		c.publishLocked()
	}
	c.mu.Unlock()

	now := c.clock.Now()
	if sess != nil && to != "" {
		fields := call.Fields{EndedAt: &now}
		if connected {
			fields.DurationSeconds = &dur
		}
		from := []call.Status{call.StatusRinging, call.StatusActive}
		if to == call.StatusDeclined {
			from = from[:1]
		}
		if _, err := c.store.TransitionCall(ctx, sess.ID, from, to, fields); err != nil &&
			!errors.Is(err, convosync_errors.ErrInvalidTransition) {
			c.log.Logger.Warn("write call end", zap.String("call_id", sess.ID), zap.Error(err))
		}
	}
	if sess != nil {
		if err := c.store.LeaveCall(ctx, sess.ID, c.self, now); err != nil && !errors.Is(err, convosync_errors.ErrNotFound) {
			c.log.Logger.Warn("leave call", zap.String("call_id", sess.ID), zap.Error(err))
		}
	}
	if m != nil {
		if err := m.Teardown(ctx); err != nil {
			c.log.Logger.Warn("media teardown", zap.Error(err))
		}
	}

	c.mu.Lock()
	// A new call may already own the machine when this one ended quietly.
	if c.gen == next {
		c.state = StateIdle
		c.media = nil
		c.mediaState = media.State{}
		c.publishLocked()
	}
	c.mu.Unlock()

	for _, cancel := range streams {
		cancel()
	}
	if outcome != OutcomeNone {
		c.rec.CallFinished(outcome)
	}
	if cause != nil {
		c.log.Logger.Info("call finished", zap.String("outcome", string(outcome)), zap.Error(cause))
	} else {
		c.log.Logger.Debug("call finished", zap.String("outcome", string(outcome)))
	}
	return true
}

// --- feed ---

// HandleChange consumes call session and call participant changes.
func (c *Coordinator) HandleChange(ctx context.Context, ch events.Change) {
	switch ch.Table {
	case events.TableCallSessions:
		var s call.Session
		if err := ch.Decode(&s); err != nil {
			c.log.Logger.Warn("decode call session change", zap.Error(err))
			return
		}
		switch ch.Op {
		case events.OpInsert:
			c.Offer(ctx, s)
		case events.OpUpdate:
			c.applySession(ctx, s)
		}

	case events.TableCallParticipants:
		var p call.Participant
		if err := ch.Decode(&p); err != nil {
			c.log.Logger.Warn("decode call participant change", zap.Error(err))
			return
		}
		c.applyParticipant(ctx, p)
	}
}

func (c *Coordinator) applySession(ctx context.Context, s call.Session) {
	c.mu.Lock()
	if c.sess == nil || c.sess.ID != s.ID || c.state == StateIdle || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	switch {
	case s.Status == call.StatusActive:
		downgrade := c.kind == call.KindVideo && s.Kind == call.KindVoice
		if c.incoming && c.state == StateRinging {
			// Someone answered. Keep ringing unless it was us on another
			// device; answering now joins the running call.
			row := s
			c.sess = &row
			c.mu.Unlock()
			if c.joinedElsewhere(ctx, s.ID) {
				c.terminate(ctx, gen, OutcomeNone, "", nil)
			}
			return
		}
		row := s
		c.sess = &row
		c.kind = s.Kind
		if c.state == StateRinging {
			c.connectLocked(gen)
		}
		c.publishLocked()
		m := c.media
		c.mu.Unlock()
		if downgrade && m != nil {
			c.log.Logger.Info("peer downgraded call to voice", zap.String("call_id", s.ID))
			m.DowngradeToAudio(ctx)
			c.refreshMedia(ctx, gen, m)
		}

	case s.Status.Terminal():
		c.mu.Unlock()
		c.terminate(ctx, gen, outcomeFor(s.Status), "", nil)

	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) joinedElsewhere(ctx context.Context, callID string) bool {
	parts, err := c.store.ListCallParticipants(ctx, callID)
	if err != nil {
		c.log.Logger.Warn("list call participants", zap.String("call_id", callID), zap.Error(err))
		return false
	}
	return lo.ContainsBy(parts, func(p call.Participant) bool { return p.UserID == c.self && p.Present() })
}

func (c *Coordinator) applyParticipant(ctx context.Context, p call.Participant) {
	if p.UserID == c.self {
		return
	}
	c.mu.Lock()
	if c.sess == nil || c.sess.ID != p.CallID || c.state == StateIdle || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.remotes[p.UserID] = p
	if p.Present() {
		stopTimer(&c.graceTimer)
	} else if c.state == StateConnected && c.presentRemotesLocked() == 0 && c.graceTimer == nil {
		c.graceTimer = c.clock.AfterFunc(c.leftGrace, func() { c.onRemoteGone(gen) })
	}
	_, known := c.names[p.UserID]
	c.publishLocked()
	c.mu.Unlock()

	if !known {
		c.remember(ctx, gen, p.UserID)
	}
}

// remember resolves a remote profile for the snapshot, best effort.
func (c *Coordinator) remember(ctx context.Context, gen uint64, userID string) {
	prof := user.Profile{UserID: userID}
	if c.profiles != nil {
		found, err := c.profiles.Lookup(ctx, []string{userID})
		if err != nil {
			c.log.Logger.Debug("profile lookup", zap.String("peer", userID), zap.Error(err))
		}
		if p, ok := found[userID]; ok {
			prof = p
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return
	}
	c.names[userID] = prof
	if _, ok := c.remotes[userID]; !ok {
		c.remotes[userID] = call.Participant{CallID: c.sess.ID, UserID: userID, JoinedAt: c.clock.Now()}
	}
	c.publishLocked()
}

// Reconcile re-reads the current call after the feed was interrupted.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil || c.state == StateIdle || c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	id := c.sess.ID
	c.mu.Unlock()

	row, err := c.store.GetCall(ctx, id)
	if err != nil {
		return fmt.Errorf("reload call %s: %w", id, err)
	}
	c.applySession(ctx, row)
	return c.loadParticipants(ctx, id)
}

func (c *Coordinator) loadParticipants(ctx context.Context, callID string) error {
	parts, err := c.store.ListCallParticipants(ctx, callID)
	if err != nil {
		return fmt.Errorf("reload call participants: %w", err)
	}
	for _, p := range parts {
		c.applyParticipant(ctx, p)
	}
	return nil
}

// --- media controls ---

func (c *Coordinator) withMedia(ctx context.Context, fn func(Media) error) error {
	c.mu.Lock()
	m := c.media
	gen := c.gen
	live := c.state == StateRinging || c.state == StateConnecting || c.state == StateConnected
	c.mu.Unlock()
	if m == nil || !live {
		return convosync_errors.ErrNoActiveCall
	}
	if err := fn(m); err != nil {
		return err
	}
	c.refreshMedia(ctx, gen, m)
	return nil
}

// refreshMedia copies the media state into the snapshot, or tears m down if
// the call it was set up for is already gone.
func (c *Coordinator) refreshMedia(ctx context.Context, gen uint64, m Media) {
	st := m.State()
	c.mu.Lock()
	if c.gen != gen || c.media != m {
		c.mu.Unlock()
		if err := m.Teardown(context.WithoutCancel(ctx)); err != nil {
			c.log.Logger.Warn("teardown stale media", zap.Error(err))
		}
		return
	}
	c.mediaState = st
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Coordinator) persistFlags(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return convosync_errors.ErrNoActiveCall
	}
	id, muted, off := c.sess.ID, c.muted, c.cameraOff
	c.mu.Unlock()
	if _, err := c.store.UpdateCallParticipant(ctx, id, c.self, muted, off); err != nil {
		return fmt.Errorf("update call participant: %w", err)
	}
	return nil
}

func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	err := c.withMedia(ctx, func(m Media) error {
		m.SetMuted(muted)
		c.mu.Lock()
		c.muted = muted
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	return c.persistFlags(ctx)
}

func (c *Coordinator) SetCameraOff(ctx context.Context, off bool) error {
	err := c.withMedia(ctx, func(m Media) error {
		if err := m.SetCameraEnabled(ctx, !off); err != nil {
			return err
		}
		c.mu.Lock()
		c.cameraOff = off
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	return c.persistFlags(ctx)
}

func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	return c.withMedia(ctx, func(m Media) error { return m.SwitchCamera(ctx) })
}

func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	return c.withMedia(ctx, func(m Media) error { return m.StartScreenShare(ctx) })
}

func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	return c.withMedia(ctx, func(m Media) error { return m.StopScreenShare(ctx) })
}

// OpenHandles counts device handles held by the current call.
func (c *Coordinator) OpenHandles() int {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.OpenHandles()
}

// Close ends any call and closes every watcher.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	gen := c.gen
	c.available = false
	c.mu.Unlock()
	c.terminate(ctx, gen, OutcomeEnded, call.StatusEnded, nil)
	c.changes.Close()
}
