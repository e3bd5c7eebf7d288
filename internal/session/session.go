// Package session wires the sync engine, call coordinator, media manager and
// presence of one authenticated user.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convosync/internal/chat"
	"convosync/internal/domain/user"
	"convosync/internal/events"
	"convosync/internal/media"
	"convosync/internal/presence"
	"convosync/internal/relay"
	"convosync/internal/repository"
	"convosync/internal/signaling"
	"convosync/internal/subscription"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Profiles resolves user profiles. *profile.Directory implements it.
type Profiles interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]user.Profile, error)
}

// Recorder collects the observers the session hands to its components.
type Recorder interface {
	chat.Recorder
	signaling.Recorder
	subscription.Recorder
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Store         repository.Store
	Feed          subscription.Source
	Bus           events.Bus
	PresenceStore presence.Store
	Profiles      Profiles
	Devices       media.DeviceProvider
	Relay         media.Relay
	Tokens        relay.TokenService
	Clock         clockwork.Clock
	Logger        *logger.Logger
	Recorder      Recorder

	RingTimeout     time.Duration
	RemoteLeftGrace time.Duration
}

type openConversation struct {
	engine  *chat.Engine
	tracker subscription.Consumer
}

// Session is one user's client state. Disconnect and Reconnect toggle whether
// calls reach this session; they do not affect other sessions.
type Session struct {
	self     user.Profile
	deps     Deps
	log      *logger.Logger
	subs     *subscription.Manager
	presence *presence.Broadcaster
	calls    *signaling.Coordinator

	mu           sync.Mutex
	open         map[string]*openConversation
	inbox        map[string]bool
	disconnected bool
	closed       bool
}

// New starts a session: it listens for calls in every conversation the user
// belongs to and announces the user online.
func New(ctx context.Context, self user.Profile, deps Deps) (*Session, error) {
	if self.UserID == "" {
		return nil, fmt.Errorf("session user: %w", convosync_errors.ErrInvalidInput)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	log := logger.OrGlobal(deps.Logger)

	subOpts := []subscription.Option{subscription.WithLogger(log)}
	presOpts := []presence.Option{presence.WithClock(deps.Clock), presence.WithLogger(log)}
	if deps.PresenceStore != nil {
		presOpts = append(presOpts, presence.WithStore(deps.PresenceStore))
	}

	lock := media.NewDeviceLock()
	newMedia := func() signaling.Media {
		return media.NewManager(self.UserID, deps.Devices, deps.Relay, deps.Tokens,
			media.WithDeviceLock(lock), media.WithLogger(log))
	}
	callOpts := []signaling.Option{
		signaling.WithClock(deps.Clock),
		signaling.WithLogger(log),
		signaling.WithRingTimeout(deps.RingTimeout),
		signaling.WithRemoteLeftGrace(deps.RemoteLeftGrace),
	}
	if deps.Profiles != nil {
		callOpts = append(callOpts, signaling.WithProfiles(deps.Profiles))
	}
	if deps.Recorder != nil {
		subOpts = append(subOpts, subscription.WithRecorder(deps.Recorder))
		callOpts = append(callOpts, signaling.WithRecorder(deps.Recorder))
	}

	s := &Session{
		self:     self,
		deps:     deps,
		log:      log.Named("session").With(zap.String("user_id", self.UserID)),
		subs:     subscription.NewManager(deps.Feed, subOpts...),
		presence: presence.New(self.UserID, deps.Bus, presOpts...),
		calls:    signaling.NewCoordinator(self.UserID, deps.Store, newMedia, callOpts...),
		open:     make(map[string]*openConversation),
		inbox:    make(map[string]bool),
	}

	convs, err := deps.Store.ListUserConversations(ctx, self.UserID)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if err := s.Track(ctx, c.ID); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}
	s.presence.SetOnline(ctx)
	return s, nil
}

func (s *Session) Self() user.Profile {
	return s.self
}

func (s *Session) Calls() *signaling.Coordinator {
	return s.calls
}

func (s *Session) Presence() *presence.Broadcaster {
	return s.presence
}

// Track starts listening for calls, typing and presence in a conversation
// the user joined after the session started.
func (s *Session) Track(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return convosync_errors.ErrServiceUnavailable
	}
	if s.inbox[conversationID] {
		s.mu.Unlock()
		return nil
	}
	s.inbox[conversationID] = true
	s.mu.Unlock()

	if err := s.subs.Register(ctx, conversationID, s.calls, events.TableCallSessions, events.TableCallParticipants); err != nil {
		s.mu.Lock()
		delete(s.inbox, conversationID)
		s.mu.Unlock()
		return fmt.Errorf("listen for calls in %s: %w", conversationID, err)
	}
	if err := s.presence.Join(ctx, conversationID); err != nil {
		s.log.Logger.Warn("presence join", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// Open loads a conversation's history and keeps it in sync until
// CloseConversation or Close. Opening an open conversation returns the same
// engine.
func (s *Session) Open(ctx context.Context, conversationID string) (*chat.Engine, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, convosync_errors.ErrServiceUnavailable
	}
	if oc, ok := s.open[conversationID]; ok {
		s.mu.Unlock()
		return oc.engine, nil
	}
	s.mu.Unlock()

	p, err := s.deps.Store.GetParticipant(ctx, conversationID, s.self.UserID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", conversationID, err)
	}
	if !p.Active() {
		return nil, fmt.Errorf("open %s: %w", conversationID, convosync_errors.ErrForbidden)
	}
	if err := s.Track(ctx, conversationID); err != nil {
		return nil, err
	}

	opts := []chat.Option{chat.WithClock(s.deps.Clock), chat.WithLogger(s.log)}
	if s.deps.Profiles != nil {
		opts = append(opts, chat.WithProfiles(s.deps.Profiles))
	}
	if s.deps.Recorder != nil {
		opts = append(opts, chat.WithRecorder(s.deps.Recorder))
	}
	engine := chat.NewEngine(conversationID, s.self, s.deps.Store, opts...)
	oc := &openConversation{
		engine:  engine,
		tracker: subscription.Handler(engine.Tracker().HandleChange),
	}

	// Subscribe before loading so nothing written in between is lost.
	if err := s.subs.Register(ctx, conversationID, engine, events.TableMessages); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	if err := s.subs.Register(ctx, conversationID, oc.tracker, events.TableReactions, events.TableReadMarkers); err != nil {
		s.subs.Unregister(conversationID, engine)
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	if err := engine.Load(ctx); err != nil {
		s.release(conversationID, oc)
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.open[conversationID]; ok || s.closed {
		s.mu.Unlock()
		s.release(conversationID, oc)
		if existing == nil {
			return nil, convosync_errors.ErrServiceUnavailable
		}
		return existing.engine, nil
	}
	s.open[conversationID] = oc
	s.mu.Unlock()
	return engine, nil
}

func (s *Session) release(conversationID string, oc *openConversation) {
	s.subs.Unregister(conversationID, oc.engine)
	s.subs.Unregister(conversationID, oc.tracker)
	oc.engine.Close()
}

// CloseConversation stops syncing a conversation. Calls in it still ring.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	oc, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if ok {
		s.release(conversationID, oc)
	}
}

// Engine returns the engine of an open conversation.
func (s *Session) Engine(conversationID string) (*chat.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.open[conversationID]
	if !ok {
		return nil, false
	}
	return oc.engine, true
}

// Disconnect stops surfacing incoming calls and shows the user offline. A
// call already in progress is not touched.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.disconnected || s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()
	s.calls.SetAvailable(false)
	s.presence.SetOffline(ctx)
}

// Reconnect undoes Disconnect and catches up on anything missed.
func (s *Session) Reconnect(ctx context.Context) {
	s.mu.Lock()
	if !s.disconnected || s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnected = false
	s.mu.Unlock()
	s.calls.SetAvailable(true)
	s.presence.SetOnline(ctx)
	s.subs.ReconcileAll(ctx)
}

func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// Close ends any call, stops every subscription and shows the user offline.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open := s.open
	s.open = make(map[string]*openConversation)
	s.mu.Unlock()

	s.calls.Close(ctx)
	s.subs.Close()
	for _, oc := range open {
		oc.engine.Close()
	}
	s.presence.SetOffline(ctx)
	s.presence.Close()
	s.log.Logger.Debug("session closed")
}
