// Package presence carries typing indicators and online status. Everything
// here is best effort: nothing is durable and publish failures are only
// logged.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"convosync/internal/events"
	"convosync/internal/notify"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTypingTTL      = 10 * time.Second
	DefaultTypingInterval = 3 * time.Second
)

// Store keeps presence records. *redis.PresenceStore implements it.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	TrackTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
}

type EventKind string

const (
	EventTyping   EventKind = "typing"
	EventPresence EventKind = "presence"
)

// Event is a change seen by watchers.
type Event struct {
	Kind           EventKind
	ConversationID string
	UserID         string
	Typing         bool
	Online         bool
}

type Broadcaster struct {
	self     string
	bus      events.Bus
	store    Store
	clock    clockwork.Clock
	log      *logger.Logger
	ttl      time.Duration
	interval time.Duration
	changes  *notify.Broadcaster[Event]

	mu       sync.Mutex
	joined   map[string]*events.Subscription
	typing   map[string]map[string]time.Time
	online   map[string]bool
	limiters map[string]*rate.Limiter
	closed   bool
}

type Option func(*Broadcaster)

func WithStore(s Store) Option {
	return func(b *Broadcaster) { b.store = s }
}

func WithClock(c clockwork.Clock) Option {
	return func(b *Broadcaster) { b.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Broadcaster) { b.log = l }
}

// WithTyping sets how long a typing entry lives and the minimum gap between
// two "started typing" publishes for one conversation.
func WithTyping(ttl, interval time.Duration) Option {
	return func(b *Broadcaster) {
		if ttl > 0 {
			b.ttl = ttl
		}
		if interval > 0 {
			b.interval = interval
		}
	}
}

func New(self string, bus events.Bus, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		self:     self,
		bus:      bus,
		clock:    clockwork.NewRealClock(),
		ttl:      DefaultTypingTTL,
		interval: DefaultTypingInterval,
		changes:  notify.New[Event](),
		joined:   make(map[string]*events.Subscription),
		typing:   make(map[string]map[string]time.Time),
		online:   make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.OrGlobal(b.log).Named("presence").With(zap.String("user_id", self))
	return b
}

// Join starts receiving typing and presence signals of a conversation. The
// subscription lasts until Leave or Close, not until ctx is done.
func (b *Broadcaster) Join(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	if _, ok := b.joined[conversationID]; ok || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub, err := b.bus.Subscribe(context.WithoutCancel(ctx), []string{events.PresenceChannel(conversationID)}, func(_ string, payload []byte) {
		var sig events.Signal
		if err := json.Unmarshal(payload, &sig); err != nil {
			b.log.Logger.Debug("undecodable signal", zap.Error(err))
			return
		}
		b.receive(sig)
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.joined[conversationID]; ok || b.closed {
		_ = sub.Close()
		return nil
	}
	b.joined[conversationID] = sub
	return nil
}

func (b *Broadcaster) Leave(conversationID string) {
	b.mu.Lock()
	sub := b.joined[conversationID]
	delete(b.joined, conversationID)
	delete(b.typing, conversationID)
	delete(b.limiters, conversationID)
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// SetOnline announces the user online in every joined conversation.
func (b *Broadcaster) SetOnline(ctx context.Context) {
	b.announce(ctx, true)
}

func (b *Broadcaster) SetOffline(ctx context.Context) {
	b.announce(ctx, false)
}

func (b *Broadcaster) announce(ctx context.Context, online bool) {
	if b.store != nil {
		var err error
		if online {
			err = b.store.SetOnline(ctx, b.self)
		} else {
			err = b.store.SetOffline(ctx, b.self)
		}
		if err != nil {
			b.log.Logger.Warn("presence record", zap.Bool("online", online), zap.Error(err))
		}
	}
	kind := events.EventTypePresenceOffline
	if online {
		kind = events.EventTypePresenceOnline
	}
	for _, conv := range b.conversations() {
		b.publish(ctx, conv, kind)
	}
}

// Typing reports the user typing or not. Repeated starts within the throttle
// interval are not republished; stops always are.
func (b *Broadcaster) Typing(ctx context.Context, conversationID string, typing bool) {
	if typing {
		b.mu.Lock()
		lim, ok := b.limiters[conversationID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(b.interval), 1)
			b.limiters[conversationID] = lim
		}
		allowed := lim.AllowN(b.clock.Now(), 1)
		b.mu.Unlock()
		if !allowed {
			return
		}
	} else {
		// The next start goes out immediately.
		b.mu.Lock()
		delete(b.limiters, conversationID)
		b.mu.Unlock()
	}

	if b.store != nil {
		if err := b.store.TrackTyping(ctx, conversationID, b.self, typing); err != nil {
			b.log.Logger.Warn("typing record", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	kind := events.EventTypeTypingStopped
	if typing {
		kind = events.EventTypeTypingStarted
	}
	b.publish(ctx, conversationID, kind)
}

func (b *Broadcaster) publish(ctx context.Context, conversationID, kind string) {
	payload, err := json.Marshal(events.Signal{
		EventType:      kind,
		ConversationID: conversationID,
		UserID:         b.self,
		OccurredAt:     b.clock.Now().UTC(),
	})
	if err != nil {
		b.log.Logger.Warn("marshal signal", zap.Error(err))
		return
	}
	if err := b.bus.Publish(ctx, events.PresenceChannel(conversationID), payload); err != nil {
		b.log.Logger.Warn("publish signal",
			zap.String("conversation_id", conversationID), zap.String("event_type", kind), zap.Error(err))
	}
}

func (b *Broadcaster) receive(sig events.Signal) {
	if sig.UserID == b.self {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var ev Event
	switch sig.EventType {
	case events.EventTypeTypingStarted:
		deadline := b.clock.Now().Add(b.ttl)
		users := b.typing[sig.ConversationID]
		if users == nil {
			users = make(map[string]time.Time)
			b.typing[sig.ConversationID] = users
		}
		users[sig.UserID] = deadline
		b.clock.AfterFunc(b.ttl, func() { b.expire(sig.ConversationID, sig.UserID, deadline) })
		ev = Event{Kind: EventTyping, ConversationID: sig.ConversationID, UserID: sig.UserID, Typing: true}
	case events.EventTypeTypingStopped:
		delete(b.typing[sig.ConversationID], sig.UserID)
		ev = Event{Kind: EventTyping, ConversationID: sig.ConversationID, UserID: sig.UserID}
	case events.EventTypePresenceOnline, events.EventTypePresenceOffline:
		online := sig.EventType == events.EventTypePresenceOnline
		b.online[sig.UserID] = online
		if !online {
			for _, users := range b.typing {
				delete(users, sig.UserID)
			}
		}
		ev = Event{Kind: EventPresence, ConversationID: sig.ConversationID, UserID: sig.UserID, Online: online}
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.changes.Publish(ev)
}

// expire drops a typing entry unless it was refreshed since.
func (b *Broadcaster) expire(conversationID, userID string, deadline time.Time) {
	b.mu.Lock()
	users := b.typing[conversationID]
	current, ok := users[userID]
	if !ok || !current.Equal(deadline) {
		b.mu.Unlock()
		return
	}
	delete(users, userID)
	b.mu.Unlock()
	b.changes.Publish(Event{Kind: EventTyping, ConversationID: conversationID, UserID: userID})
}

// TypingUsers lists the other users typing in the conversation.
func (b *Broadcaster) TypingUsers(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var out []string
	for u, deadline := range b.typing[conversationID] {
		if deadline.After(now) {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Online reports the last presence signal seen for userID.
func (b *Broadcaster) Online(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[userID]
}

func (b *Broadcaster) Watch() (<-chan Event, func()) {
	return b.changes.Watch(32)
}

func (b *Broadcaster) conversations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined))
	for id := range b.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close leaves every conversation. It does not announce offline.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.joined
	b.joined = make(map[string]*events.Subscription)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	b.changes.Close()
}
