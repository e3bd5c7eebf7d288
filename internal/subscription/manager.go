// Package subscription keeps one change-feed subscription per open
// conversation and fans its changes out to the consumers registered for each
// table. A dropped subscription is re-established with exponential backoff,
// after which every consumer reconciles.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Consumer handles the changes of the tables it was registered for.
type Consumer interface {
	HandleChange(ctx context.Context, ch events.Change)
	Reconcile(ctx context.Context) error
}

// Handler wraps fn as a Consumer with nothing to reconcile.
func Handler(fn func(ctx context.Context, ch events.Change)) Consumer {
	return &handler{fn: fn}
}

type handler struct {
	fn func(ctx context.Context, ch events.Change)
}

func (h *handler) HandleChange(ctx context.Context, ch events.Change) { h.fn(ctx, ch) }
func (*handler) Reconcile(context.Context) error                       { return nil }

// Source opens feed subscriptions. *feed.Feed implements it.
type Source interface {
	Subscribe(ctx context.Context, filter feed.Filter, handler func(events.Change)) (*events.Subscription, error)
}

type Recorder interface {
	Resubscribed()
}

type nopRecorder struct{}

func (nopRecorder) Resubscribed() {}

var errRemoved = errors.New("conversation closed")

type registration struct {
	tables   []events.Table
	consumer Consumer
}

type conversation struct {
	id   string
	regs []registration
	sub  *events.Subscription
}

func (c *conversation) consumersFor(table events.Table) []Consumer {
	var out []Consumer
	for _, r := range c.regs {
		if len(r.tables) == 0 || lo.Contains(r.tables, table) {
			out = append(out, r.consumer)
		}
	}
	return out
}

type Manager struct {
	source     Source
	log        *logger.Logger
	rec        Recorder
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
}

type Option func(*Manager)

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.rec = r
		}
	}
}

// WithBackOff sets the resubscribe policy. Each drop starts a fresh one.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = fn }
}

func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source:     source,
		rec:        nopRecorder{},
		newBackOff: DefaultBackOff,
		convs:      make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrGlobal(m.log).Named("subscription")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Register adds consumer for the given tables of a conversation, all tables
// when none are given. The first registration opens the subscription and
// returns once it is live.
func (m *Manager) Register(ctx context.Context, conversationID string, consumer Consumer, tables ...events.Table) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("subscription manager closed")
	}
	if conv, ok := m.convs[conversationID]; ok {
		conv.regs = append(conv.regs, registration{tables: tables, consumer: consumer})
		m.mu.Unlock()
		return nil
	}
	conv := &conversation{id: conversationID, regs: []registration{{tables: tables, consumer: consumer}}}
	m.convs[conversationID] = conv
	m.mu.Unlock()

	// The subscription outlives the call that opened it.
	var sub *events.Subscription
	err := ctx.Err()
	if err == nil {
		sub, err = m.subscribe(m.ctx, conv)
	}
	if err != nil {
		m.mu.Lock()
		if m.convs[conversationID] == conv {
			delete(m.convs, conversationID)
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed || m.convs[conversationID] != conv {
		m.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	conv.sub = sub
	m.wg.Add(1)
	m.mu.Unlock()
	go m.watch(conv, sub)
	return nil
}

// Unregister removes consumer from the conversation and closes the
// subscription once nobody listens.
func (m *Manager) Unregister(conversationID string, consumer Consumer) {
	m.mu.Lock()
	conv, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conv.regs = lo.Reject(conv.regs, func(r registration, _ int) bool { return r.consumer == consumer })
	var sub *events.Subscription
	if len(conv.regs) == 0 {
		delete(m.convs, conversationID)
		sub = conv.sub
	}
	m.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

func (m *Manager) subscribe(ctx context.Context, conv *conversation) (*events.Subscription, error) {
	return m.source.Subscribe(ctx, feed.Filter{ConversationIDs: []string{conv.id}}, func(ch events.Change) {
		m.mu.Lock()
		consumers := conv.consumersFor(ch.Table)
		m.mu.Unlock()
		for _, c := range consumers {
			c.HandleChange(m.ctx, ch)
		}
	})
}

func (m *Manager) current(conv *conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.convs[conv.id] == conv
}

// watch waits for sub to end and re-establishes it if it dropped.
func (m *Manager) watch(conv *conversation, sub *events.Subscription) {
	defer m.wg.Done()
	select {
	case <-sub.Done():
	case <-m.ctx.Done():
		return
	}
	if !sub.Dropped() || !m.current(conv) {
		return
	}
	log := m.log.With(zap.String("conversation_id", conv.id))
	log.Logger.Warn("feed subscription dropped", zap.Error(sub.Err()))

	var next *events.Subscription
	err := backoff.RetryNotify(func() error {
		if !m.current(conv) {
			return backoff.Permanent(errRemoved)
		}
		s, err := m.subscribe(m.ctx, conv)
		if err != nil {
			return err
		}
		next = s
		return nil
	}, backoff.WithContext(m.newBackOff(), m.ctx), func(err error, wait time.Duration) {
		log.Logger.Info("resubscribe failed", zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		if !errors.Is(err, errRemoved) && m.ctx.Err() == nil {
			log.Logger.Error("giving up on feed subscription", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	if m.closed || m.convs[conv.id] != conv {
		m.mu.Unlock()
		_ = next.Close()
		return
	}
	conv.sub = next
	consumers := lo.Map(conv.regs, func(r registration, _ int) Consumer { return r.consumer })
	m.wg.Add(1)
	m.mu.Unlock()
	go m.watch(conv, next)

	m.rec.Resubscribed()
	log.Logger.Info("feed subscription restored, reconciling", zap.Int("consumers", len(consumers)))
	m.reconcile(m.ctx, lo.Uniq(consumers))
}

func (m *Manager) reconcile(ctx context.Context, consumers []Consumer) {
	for _, c := range consumers {
		if err := c.Reconcile(ctx); err != nil {
			m.log.Logger.Warn("reconcile after resubscribe", zap.Error(err))
		}
	}
}

// ReconcileAll asks every consumer of every conversation to reconcile.
func (m *Manager) ReconcileAll(ctx context.Context) {
	m.mu.Lock()
	var consumers []Consumer
	for _, conv := range m.convs {
		for _, r := range conv.regs {
			consumers = append(consumers, r.consumer)
		}
	}
	m.mu.Unlock()
	m.reconcile(ctx, lo.Uniq(consumers))
}

// Conversations lists the conversations with a live registration.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.convs)
}

// Close ends every subscription and waits for the supervisors to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	convs := m.convs
	m.convs = make(map[string]*conversation)
	m.mu.Unlock()

	m.cancel()
	for _, conv := range convs {
		if conv.sub != nil {
			_ = conv.sub.Close()
		}
	}
	m.wg.Wait()
}
