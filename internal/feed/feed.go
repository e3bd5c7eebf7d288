// Package feed is the change feed: row-level change notifications published
// per conversation and delivered to predicate-scoped subscribers.
package feed

import (
	"context"
	"fmt"

	"convosync/internal/events"
	"convosync/pkg/logger"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Filter scopes a subscription. ConversationIDs is required; empty Tables or
// RowIDs match everything.
type Filter struct {
	ConversationIDs []string
	Tables          []events.Table
	RowIDs          []string
}

func (f Filter) Match(c events.Change) bool {
	if !lo.Contains(f.ConversationIDs, c.ConversationID) {
		return false
	}
	if len(f.Tables) > 0 && !lo.Contains(f.Tables, c.Table) {
		return false
	}
	if len(f.RowIDs) > 0 && !lo.Contains(f.RowIDs, c.RowID) {
		return false
	}
	return true
}

// Recorder observes feed traffic. Implemented by the metrics package.
type Recorder interface {
	ChangePublished(table events.Table)
	ChangeDelivered(table events.Table)
}

type nopRecorder struct{}

func (nopRecorder) ChangePublished(events.Table) {}
func (nopRecorder) ChangeDelivered(events.Table) {}

type Feed struct {
	bus      events.Bus
	resolver events.ChannelResolver
	log      *logger.Logger
	rec      Recorder
}

type Option func(*Feed)

func WithLogger(l *logger.Logger) Option {
	return func(f *Feed) { f.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(f *Feed) {
		if r != nil {
			f.rec = r
		}
	}
}

func New(bus events.Bus, opts ...Option) *Feed {
	f := &Feed{
		bus:      bus,
		resolver: events.NewConversationChannelResolver(),
		rec:      nopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = logger.OrGlobal(f.log).Named("feed")
	return f
}

// Publish sends c to every channel it resolves to.
func (f *Feed) Publish(ctx context.Context, c events.Change) error {
	payload, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	for _, ch := range f.resolver.ResolveChannels(c) {
		if err := f.bus.Publish(ctx, ch, payload); err != nil {
			return fmt.Errorf("publish %s: %w", ch, err)
		}
	}
	f.rec.ChangePublished(c.Table)
	return nil
}

// Subscribe delivers every change matching filter to handler, in publish order
// per conversation. It returns once the subscription is live.
func (f *Feed) Subscribe(ctx context.Context, filter Filter, handler func(events.Change)) (*events.Subscription, error) {
	if len(filter.ConversationIDs) == 0 {
		return nil, fmt.Errorf("feed subscribe: filter has no conversation")
	}
	channels := make([]string, len(filter.ConversationIDs))
	for i, id := range filter.ConversationIDs {
		channels[i] = events.ConversationChannel(id)
	}

	return f.bus.Subscribe(ctx, channels, func(channel string, payload []byte) {
		c, err := events.UnmarshalChange(payload)
		if err != nil {
			f.log.Logger.Warn("undecodable change", zap.String("channel", channel), zap.Error(err))
			return
		}
		if !filter.Match(c) {
			return
		}
		f.rec.ChangeDelivered(c.Table)
		handler(c)
	})
}
