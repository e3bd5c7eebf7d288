// Package outbox relays change rows written by the Postgres store to the
// change feed.
package outbox

import (
	"context"
	"time"

	"convosync/internal/domain/outbox"
	"convosync/internal/events"
	"convosync/internal/repository"
	"convosync/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Recorder observes relay outcomes.
type Recorder interface {
	OutboxRelayed(table string)
	OutboxFailed(table string)
}

type nopRecorder struct{}

func (nopRecorder) OutboxRelayed(string) {}
func (nopRecorder) OutboxFailed(string)  {}

type Processor struct {
	repo       repository.OutboxRepository
	publisher  repository.ChangePublisher
	clock      clockwork.Clock
	log        *logger.Logger
	rec        Recorder
	batchSize  int
	interval   time.Duration
	maxRetries int
}

type Option func(*Processor)

func WithClock(c clockwork.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(p *Processor) { p.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(p *Processor) {
		if r != nil {
			p.rec = r
		}
	}
}

func NewProcessor(repo repository.OutboxRepository, publisher repository.ChangePublisher, batchSize int, interval time.Duration, maxRetries int, opts ...Option) *Processor {
	p := &Processor{
		repo:       repo,
		publisher:  publisher,
		clock:      clockwork.NewRealClock(),
		rec:        nopRecorder{},
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.OrGlobal(p.log).Named("outbox")
	return p
}

func (p *Processor) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch relays pending rows oldest first and returns how many were
// published. It stops at the first publish failure so later changes never
// overtake an earlier one; a row that exhausted its retries is skipped.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	batch, err := p.repo.GetPending(ctx, p.batchSize)
	if err != nil {
		p.log.Logger.Warn("load pending outbox rows", zap.Error(err))
		return 0
	}

	published := 0
	for _, e := range batch {
		c, err := events.UnmarshalChange(e.Payload)
		if err != nil {
			// Undecodable rows can never succeed.
			p.fail(ctx, e, err, 1)
			continue
		}
		if err := p.publisher.Publish(ctx, c); err != nil {
			p.fail(ctx, e, err, p.maxRetries)
			if e.RetryCount+1 < p.maxRetries {
				return published
			}
			continue
		}
		if err := p.repo.MarkCompleted(ctx, e.ID); err != nil {
			// The row is published again on the next tick; the feed is at-least-once.
			p.log.Logger.Warn("mark outbox row completed", zap.String("id", e.ID), zap.Error(err))
		}
		p.rec.OutboxRelayed(e.Table)
		published++
	}
	return published
}

func (p *Processor) fail(ctx context.Context, e outbox.OutboxEvent, cause error, maxRetries int) {
	p.rec.OutboxFailed(e.Table)
	p.log.Logger.Warn("relay outbox row",
		zap.String("id", e.ID),
		zap.String("table", e.Table),
		zap.Int("retry", e.RetryCount+1),
		zap.Error(cause))
	if err := p.repo.MarkFailed(ctx, e.ID, cause.Error(), maxRetries); err != nil {
		p.log.Logger.Error("mark outbox row failed", zap.String("id", e.ID), zap.Error(err))
	}
}
