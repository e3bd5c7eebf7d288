package outbox

import (
	"context"
	"sync"

	"convosync/config"
	"convosync/internal/repository"
)

type Runner struct {
	processor *Processor
	wg        sync.WaitGroup
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor}
}

func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processor.Run(ctx)
	}()
}

// Wait blocks until the processor loop returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func DefaultProcessor(cfg *config.Config, repo repository.OutboxRepository, publisher repository.ChangePublisher, opts ...Option) *Processor {
	return NewProcessor(repo, publisher, cfg.OutboxBatchSize, cfg.OutboxInterval, cfg.OutboxMaxRetries, opts...)
}
