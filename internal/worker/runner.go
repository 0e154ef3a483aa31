// Package worker owns the background loops the API process runs next to the HTTP server.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	"github.com/spec-kit/rfi-sync-service/internal/notification"
)

// Runner starts and stops the ingestion workers, the notification outbox,
// the due date scheduler and any pull event sources.
type Runner struct {
	pipeline   *ingestion.Pipeline
	dispatcher *notification.Dispatcher
	scheduler  *notification.Scheduler
	sources    []ingestion.EventSource
	bus        events.Dispatcher
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Components lists what the runner drives. Nil members are skipped.
type Components struct {
	Pipeline   *ingestion.Pipeline
	Dispatcher *notification.Dispatcher
	Scheduler  *notification.Scheduler
	Sources    []ingestion.EventSource
	Bus        events.Dispatcher
}

// NewRunner wires the dispatcher to the event bus so new outbox rows are sent promptly.
func NewRunner(c Components, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.RegisterHandlers(c.Bus)
	}
	return &Runner{
		pipeline:   c.Pipeline,
		dispatcher: c.Dispatcher,
		scheduler:  c.Scheduler,
		sources:    c.Sources,
		bus:        c.Bus,
		logger:     logger.Named("worker"),
	}
}

// Start launches every loop and returns immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if r.pipeline != nil {
		r.pipeline.Start(ctx)
	}
	if r.dispatcher != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.dispatcher.Run(ctx)
		}()
	}
	if r.scheduler != nil {
		r.scheduler.Start(ctx)
	}
	if r.pipeline == nil {
		return
	}
	for _, source := range r.sources {
		r.wg.Add(1)
		go func(source ingestion.EventSource) {
			defer r.wg.Done()
			r.logger.Info("event source started", zap.String("source", source.Name()))
			if err := source.Run(ctx, r.pipeline); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("event source stopped", zap.String("source", source.Name()), zap.Error(err))
			}
		}(source)
	}
}

// Stop cancels every loop and waits for in-flight work. Retries still pending
// in the pipeline go back to the queue.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if r.pipeline != nil {
		r.pipeline.Stop()
	}
	r.logger.Info("background workers stopped")
}
