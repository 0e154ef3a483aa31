package ingestion

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// Start launches the worker pool and the lease reaper. It returns immediately.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.recoverLeases(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.wg.Add(1)
	go p.reap(ctx)
	p.logger.Info("ingestion workers started", zap.Int("workers", p.cfg.Workers), zap.Int("queue_capacity", p.queue.Capacity()))
}

// Stop waits for in-flight jobs. Jobs interrupted by shutdown go back to the queue.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ingestion workers stopped")
}

// Depth reports queued jobs.
func (p *Pipeline) Depth(ctx context.Context) int {
	return p.queue.Depth(ctx)
}

func (p *Pipeline) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logger.Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

// reap periodically returns jobs whose worker died mid-flight.
func (p *Pipeline) reap(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverLeases(ctx)
		}
	}
}

func (p *Pipeline) recoverLeases(ctx context.Context) {
	n, err := p.queue.Recover(ctx)
	if err != nil {
		p.logger.Error("recover in-flight jobs", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Warn("requeued jobs with expired leases", zap.Int("jobs", n))
	}
}

func (p *Pipeline) handle(ctx context.Context, job Job) {
	job.Attempt++
	started := p.now()
	outcome, err := p.Process(ctx, job)
	if err == nil {
		if aerr := p.queue.Ack(ctx, job); aerr != nil {
			p.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		p.logger.Debug("job done",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("outcome", string(outcome)),
			zap.Duration("took", p.now().Sub(started)))
		return
	}

	if ctx.Err() != nil {
		// Shutting down: give the attempt back and keep the job.
		job.Attempt--
		p.retry(job, 0)
		return
	}
	if job.Attempt >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, job, err)
		return
	}

	delay := p.policy.Backoff(job.Attempt)
	p.logger.Warn("job failed; retrying",
		zap.String("job_id", job.ID),
		zap.String("payload_ref", job.PayloadRef()),
		zap.Int("attempt", job.Attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	p.retry(job, delay)
}

// retry uses a fresh context so a retry survives the shutdown that interrupted the job.
// If it fails the job stays leased and Recover hands it out later.
func (p *Pipeline) retry(job Job, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Retry(ctx, job, delay); err != nil && !errors.Is(err, ErrQueueClosed) {
		p.logger.Error("retry could not be scheduled", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, job Job, cause error) {
	if err := p.queue.DeadLetter(ctx, job, cause); err != nil {
		p.logger.Error("dead letter write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.record(ctx, audit.Entry{
		Direction:  domain.DirectionInbound,
		Stage:      domain.StageDeadLetter,
		Outcome:    domain.OutcomeFailed,
		PayloadRef: job.PayloadRef(),
		ErrorCode:  errorutil.CodeOf(cause),
		Err:        cause,
		Attempt:    job.Attempt,
	})
	p.hold(ctx, &domain.TriageItem{
		Reason:            domain.TriageReasonMaxAttempts,
		Mailbox:           job.Mailbox,
		ProviderMessageID: job.ProviderMessageID,
		Detail:            cause.Error(),
	})
	p.logger.Error("job dead-lettered", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempt), zap.Error(cause))
}
