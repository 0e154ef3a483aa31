package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds every provider call.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
	CallTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Ceiling <= 0 {
		p.Ceiling = 30 * time.Second
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 30 * time.Second
	}
	return p
}

// Backoff returns the delay before attempt (1-based), doubling from base up to ceiling.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 1 {
		return p.Base
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Ceiling {
			return p.Ceiling
		}
	}
	return delay
}

// Retrying decorates a Client with per-call timeouts and exponential backoff.
type Retrying struct {
	next   Client
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next.
func NewRetrying(next Client, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		next:   next,
		policy: policy.withDefaults(),
		logger: logger.Named("transport"),
		sleep:  sleepContext,
	}
}

func (r *Retrying) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	var result SendResult
	err := r.do(ctx, "send", func(callCtx context.Context) error {
		var err error
		result, err = r.next.Send(callCtx, msg)
		return err
	})
	return result, err
}

func (r *Retrying) FetchThread(ctx context.Context, threadID string) ([]RawMessage, error) {
	var result []RawMessage
	err := r.do(ctx, "fetch_thread", func(callCtx context.Context) error {
		var err error
		result, err = r.next.FetchThread(callCtx, threadID)
		return err
	})
	return result, err
}

func (r *Retrying) FetchMessage(ctx context.Context, providerMessageID string) (RawMessage, error) {
	var result RawMessage
	err := r.do(ctx, "fetch_message", func(callCtx context.Context) error {
		var err error
		result, err = r.next.FetchMessage(callCtx, providerMessageID)
		return err
	})
	return result, err
}

func (r *Retrying) ListSince(ctx context.Context, cursor string) ([]string, string, error) {
	var ids []string
	var next string
	err := r.do(ctx, "list_since", func(callCtx context.Context) error {
		var err error
		ids, next, err = r.next.ListSince(callCtx, cursor)
		return err
	})
	return ids, next, err
}

func (r *Retrying) do(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Permanent(op, 0, ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = Transient(op, 0, err)
		}
		err = classify(op, err)
		if IsPermanent(err) {
			return err
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.policy.Backoff(attempt)
		r.logger.Warn("transient transport failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return Permanent(op, 0, err)
		}
	}

	var te *TransportError
	code, cause := 0, lastErr
	if errors.As(lastErr, &te) {
		code, cause = te.Code, te.Err
	}
	return &TransportError{Op: op, Code: code, Attempts: r.policy.MaxAttempts, Err: cause}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
