// Package notification tells stakeholders about responses and due dates.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
)

// ErrDelivery wraps every channel failure.
var ErrDelivery = errors.New("notification delivery failed")

// Config bounds delivery.
type Config struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	BatchSize    int
	Lease        time.Duration
	PollInterval time.Duration
}

// Dispatcher drains the notification outbox to its channels.
type Dispatcher struct {
	outbox   repository.NotificationRepository
	channels []Channel
	audit    *audit.Trail
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	wake     chan struct{}
}

// NewDispatcher creates a dispatcher. now may be nil.
func NewDispatcher(outbox repository.NotificationRepository, channels []Channel, trail *audit.Trail, cfg Config, logger *zap.Logger, now func() time.Time) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		outbox:   outbox,
		channels: channels,
		audit:    trail,
		logger:   logger.Named("dispatcher"),
		cfg:      cfg,
		now:      now,
		wake:     make(chan struct{}, 1),
	}
}

// RegisterHandlers subscribes to events that leave new outbox rows.
func (d *Dispatcher) RegisterHandlers(bus events.Dispatcher) {
	if bus == nil {
		return
	}
	bus.Subscribe(events.EventResponseReceived, d.handleWake)
	bus.Subscribe(events.EventNotificationDue, d.handleWake)
}

func (d *Dispatcher) handleWake(ctx context.Context, event events.Event) error {
	d.Kick()
	return nil
}

// Kick asks the run loop to drain the outbox now.
func (d *Dispatcher) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Notify queues event for record. dedupeKey makes repeated calls a no-op;
// it reports whether a new row was queued.
func (d *Dispatcher) Notify(ctx context.Context, event domain.NotificationEvent, record *domain.RequestRecord, dedupeKey string) (bool, error) {
	payload := map[string]any{
		"sequence_number": record.SequenceNumber,
		"subject":         record.Subject,
		"project_id":      record.ProjectID,
		"status":          string(record.Status),
		"recipient_email": record.RecipientEmail,
	}
	if record.DueDate != nil {
		payload["due_date"] = record.DueDate.UTC().Format(time.RFC3339)
	}
	created, err := d.outbox.Insert(ctx, &domain.Notification{
		RFIID:     record.ID,
		EventType: event,
		DedupeKey: dedupeKey,
		Payload:   payload,
	})
	if err != nil {
		return false, fmt.Errorf("queue %s for %s: %w", event, record.ID, err)
	}
	if created {
		d.Kick()
	}
	return created, nil
}

// Run drains the outbox whenever kicked and on every poll tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", zap.Int("channels", len(d.channels)))
	for {
		if _, err := d.DispatchDue(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchDue delivers every due row and returns how many were delivered.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	delivered := 0
	for {
		batch, err := d.outbox.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
		if err != nil {
			return delivered, fmt.Errorf("claim due notifications: %w", err)
		}
		for _, n := range batch {
			if d.deliver(ctx, n) {
				delivered++
			}
		}
		if len(batch) < d.cfg.BatchSize {
			return delivered, nil
		}
	}
}

// deliver sends n to every channel that has not accepted it yet. Record
// status is never touched here.
func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) bool {
	msg := Message{
		NotificationID: n.ID,
		RFIID:          n.RFIID,
		Event:          n.EventType,
		Payload:        n.Payload,
		CreatedAt:      n.CreatedAt,
	}
	var errs []error
	for _, ch := range d.channels {
		if n.DeliveredTo(ch.Name()) {
			continue
		}
		if err := ch.Deliver(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		if err := d.outbox.MarkChannelDelivered(ctx, n.ID, ch.Name()); err != nil {
			d.logger.Error("mark channel delivered",
				zap.String("notification_id", n.ID),
				zap.String("channel", ch.Name()),
				zap.Error(err))
		}
	}

	now := d.now()
	if len(errs) == 0 {
		if err := d.outbox.MarkDelivered(ctx, n.ID, now); err != nil {
			d.logger.Error("mark delivered", zap.String("notification_id", n.ID), zap.Error(err))
		}
		_ = d.audit.Record(ctx, audit.Entry{
			RFIID:      n.RFIID,
			Direction:  domain.DirectionNotification,
			Stage:      domain.StageNotify,
			Outcome:    domain.OutcomeSuccess,
			PayloadRef: string(n.EventType) + ":" + n.ID,
			Attempt:    n.Attempts,
		})
		return true
	}

	cause := fmt.Errorf("%w: %w", ErrDelivery, errors.Join(errs...))
	final := n.Attempts >= d.cfg.MaxAttempts
	next := now.Add(d.cfg.RetryDelay * time.Duration(n.Attempts))
	if err := d.outbox.MarkFailed(ctx, n.ID, cause.Error(), next, final); err != nil {
		d.logger.Error("mark failed", zap.String("notification_id", n.ID), zap.Error(err))
	}
	_ = d.audit.Record(ctx, audit.Entry{
		RFIID:      n.RFIID,
		Direction:  domain.DirectionNotification,
		Stage:      domain.StageNotify,
		Outcome:    domain.OutcomeFailed,
		PayloadRef: string(n.EventType) + ":" + n.ID,
		ErrorCode:  "NOTIFICATION_FAILED",
		Err:        cause,
		Attempt:    n.Attempts,
	})
	d.logger.Warn("notification delivery failed",
		zap.String("notification_id", n.ID),
		zap.String("rfi_id", n.RFIID),
		zap.Int("attempt", n.Attempts),
		zap.Bool("final", final),
		zap.Error(cause))
	return false
}
