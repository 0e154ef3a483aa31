// Package audit records every email and notification event in the append-only log.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
)

// Entry is one event to record. Empty Attempt defaults to 1.
type Entry struct {
	RFIID             string
	Direction         domain.EventDirection
	Stage             domain.EventStage
	Outcome           domain.EventOutcome
	ExternalMessageID string
	ThreadID          string
	PayloadRef        string
	ErrorCode         string
	Err               error
	Attempt           int
}

// Log converts the entry into the persisted row.
func (e Entry) Log() *domain.EmailEventLog {
	row := &domain.EmailEventLog{
		Direction:         e.Direction,
		Stage:             e.Stage,
		Outcome:           e.Outcome,
		ExternalMessageID: e.ExternalMessageID,
		ThreadID:          e.ThreadID,
		PayloadRef:        e.PayloadRef,
		ErrorCode:         e.ErrorCode,
		Attempt:           e.Attempt,
	}
	if e.RFIID != "" {
		id := e.RFIID
		row.RFIID = &id
	}
	if e.Err != nil {
		row.ErrorMessage = e.Err.Error()
	}
	if row.Attempt <= 0 {
		row.Attempt = 1
	}
	return row
}

// OutcomeRecorder receives a count per stage outcome.
type OutcomeRecorder interface {
	RecordOutcome(stage, outcome string)
}

// Trail appends entries and mirrors them into logs and counters.
type Trail struct {
	events  repository.EmailEventRepository
	metrics OutcomeRecorder
	logger  *zap.Logger
}

// NewTrail creates an audit trail over events. metrics may be nil.
func NewTrail(events repository.EmailEventRepository, metrics OutcomeRecorder, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{events: events, metrics: metrics, logger: logger.Named("audit")}
}

// Record appends entry. A failed append is logged and returned.
func (t *Trail) Record(ctx context.Context, entry Entry) error {
	row := t.Observe(entry)
	if err := t.events.Append(ctx, row); err != nil {
		t.logger.Error("append email event failed",
			zap.String("stage", string(row.Stage)),
			zap.String("outcome", string(row.Outcome)),
			zap.String("payload_ref", row.PayloadRef),
			zap.Error(err))
		return err
	}
	return nil
}

// Observe logs and counts entry and returns the row without storing it, for
// callers that persist it inside their own transaction.
func (t *Trail) Observe(entry Entry) *domain.EmailEventLog {
	if t.metrics != nil {
		t.metrics.RecordOutcome(string(entry.Stage), string(entry.Outcome))
	}
	row := entry.Log()
	fields := []zap.Field{
		zap.String("direction", string(row.Direction)),
		zap.String("stage", string(row.Stage)),
		zap.String("outcome", string(row.Outcome)),
		zap.String("rfi_id", entry.RFIID),
		zap.String("message_id", row.ExternalMessageID),
		zap.String("payload_ref", row.PayloadRef),
		zap.Int("attempt", row.Attempt),
	}
	if entry.Err != nil {
		fields = append(fields, zap.String("error_code", row.ErrorCode), zap.Error(entry.Err))
	}
	if row.Outcome == domain.OutcomeFailed {
		t.logger.Warn("email event", fields...)
	} else {
		t.logger.Debug("email event", fields...)
	}
	return row
}

// ForRecord lists the trail of one record, oldest first.
func (t *Trail) ForRecord(ctx context.Context, rfiID string, limit int) ([]domain.EmailEventLog, error) {
	return t.events.ListByRFI(ctx, rfiID, limit)
}

// ByOutcome lists the most recent entries with outcome.
func (t *Trail) ByOutcome(ctx context.Context, outcome domain.EventOutcome, limit int) ([]domain.EmailEventLog, error) {
	return t.events.ListByOutcome(ctx, outcome, limit)
}
