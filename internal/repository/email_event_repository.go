package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

type emailEventRepository struct {
	pool *pgxpool.Pool
}

// NewEmailEventRepository instantiates the append-only audit repository.
func NewEmailEventRepository(pool *pgxpool.Pool) EmailEventRepository {
	return &emailEventRepository{pool: pool}
}

func (r *emailEventRepository) Append(ctx context.Context, event *domain.EmailEventLog) error {
	return appendEvent(ctx, r.pool, event)
}

func (r *emailEventRepository) ListByRFI(ctx context.Context, rfiID string, limit int) ([]domain.EmailEventLog, error) {
	const query = `SELECT ` + eventColumns + ` FROM email_event_logs WHERE rfi_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2`
	return r.list(ctx, query, rfiID, clampLimit(limit))
}

func (r *emailEventRepository) ListByOutcome(ctx context.Context, outcome domain.EventOutcome, limit int) ([]domain.EmailEventLog, error) {
	const query = `SELECT ` + eventColumns + ` FROM email_event_logs WHERE outcome=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.list(ctx, query, outcome, clampLimit(limit))
}

const eventColumns = `id, rfi_id, direction, stage, outcome, external_message_id, thread_id, payload_ref,
               error_code, error_message, attempt, created_at`

func (r *emailEventRepository) list(ctx context.Context, query string, args ...any) ([]domain.EmailEventLog, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.EmailEventLog
	for rows.Next() {
		var event domain.EmailEventLog
		if err := rows.Scan(
			&event.ID,
			&event.RFIID,
			&event.Direction,
			&event.Stage,
			&event.Outcome,
			&event.ExternalMessageID,
			&event.ThreadID,
			&event.PayloadRef,
			&event.ErrorCode,
			&event.ErrorMessage,
			&event.Attempt,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

func appendEvent(ctx context.Context, db dbtx, event *domain.EmailEventLog) error {
	if event.Attempt <= 0 {
		event.Attempt = 1
	}
	const query = `
        INSERT INTO email_event_logs (rfi_id, direction, stage, outcome, external_message_id, thread_id,
            payload_ref, error_code, error_message, attempt)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING id, created_at`
	return db.QueryRow(ctx, query,
		event.RFIID,
		event.Direction,
		event.Stage,
		event.Outcome,
		event.ExternalMessageID,
		event.ThreadID,
		event.PayloadRef,
		event.ErrorCode,
		event.ErrorMessage,
		event.Attempt,
	).Scan(&event.ID, &event.CreatedAt)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
