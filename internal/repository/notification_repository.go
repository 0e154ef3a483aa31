package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

const notificationColumns = `id, rfi_id, event_type, dedupe_key, payload, status, attempts, last_error,
               next_attempt_at, created_at, delivered_at, delivered_channels`

type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository instantiates the outbox repository.
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

func (r *notificationRepository) Insert(ctx context.Context, n *domain.Notification) (bool, error) {
	return insertNotification(ctx, r.pool, n)
}

func (r *notificationRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error) {
	const query = `
        UPDATE notification_outbox SET next_attempt_at = $2, attempts = attempts + 1
        WHERE id IN (
            SELECT id FROM notification_outbox
            WHERE status='pending' AND next_attempt_at <= $1
            ORDER BY next_attempt_at ASC
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + notificationColumns
	rows, err := r.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *notificationRepository) MarkChannelDelivered(ctx context.Context, id, channel string) error {
	const query = `
        UPDATE notification_outbox SET delivered_channels = array_append(delivered_channels, $2)
        WHERE id=$1 AND NOT ($2 = ANY(delivered_channels))`
	_, err := r.pool.Exec(ctx, query, id, channel)
	return err
}

func (r *notificationRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE notification_outbox SET status='delivered', delivered_at=$2, last_error='' WHERE id=$1`
	cmd, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *notificationRepository) MarkFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, final bool) error {
	status := domain.NotificationPending
	if final {
		status = domain.NotificationFailed
	}
	const query = `UPDATE notification_outbox SET status=$2, last_error=$3, next_attempt_at=$4 WHERE id=$1`
	cmd, err := r.pool.Exec(ctx, query, id, status, lastErr, nextAttempt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *notificationRepository) ListByRFI(ctx context.Context, rfiID string) ([]domain.Notification, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notification_outbox WHERE rfi_id=$1 ORDER BY created_at ASC`, rfiID)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func insertNotification(ctx context.Context, db dbtx, n *domain.Notification) (bool, error) {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	if n.Status == "" {
		n.Status = domain.NotificationPending
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = time.Now().UTC()
	}
	const query = `
        INSERT INTO notification_outbox (rfi_id, event_type, dedupe_key, payload, status, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (rfi_id, event_type, dedupe_key) DO NOTHING
        RETURNING id, created_at`
	err = db.QueryRow(ctx, query, n.RFIID, n.EventType, n.DedupeKey, data, n.Status, n.NextAttemptAt).Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func collectNotifications(rows pgx.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var result []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload []byte
		if err := rows.Scan(
			&n.ID,
			&n.RFIID,
			&n.EventType,
			&n.DedupeKey,
			&payload,
			&n.Status,
			&n.Attempts,
			&n.LastError,
			&n.NextAttemptAt,
			&n.CreatedAt,
			&n.DeliveredAt,
			&n.DeliveredChannels,
		); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, err
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
