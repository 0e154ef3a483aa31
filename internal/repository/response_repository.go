package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

type responseRepository struct {
	pool *pgxpool.Pool
}

// NewResponseRepository instantiates repository.
func NewResponseRepository(pool *pgxpool.Pool) ResponseRepository {
	return &responseRepository{pool: pool}
}

func (r *responseRepository) Create(ctx context.Context, entry *domain.ResponseEntry) error {
	return insertResponse(ctx, r.pool, entry)
}

func (r *responseRepository) ListByRFI(ctx context.Context, rfiID string) ([]domain.ResponseEntry, error) {
	const query = `
        SELECT id, rfi_id, origin, external_message_id, author_email, author_name, body, attachments, created_at
        FROM rfi_responses WHERE rfi_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, rfiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ResponseEntry
	for rows.Next() {
		var entry domain.ResponseEntry
		var attachments []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.RFIID,
			&entry.Origin,
			&entry.ExternalMessageID,
			&entry.AuthorEmail,
			&entry.AuthorName,
			&entry.Body,
			&attachments,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &entry.Attachments); err != nil {
				return nil, err
			}
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func insertResponse(ctx context.Context, db dbtx, entry *domain.ResponseEntry) error {
	attachments := entry.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	payload, err := json.Marshal(attachments)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO rfi_responses (rfi_id, origin, external_message_id, author_email, author_name, body, attachments, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING id, created_at`
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return db.QueryRow(ctx, query,
		entry.RFIID,
		entry.Origin,
		entry.ExternalMessageID,
		entry.AuthorEmail,
		entry.AuthorName,
		entry.Body,
		payload,
		entry.CreatedAt,
	).Scan(&entry.ID, &entry.CreatedAt)
}
