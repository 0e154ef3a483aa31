package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

const triageColumns = `id, reason, status, mailbox, provider_message_id, external_message_id, thread_id,
               from_address, subject, sequence_number, candidate_rfi_id, detail, resolved_rfi_id, created_at, resolved_at`

type triageRepository struct {
	pool *pgxpool.Pool
}

// NewTriageRepository instantiates repository.
func NewTriageRepository(pool *pgxpool.Pool) TriageRepository {
	return &triageRepository{pool: pool}
}

func (r *triageRepository) Create(ctx context.Context, item *domain.TriageItem) (bool, error) {
	return insertTriage(ctx, r.pool, item)
}

func (r *triageRepository) GetByID(ctx context.Context, id string) (*domain.TriageItem, error) {
	var item domain.TriageItem
	if err := scanTriage(r.pool.QueryRow(ctx, `SELECT `+triageColumns+` FROM triage_items WHERE id=$1`, id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *triageRepository) List(ctx context.Context, filter TriageFilter) ([]domain.TriageItem, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Reason != nil {
		args = append(args, *filter.Reason)
		clauses = append(clauses, fmt.Sprintf("reason=$%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM triage_items WHERE %s ORDER BY created_at ASC LIMIT $%d OFFSET $%d`,
		triageColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TriageItem
	for rows.Next() {
		var item domain.TriageItem
		if err := scanTriage(rows, &item); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *triageRepository) Resolve(ctx context.Context, id string, status domain.TriageStatus, rfiID *string, at time.Time) (bool, error) {
	return resolveTriage(ctx, r.pool, id, status, rfiID, at)
}

func (r *triageRepository) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM triage_items WHERE status='open'`).Scan(&n)
	return n, err
}

func insertTriage(ctx context.Context, db dbtx, item *domain.TriageItem) (bool, error) {
	if item.Status == "" {
		item.Status = domain.TriageStatusOpen
	}
	const query = `
        INSERT INTO triage_items (reason, status, mailbox, provider_message_id, external_message_id, thread_id,
            from_address, subject, sequence_number, candidate_rfi_id, detail)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT DO NOTHING
        RETURNING id, created_at`
	err := db.QueryRow(ctx, query,
		item.Reason,
		item.Status,
		item.Mailbox,
		item.ProviderMessageID,
		item.ExternalMessageID,
		item.ThreadID,
		item.FromAddress,
		item.Subject,
		item.SequenceNumber,
		item.CandidateRFIID,
		item.Detail,
	).Scan(&item.ID, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func resolveTriage(ctx context.Context, db dbtx, id string, status domain.TriageStatus, rfiID *string, at time.Time) (bool, error) {
	const query = `
        UPDATE triage_items SET status=$2, resolved_rfi_id=$3, resolved_at=$4
        WHERE id=$1 AND status='open'`
	cmd, err := db.Exec(ctx, query, id, status, rfiID, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func scanTriage(row pgx.Row, item *domain.TriageItem) error {
	return row.Scan(
		&item.ID,
		&item.Reason,
		&item.Status,
		&item.Mailbox,
		&item.ProviderMessageID,
		&item.ExternalMessageID,
		&item.ThreadID,
		&item.FromAddress,
		&item.Subject,
		&item.SequenceNumber,
		&item.CandidateRFIID,
		&item.Detail,
		&item.ResolvedRFIID,
		&item.CreatedAt,
		&item.ResolvedAt,
	)
}
