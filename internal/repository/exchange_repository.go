package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

type exchangeRepository struct {
	pool *pgxpool.Pool
}

// NewExchangeRepository instantiates the transactional writer.
func NewExchangeRepository(pool *pgxpool.Pool) ExchangeRepository {
	return &exchangeRepository{pool: pool}
}

func (r *exchangeRepository) Persist(ctx context.Context, ex *Exchange) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin exchange: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if ex.Claim != nil {
		const claimQuery = `
            INSERT INTO external_message_ids (message_id, rfi_id, kind) VALUES ($1,$2,$3)
            ON CONFLICT (message_id) DO NOTHING
            RETURNING created_at`
		err := tx.QueryRow(ctx, claimQuery, ex.Claim.MessageID, ex.Claim.RFIID, ex.Claim.Kind).Scan(&ex.Claim.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyClaimed
		}
		if err != nil {
			return fmt.Errorf("claim message id: %w", err)
		}
	}

	if ex.Thread != nil {
		const threadQuery = `
            UPDATE rfis SET thread_id=$2, root_message_id=$3, updated_at=NOW()
            WHERE id=$1 AND thread_id IS NULL`
		cmd, err := tx.Exec(ctx, threadQuery, ex.Thread.RFIID, ex.Thread.ThreadID, ex.Thread.RootMessageID)
		if err != nil {
			return fmt.Errorf("assign thread: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return ErrThreadAssigned
		}
	}

	if ex.Status != nil {
		const statusQuery = `
            UPDATE rfis SET status=$3::text, updated_at=$4,
                sent_at = CASE WHEN $3::text = 'sent' THEN COALESCE(sent_at, $4) ELSE sent_at END,
                closed_at = CASE WHEN $3::text = 'closed' THEN $4 ELSE closed_at END
            WHERE id=$1 AND status=$2`
		cmd, err := tx.Exec(ctx, statusQuery, ex.Status.RFIID, ex.Status.From, ex.Status.To, ex.Status.At)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return ErrStatusChanged
		}
	}

	if ex.Response != nil {
		if err := insertResponse(ctx, tx, ex.Response); err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
	}
	if ex.Notification != nil {
		if _, err := insertNotification(ctx, tx, ex.Notification); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if ex.Triage != nil {
		if _, err := insertTriage(ctx, tx, ex.Triage); err != nil {
			return fmt.Errorf("insert triage: %w", err)
		}
	}
	if ex.ResolveTriageID != "" {
		var rfiID *string
		if ex.Claim != nil {
			rfiID = &ex.Claim.RFIID
		}
		ok, err := resolveTriage(ctx, tx, ex.ResolveTriageID, domain.TriageStatusLinked, rfiID, ex.at())
		if err != nil {
			return fmt.Errorf("resolve triage: %w", err)
		}
		if !ok {
			return ErrTriageResolved
		}
	}
	for _, event := range ex.Events {
		if err := appendEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}
