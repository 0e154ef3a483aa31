package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

type cursorRepository struct {
	pool *pgxpool.Pool
}

// NewCursorRepository instantiates repository.
func NewCursorRepository(pool *pgxpool.Pool) CursorRepository {
	return &cursorRepository{pool: pool}
}

func (r *cursorRepository) Get(ctx context.Context, mailbox string) (*domain.MailboxCursor, error) {
	var cursor domain.MailboxCursor
	var historyID int64
	err := r.pool.QueryRow(ctx, `SELECT mailbox, history_id, updated_at FROM mailbox_cursors WHERE mailbox=$1`, mailbox).
		Scan(&cursor.Mailbox, &historyID, &cursor.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cursor.HistoryID = uint64(historyID)
	return &cursor, nil
}

func (r *cursorRepository) Advance(ctx context.Context, mailbox string, historyID uint64, at time.Time) (bool, error) {
	const query = `
        INSERT INTO mailbox_cursors (mailbox, history_id, updated_at) VALUES ($1,$2,$3)
        ON CONFLICT (mailbox) DO UPDATE SET history_id=EXCLUDED.history_id, updated_at=EXCLUDED.updated_at
        WHERE mailbox_cursors.history_id < EXCLUDED.history_id`
	cmd, err := r.pool.Exec(ctx, query, mailbox, int64(historyID), at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}
