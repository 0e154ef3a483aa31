package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type claimRepository struct {
	pool *pgxpool.Pool
}

// NewClaimRepository instantiates repository.
func NewClaimRepository(pool *pgxpool.Pool) ClaimRepository {
	return &claimRepository{pool: pool}
}

func (r *claimRepository) Get(ctx context.Context, messageID string) (*MessageClaim, error) {
	const query = `SELECT message_id, rfi_id, kind, created_at FROM external_message_ids WHERE message_id=$1`
	var claim MessageClaim
	if err := r.pool.QueryRow(ctx, query, messageID).Scan(&claim.MessageID, &claim.RFIID, &claim.Kind, &claim.CreatedAt); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (r *claimRepository) FindFirst(ctx context.Context, messageIDs []string) (*MessageClaim, error) {
	if len(messageIDs) == 0 {
		return nil, pgx.ErrNoRows
	}
	const query = `
        SELECT c.message_id, c.rfi_id, c.kind, c.created_at
        FROM unnest($1::text[]) WITH ORDINALITY AS ids(message_id, ord)
        JOIN external_message_ids c ON c.message_id = ids.message_id
        ORDER BY ids.ord ASC
        LIMIT 1`
	var claim MessageClaim
	err := r.pool.QueryRow(ctx, query, messageIDs).Scan(&claim.MessageID, &claim.RFIID, &claim.Kind, &claim.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}
