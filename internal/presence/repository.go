package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Upsert(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO presence (user_id, status, typing_in, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET status = EXCLUDED.status,
			typing_in = EXCLUDED.typing_in,
			last_seen = GREATEST(presence.last_seen, EXCLUDED.last_seen),
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.Status, rec.TypingIn, rec.LastSeen, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (r *Repository) All(ctx context.Context) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, status, typing_in, last_seen, updated_at
		FROM presence
	`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.UserID, &rec.Status, &rec.TypingIn, &rec.LastSeen, &rec.UpdatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return records, nil
}

// MarkStale flips online rows not seen since cutoff to offline and returns their users.
func (r *Repository) MarkStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE presence
		SET status = 'offline', typing_in = NULL, updated_at = NOW()
		WHERE status = 'online' AND last_seen < $1
		RETURNING user_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale presence: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan stale presence: %w", err)
	}
	return ids, nil
}
