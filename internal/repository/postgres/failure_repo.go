package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// FailureRepo implements FailureRepository using PostgreSQL.
type FailureRepo struct{ db *DB }

// NewFailureRepo constructs a sync failure repository.
func NewFailureRepo(db *DB) *FailureRepo { return &FailureRepo{db: db} }

// Record inserts a failure, assigning an id when missing.
func (r *FailureRepo) Record(ctx context.Context, f *model.SyncFailure) error {
	if f.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		f.ID = id
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO sync_failures (id, event_kind, reference, step, message, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q, f.ID, f.EventKind, f.Reference, f.Step, f.Message, f.Payload, f.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

const failureColumns = `id, event_kind, reference, step, message, payload, created_at, resolved_at`

func scanFailure(row pgx.Row) (*model.SyncFailure, error) {
	var f model.SyncFailure
	if err := row.Scan(&f.ID, &f.EventKind, &f.Reference, &f.Step, &f.Message, &f.Payload, &f.CreatedAt, &f.ResolvedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// Get selects a failure by id.
func (r *FailureRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncFailure, error) {
	const q = `SELECT ` + failureColumns + ` FROM sync_failures WHERE id=$1`
	f, err := scanFailure(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// ListOpen returns unresolved failures, oldest first.
func (r *FailureRepo) ListOpen(ctx context.Context, limit int) ([]model.SyncFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + failureColumns + `
FROM sync_failures
WHERE resolved_at IS NULL
ORDER BY created_at ASC
LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Resolve marks an open failure resolved.
func (r *FailureRepo) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE sync_failures SET resolved_at=$2 WHERE id=$1 AND resolved_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
