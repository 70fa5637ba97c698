package postgres

import (
	"context"
	"errors"

	"github.com/and161185/memsync/internal/errs"
	"github.com/jackc/pgx/v5"
)

// SettingsRepo implements SettingsRepository using PostgreSQL.
type SettingsRepo struct{ db *DB }

// NewSettingsRepo constructs a settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get returns the blob stored under key.
func (r *SettingsRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM settings WHERE key=$1`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Put upserts the blob under key.
func (r *SettingsRepo) Put(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, key, value)
	return err
}
