package repository

import "context"

// SettingsRepository is a persistent key/value store for mapping blobs.
type SettingsRepository interface {
	// Get returns the value stored under key or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put upserts the value under key.
	Put(ctx context.Context, key string, value []byte) error
}
