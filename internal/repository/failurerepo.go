package repository

import (
	"context"
	"time"

	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// FailureRepository keeps step failures for the operator console.
type FailureRepository interface {
	Record(ctx context.Context, f *model.SyncFailure) error
	Get(ctx context.Context, id uuid.UUID) (*model.SyncFailure, error)
	// ListOpen returns unresolved failures, oldest first.
	ListOpen(ctx context.Context, limit int) ([]model.SyncFailure, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
}
