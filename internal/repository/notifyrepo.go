package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// NotificationRepository stores sent-notification markers keyed by
// (account, renewal date, day offset).
type NotificationRepository interface {
	// Claim inserts a marker and reports whether this caller owns it.
	Claim(ctx context.Context, accountID uuid.UUID, renewal time.Time, offset int, template string) (bool, error)
	// Release removes a marker after a failed send.
	Release(ctx context.Context, accountID uuid.UUID, renewal time.Time, offset int) error
}
