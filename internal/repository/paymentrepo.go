package repository

import (
	"context"

	"github.com/and161185/memsync/internal/model"
)

// PaymentRepository is the idempotency ledger of recorded payments.
type PaymentRepository interface {
	// Get returns the record for orderID or errs.ErrNotFound.
	Get(ctx context.Context, orderID string) (*model.PaymentRecord, error)
	// Insert stores a new record; a second insert for the same order id fails
	// with errs.ErrAlreadyExists.
	Insert(ctx context.Context, rec model.PaymentRecord) error
}
