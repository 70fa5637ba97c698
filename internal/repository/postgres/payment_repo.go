package postgres

import (
	"context"
	"errors"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/jackc/pgx/v5"
)

// PaymentRepo implements PaymentRepository using PostgreSQL.
type PaymentRepo struct{ db *DB }

// NewPaymentRepo constructs a payment record repository.
func NewPaymentRepo(db *DB) *PaymentRepo { return &PaymentRepo{db: db} }

// Get selects the record for an order.
func (r *PaymentRepo) Get(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	const q = `
SELECT order_id, gift_id, constituent_id, amount, kind, recorded_at
FROM payment_records WHERE order_id=$1`
	var (
		rec    model.PaymentRecord
		amount int64
		kind   string
	)
	err := r.db.Pool.QueryRow(ctx, q, orderID).Scan(&rec.OrderID, &rec.GiftID, &rec.ConstituentID, &amount, &kind, &rec.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rec.Amount = model.Cents(amount)
	rec.Kind = model.Category(kind)
	return &rec, nil
}

// Insert stores a new record. The order id is the primary key.
func (r *PaymentRepo) Insert(ctx context.Context, rec model.PaymentRecord) error {
	const q = `
INSERT INTO payment_records (order_id, gift_id, constituent_id, amount, kind, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.OrderID, rec.GiftID, rec.ConstituentID, int64(rec.Amount), string(rec.Kind), rec.RecordedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}
