package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestPaymentRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPaymentRepo(db)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT order_id, gift_id, constituent_id, amount, kind, recorded_at FROM payment_records WHERE order_id=\$1`).
		WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"order_id", "gift_id", "constituent_id", "amount", "kind", "recorded_at"}).
			AddRow("o-1", "g-1", "c-1", int64(12500), "membership", at))
	rec, err := r.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, "g-1", rec.GiftID)
	require.Equal(t, model.Cents(12500), rec.Amount)
	require.Equal(t, model.CategoryMembership, rec.Kind)

	mock.ExpectQuery(`FROM payment_records WHERE order_id=\$1`).
		WithArgs("o-2").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "o-2")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPaymentRepo_Insert_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPaymentRepo(db)
	ctx := context.Background()
	rec := model.PaymentRecord{
		OrderID: "o-1", GiftID: "g-1", ConstituentID: "c-1",
		Amount: 5000, Kind: model.CategoryClass, RecordedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`INSERT INTO payment_records`).
		WithArgs("o-1", "g-1", "c-1", int64(5000), "class", rec.RecordedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Insert(ctx, rec))

	mock.ExpectExec(`INSERT INTO payment_records`).
		WithArgs("o-1", "g-1", "c-1", int64(5000), "class", rec.RecordedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Insert(ctx, rec), errs.ErrAlreadyExists)
}
