package postgres

import (
	"context"
	"testing"

	"github.com/and161185/memsync/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestSlotRepo_Attach_ClaimsAndLinks(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())
	dep := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT parent_id FROM accounts WHERE id=\$1 FOR UPDATE`).
		WithArgs(dep).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(uuid.NullUUID{}))
	mock.ExpectQuery(`UPDATE family_slots SET used = used \+ 1 WHERE owner_id=\$1 AND used < total`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"total", "used"}).AddRow(2, 1))
	mock.ExpectExec(`UPDATE accounts SET parent_id=\$2, role='dependent'`).
		WithArgs(dep, owner).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s, err := r.Attach(context.Background(), owner, dep)
	require.NoError(t, err)
	require.Equal(t, 2, s.Total)
	require.Equal(t, 1, s.Used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepo_Attach_ExhaustedRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())
	dep := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT parent_id FROM accounts`).
		WithArgs(dep).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(uuid.NullUUID{}))
	mock.ExpectQuery(`UPDATE family_slots SET used = used \+ 1`).
		WithArgs(owner).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Attach(context.Background(), owner, dep)
	require.ErrorIs(t, err, errs.ErrSlotExhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepo_Attach_AlreadyLinkedTakesNoSlot(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())
	dep := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT parent_id FROM accounts`).
		WithArgs(dep).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(uuid.NullUUID{UUID: owner, Valid: true}))
	mock.ExpectQuery(`SELECT total, used FROM family_slots WHERE owner_id=\$1`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"total", "used"}).AddRow(2, 2))
	mock.ExpectCommit()

	s, err := r.Attach(context.Background(), owner, dep)
	require.NoError(t, err)
	require.Equal(t, 2, s.Used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepo_Detach_ReleasesSlot(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())
	dep := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE accounts SET parent_id=NULL, role='none'`).
		WithArgs(dep, owner).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`UPDATE family_slots SET used = used - 1`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"total", "used"}).AddRow(3, 0))
	mock.ExpectCommit()

	s, err := r.Detach(context.Background(), owner, dep)
	require.NoError(t, err)
	require.Equal(t, 3, s.Available())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepo_SetTotal_BelowUsedRejected(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`INSERT INTO family_slots .* ON CONFLICT \(owner_id\) DO UPDATE SET total = EXCLUDED.total`).
		WithArgs(owner, 1).
		WillReturnError(pgx.ErrNoRows)
	_, err := r.SetTotal(context.Background(), owner, 1)
	require.ErrorIs(t, err, errs.ErrLedgerViolation)

	_, err = r.SetTotal(context.Background(), owner, -1)
	require.ErrorIs(t, err, errs.ErrLedgerViolation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSlotRepo_AddTotal(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSlotRepo(db)
	owner := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SET total = family_slots.total \+ EXCLUDED.total`).
		WithArgs(owner, 2).
		WillReturnRows(pgxmock.NewRows([]string{"total", "used"}).AddRow(4, 1))
	s, err := r.AddTotal(context.Background(), owner, 2)
	require.NoError(t, err)
	require.Equal(t, 3, s.Available())
}
