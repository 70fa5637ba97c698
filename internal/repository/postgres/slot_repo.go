package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SlotRepo implements SlotRepository using PostgreSQL.
type SlotRepo struct{ db *DB }

// NewSlotRepo constructs a family slot repository.
func NewSlotRepo(db *DB) *SlotRepo { return &SlotRepo{db: db} }

// Get returns the ledger for owner; no row means nothing purchased yet.
func (r *SlotRepo) Get(ctx context.Context, ownerID uuid.UUID) (model.FamilySlots, error) {
	const q = `SELECT total, used FROM family_slots WHERE owner_id=$1`
	s := model.FamilySlots{OwnerID: ownerID}
	err := r.db.Pool.QueryRow(ctx, q, ownerID).Scan(&s.Total, &s.Used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return s, err
	}
	return s, nil
}

// Attach links dependent to owner and takes one slot in the same
// transaction. Re-attaching an already linked dependent takes no slot.
func (r *SlotRepo) Attach(ctx context.Context, ownerID, dependentID uuid.UUID) (slots model.FamilySlots, err error) {
	slots.OwnerID = ownerID
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT parent_id FROM accounts WHERE id=$1 FOR UPDATE`
		var parent uuid.NullUUID
		if err := tx.QueryRow(ctx, sel, dependentID).Scan(&parent); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if parent.Valid {
			if parent.UUID != ownerID {
				return fmt.Errorf("dependent %s belongs to %s: %w", dependentID, parent.UUID, errs.ErrAlreadyExists)
			}
			const cur = `SELECT total, used FROM family_slots WHERE owner_id=$1`
			if err := tx.QueryRow(ctx, cur, ownerID).Scan(&slots.Total, &slots.Used); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			return nil
		}

		const claim = `
UPDATE family_slots SET used = used + 1
WHERE owner_id=$1 AND used < total
RETURNING total, used`
		if err := tx.QueryRow(ctx, claim, ownerID).Scan(&slots.Total, &slots.Used); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrSlotExhausted
			}
			return err
		}

		const link = `UPDATE accounts SET parent_id=$2, role='dependent', updated_at=now() WHERE id=$1`
		_, err := tx.Exec(ctx, link, dependentID, ownerID)
		return err
	})
	return slots, err
}

// Detach unlinks dependent from owner and releases its slot.
func (r *SlotRepo) Detach(ctx context.Context, ownerID, dependentID uuid.UUID) (slots model.FamilySlots, err error) {
	slots.OwnerID = ownerID
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		const unlink = `
UPDATE accounts SET parent_id=NULL, role='none', updated_at=now()
WHERE id=$1 AND parent_id=$2`
		tag, err := tx.Exec(ctx, unlink, dependentID, ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		const release = `
UPDATE family_slots SET used = used - 1
WHERE owner_id=$1 AND used > 0
RETURNING total, used`
		if err := tx.QueryRow(ctx, release, ownerID).Scan(&slots.Total, &slots.Used); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return nil
	})
	return slots, err
}

// SetTotal replaces the purchased slot count; shrinking below used is rejected.
func (r *SlotRepo) SetTotal(ctx context.Context, ownerID uuid.UUID, total int) (model.FamilySlots, error) {
	if total < 0 {
		return model.FamilySlots{}, fmt.Errorf("total %d: %w", total, errs.ErrLedgerViolation)
	}
	const q = `
INSERT INTO family_slots (owner_id, total, used) VALUES ($1, $2, 0)
ON CONFLICT (owner_id) DO UPDATE SET total = EXCLUDED.total
WHERE family_slots.used <= EXCLUDED.total
RETURNING total, used`
	s := model.FamilySlots{OwnerID: ownerID}
	err := r.db.Pool.QueryRow(ctx, q, ownerID, total).Scan(&s.Total, &s.Used)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isCheckViolation(err):
		return s, fmt.Errorf("total %d below used: %w", total, errs.ErrLedgerViolation)
	case err != nil:
		return s, err
	}
	return s, nil
}

// AddTotal grows the purchased slot count by n.
func (r *SlotRepo) AddTotal(ctx context.Context, ownerID uuid.UUID, n int) (model.FamilySlots, error) {
	if n <= 0 {
		return model.FamilySlots{}, fmt.Errorf("add %d slots: %w", n, errs.ErrLedgerViolation)
	}
	const q = `
INSERT INTO family_slots (owner_id, total, used) VALUES ($1, $2, 0)
ON CONFLICT (owner_id) DO UPDATE SET total = family_slots.total + EXCLUDED.total
RETURNING total, used`
	s := model.FamilySlots{OwnerID: ownerID}
	if err := r.db.Pool.QueryRow(ctx, q, ownerID, n).Scan(&s.Total, &s.Used); err != nil {
		return s, err
	}
	return s, nil
}
