package repository

import (
	"context"

	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SlotRepository manages the family slot ledger together with the
// dependent links it accounts for. Used never exceeds total.
type SlotRepository interface {
	// Get returns the ledger; a missing row is a zero ledger.
	Get(ctx context.Context, ownerID uuid.UUID) (model.FamilySlots, error)
	// Attach links a dependent and takes one slot atomically. It fails with
	// errs.ErrSlotExhausted without mutating anything when no slot is free.
	// Attaching an already linked dependent takes no slot.
	Attach(ctx context.Context, ownerID, dependentID uuid.UUID) (model.FamilySlots, error)
	// Detach unlinks a dependent and returns its slot.
	Detach(ctx context.Context, ownerID, dependentID uuid.UUID) (model.FamilySlots, error)
	// SetTotal replaces the purchased total or fails with errs.ErrLedgerViolation.
	SetTotal(ctx context.Context, ownerID uuid.UUID, total int) (model.FamilySlots, error)
	// AddTotal grows the purchased total by n.
	AddTotal(ctx context.Context, ownerID uuid.UUID, n int) (model.FamilySlots, error)
}
