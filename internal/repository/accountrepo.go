// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/memsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository provides access to the local account directory.
type AccountRepository interface {
	// Get loads an account with its dependent ids.
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// ListForSweep returns members and family owners with a renewal date.
	ListForSweep(ctx context.Context) ([]model.Account, error)
	// ListDependents returns accounts whose parent is ownerID.
	ListDependents(ctx context.Context, ownerID uuid.UUID) ([]model.Account, error)
	// UpdateMembership writes role, type, renewal date, state, payment method and parent.
	UpdateMembership(ctx context.Context, a *model.Account) error
	// UpdateProfile writes contact fields from a registration.
	UpdateProfile(ctx context.Context, a *model.Account) error
	// LinkConstituent binds the remote constituent id.
	LinkConstituent(ctx context.Context, id uuid.UUID, constituentID string) error
}
