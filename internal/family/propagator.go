// Package family cascades membership changes from family owners to their
// dependents and keeps the slot ledger.
package family

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/repository"
)

// Step names reported in StepError.
const (
	StepAttach = "family_attach"
	StepSlots  = "family_slots"
)

// Accounts is the account lookup used by the propagator.
type Accounts interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
	ListDependents(ctx context.Context, ownerID uuid.UUID) ([]model.Account, error)
}

// Lifecycle applies membership transitions to a single account.
type Lifecycle interface {
	ApplyRenewal(ctx context.Context, a *model.Account, req membership.RenewalRequest) (*membership.Renewal, error)
	Deactivate(ctx context.Context, a *model.Account, actor string) (int, error)
}

// Activation describes a dependent joining or renewing with the owner.
type Activation struct {
	DependentID uuid.UUID `json:"dependent_id"`
	OrderID     string    `json:"order_id,omitempty"`
	Start       time.Time `json:"start,omitempty"`
	Actor       string    `json:"actor,omitempty"`
}

// Propagator links dependents to owners.
type Propagator struct {
	accounts  Accounts
	slots     repository.SlotRepository
	lifecycle Lifecycle
	log       *zap.Logger
}

// NewPropagator constructs a propagator.
func NewPropagator(accounts Accounts, slots repository.SlotRepository, lc Lifecycle, log *zap.Logger) *Propagator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Propagator{accounts: accounts, slots: slots, lifecycle: lc, log: log.With(zap.String("component", "family"))}
}

// CascadeActivation takes a slot for the dependent, copies the owner's
// membership onto it and renews the dependent's CRM membership at the
// owner's level. No payment is recorded for the dependent. When no slot is
// free it fails with errs.ErrSlotExhausted and changes nothing.
func (p *Propagator) CascadeActivation(ctx context.Context, owner *model.Account, act Activation) (*membership.Renewal, error) {
	if owner.Role != model.RoleFamilyOwner {
		return nil, fmt.Errorf("%w: account %s is not a family owner", errs.ErrValidation, owner.ID)
	}
	if act.DependentID == uuid.Nil || act.DependentID == owner.ID {
		return nil, fmt.Errorf("%w: invalid dependent id", errs.ErrValidation)
	}
	if owner.MembershipType == "" || owner.RenewalDate == nil {
		return nil, fmt.Errorf("%w: owner %s has no membership to share", errs.ErrValidation, owner.ID)
	}

	dep, err := p.accounts.Get(ctx, act.DependentID)
	if err != nil {
		return nil, fmt.Errorf("load dependent: %w", err)
	}
	ledger, err := p.slots.Attach(ctx, owner.ID, dep.ID)
	if err != nil {
		if errors.Is(err, errs.ErrSlotExhausted) {
			p.log.Info("no family slot available",
				zap.String("owner", owner.ID.String()),
				zap.String("dependent", dep.ID.String()),
			)
		}
		return nil, errs.Step(StepAttach, err)
	}

	dep.Role = model.RoleDependent
	dep.ParentID = uuid.NullUUID{UUID: owner.ID, Valid: true}
	dep.PaymentMethod = owner.PaymentMethod

	start := act.Start
	if start.IsZero() {
		start = owner.RenewalDate.AddDate(-1, 0, 0)
	}
	actor := act.Actor
	if actor == "" {
		actor = "family " + owner.ID.String()
	}
	r, err := p.lifecycle.ApplyRenewal(ctx, dep, membership.RenewalRequest{
		Level:       owner.MembershipType,
		Start:       start,
		OrderID:     act.OrderID,
		Actor:       actor,
		SkipPayment: true,
	})
	if err != nil {
		return r, err
	}
	p.log.Info("dependent activated",
		zap.String("owner", owner.ID.String()),
		zap.String("dependent", dep.ID.String()),
		zap.Int("slots_used", ledger.Used),
		zap.Int("slots_total", ledger.Total),
	)
	return r, nil
}

// CascadeDeactivation deactivates every dependent of the owner. Each
// dependent is attempted; the joined errors are returned.
func (p *Propagator) CascadeDeactivation(ctx context.Context, owner *model.Account, actor string) (int, error) {
	deps, err := p.accounts.ListDependents(ctx, owner.ID)
	if err != nil {
		return 0, fmt.Errorf("list dependents: %w", err)
	}
	var (
		done int
		all  []error
	)
	for i := range deps {
		dep := &deps[i]
		if _, err := p.lifecycle.Deactivate(ctx, dep, actor); err != nil {
			p.log.Warn("dependent deactivation failed",
				zap.String("owner", owner.ID.String()),
				zap.String("dependent", dep.ID.String()),
				zap.Error(err),
			)
			all = append(all, fmt.Errorf("dependent %s: %w", dep.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(all...)
}

// RenewDependents re-applies the owner's current membership to every linked
// dependent after the owner renews.
func (p *Propagator) RenewDependents(ctx context.Context, owner *model.Account, orderID, actor string) (int, error) {
	deps, err := p.accounts.ListDependents(ctx, owner.ID)
	if err != nil {
		return 0, fmt.Errorf("list dependents: %w", err)
	}
	var (
		done int
		all  []error
	)
	for _, dep := range deps {
		if _, err := p.CascadeActivation(ctx, owner, Activation{DependentID: dep.ID, OrderID: orderID, Actor: actor}); err != nil {
			all = append(all, fmt.Errorf("dependent %s: %w", dep.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(all...)
}

// RemoveDependent ends the dependent's membership and frees its slot.
func (p *Propagator) RemoveDependent(ctx context.Context, owner *model.Account, dependentID uuid.UUID, actor string) (model.FamilySlots, error) {
	dep, err := p.accounts.Get(ctx, dependentID)
	if err != nil {
		return model.FamilySlots{}, fmt.Errorf("load dependent: %w", err)
	}
	if !dep.ParentID.Valid || dep.ParentID.UUID != owner.ID {
		return model.FamilySlots{}, fmt.Errorf("dependent %s of %s: %w", dependentID, owner.ID, errs.ErrNotFound)
	}
	if _, err := p.lifecycle.Deactivate(ctx, dep, actor); err != nil {
		return model.FamilySlots{}, err
	}
	return p.slots.Detach(ctx, owner.ID, dependentID)
}

// SetSlots sets the purchased slot total, rejecting totals below the
// slots in use with errs.ErrLedgerViolation.
func (p *Propagator) SetSlots(ctx context.Context, owner *model.Account, total int) (model.FamilySlots, error) {
	if total < 0 {
		return model.FamilySlots{}, fmt.Errorf("negative slot total %d: %w", total, errs.ErrLedgerViolation)
	}
	s, err := p.slots.SetTotal(ctx, owner.ID, total)
	if err != nil {
		return s, errs.Step(StepSlots, err)
	}
	return s, nil
}

// AddSlots grows the purchased total by n.
func (p *Propagator) AddSlots(ctx context.Context, owner *model.Account, n int) (model.FamilySlots, error) {
	if n <= 0 {
		return model.FamilySlots{}, fmt.Errorf("%w: slot increment %d", errs.ErrValidation, n)
	}
	s, err := p.slots.AddTotal(ctx, owner.ID, n)
	if err != nil {
		return s, errs.Step(StepSlots, err)
	}
	return s, nil
}

// Slots returns the owner's ledger.
func (p *Propagator) Slots(ctx context.Context, ownerID uuid.UUID) (model.FamilySlots, error) {
	return p.slots.Get(ctx, ownerID)
}
