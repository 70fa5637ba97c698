// Package service orchestrates the membership sync pipeline for inbound
// events and operator retries.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/family"
	"github.com/and161185/memsync/internal/identity"
	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/payment"
	"github.com/and161185/memsync/internal/repository"
	"github.com/and161185/memsync/internal/settings"
)

// EventService handles inbound business events. Step failures are recorded
// for operators and reported in the Outcome; only invalid input returns an
// error.
type EventService interface {
	// OrderCompleted syncs memberships, classes and events of a paid order.
	OrderCompleted(ctx context.Context, ev model.OrderCompleted) (*Outcome, error)
	// RegistrationSubmitted applies a membership registration form.
	RegistrationSubmitted(ctx context.Context, reg model.Registration) (*Outcome, error)
	// StatusChanged ends memberships whose subscription was cancelled or expired.
	StatusChanged(ctx context.Context, ev model.StatusChanged) (*Outcome, error)
	// RetryFailure re-runs the step of a recorded failure.
	RetryFailure(ctx context.Context, id uuid.UUID) (*Outcome, error)
	// ListFailures returns open failures, oldest first.
	ListFailures(ctx context.Context, limit int) ([]model.SyncFailure, error)
	// GetAccount returns a local account.
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

// Lifecycle applies membership transitions.
type Lifecycle interface {
	ApplyRenewal(ctx context.Context, a *model.Account, req membership.RenewalRequest) (*membership.Renewal, error)
	Deactivate(ctx context.Context, a *model.Account, actor string) (int, error)
}

// Family manages dependents and slots.
type Family interface {
	CascadeActivation(ctx context.Context, owner *model.Account, act family.Activation) (*membership.Renewal, error)
	CascadeDeactivation(ctx context.Context, owner *model.Account, actor string) (int, error)
	RenewDependents(ctx context.Context, owner *model.Account, orderID, actor string) (int, error)
	SetSlots(ctx context.Context, owner *model.Account, total int) (model.FamilySlots, error)
	AddSlots(ctx context.Context, owner *model.Account, n int) (model.FamilySlots, error)
}

// Identity links accounts to constituents.
type Identity interface {
	Link(ctx context.Context, a *model.Account) (identity.Resolution, error)
}

// Payments records gifts.
type Payments interface {
	Record(ctx context.Context, req payment.Request) (*model.PaymentRecord, error)
}

// Constituents updates CRM profiles.
type Constituents interface {
	UpdateConstituent(ctx context.Context, c model.Constituent) error
}

// SettingsSource returns the mapping tables.
type SettingsSource interface {
	Current(ctx context.Context) (*settings.Settings, error)
}

// Deps groups the collaborators of EventServiceImpl.
type Deps struct {
	Accounts     repository.AccountRepository
	Failures     repository.FailureRepository
	Lifecycle    Lifecycle
	Family       Family
	Identity     Identity
	Payments     Payments
	Constituents Constituents
	Settings     SettingsSource
}

type EventServiceImpl struct {
	Deps
	now func() time.Time
	log *zap.Logger
}

// NewEventService constructs EventService.
func NewEventService(d Deps, log *zap.Logger) *EventServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventServiceImpl{Deps: d, now: time.Now, log: log.With(zap.String("component", "events"))}
}

// OrderCompleted routes each line item through its purchase kind.
func (s *EventServiceImpl) OrderCompleted(ctx context.Context, ev model.OrderCompleted) (*Outcome, error) {
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	if ev.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order id", errs.ErrValidation)
	}
	if ev.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty account id", errs.ErrValidation)
	}
	if len(ev.LineItems) == 0 {
		return nil, fmt.Errorf("%w: order without line items", errs.ErrValidation)
	}
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = s.now()
	}
	out := newOutcome(EventOrder, ev.OrderID)

	acct, cfg, err := s.load(ctx, ev.AccountID)
	if err != nil {
		s.fail(ctx, out, StepLoad, err, retryInput{Action: actionOrder, Order: &ev})
		return out, nil
	}
	for i := range ev.LineItems {
		s.line(ctx, out, acct, cfg, &ev, i)
	}
	return out, nil
}

func (s *EventServiceImpl) load(ctx context.Context, id uuid.UUID) (*model.Account, *settings.Settings, error) {
	acct, err := s.Accounts.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load account %s: %w", id, err)
	}
	cfg, err := s.Settings.Current(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	return acct, cfg, nil
}

func (s *EventServiceImpl) line(ctx context.Context, out *Outcome, acct *model.Account, cfg *settings.Settings, ev *model.OrderCompleted, idx int) {
	li := ev.LineItems[idx]
	p, err := model.Classify(li)
	if err != nil {
		s.fail(ctx, out, StepClassify, err, retryInput{})
		return
	}
	v := &orderVisitor{s: s, ctx: ctx, out: out, acct: acct, cfg: cfg, ev: ev, idx: idx}
	_ = p.Accept(v)
}

// orderVisitor handles one classified line item. It reports into the
// outcome and never fails the order.
type orderVisitor struct {
	s    *EventServiceImpl
	ctx  context.Context
	out  *Outcome
	acct *model.Account
	cfg  *settings.Settings
	ev   *model.OrderCompleted
	idx  int
}

var _ model.PurchaseVisitor = (*orderVisitor)(nil)

func (v *orderVisitor) ref() string { return payment.LineReference(v.ev.OrderID, v.idx) }

func (v *orderVisitor) lineRetry() retryInput {
	return retryInput{Action: actionLine, Order: v.ev, Line: v.idx}
}

func (v *orderVisitor) VisitMembership(p model.MembershipPurchase) error {
	if n, ok := v.cfg.SlotProducts[p.ProductID]; ok {
		v.slotAddOn(p.LineItem, n)
		return nil
	}
	level, ok := v.cfg.LevelForProduct(p.ProductID)
	if !ok {
		err := fmt.Errorf("no level for product %q: %w", p.ProductID, errs.ErrConfigurationMissing)
		v.s.fail(v.ctx, v.out, StepMembership, err, v.lineRetry())
		return nil
	}

	prevRole := v.acct.Role
	actor := "order " + v.ev.OrderID
	r, err := v.s.Lifecycle.ApplyRenewal(v.ctx, v.acct, membership.RenewalRequest{
		Level:   level.Name,
		Start:   v.ev.CompletedAt,
		OrderID: v.ref(),
		Amount:  p.Total(),
		Actor:   actor,
	})
	if err != nil {
		v.s.fail(v.ctx, v.out, stepOf(err, StepMembership), err, v.lineRetry())
		return nil
	}
	v.out.add(StepMembership, StatusOK, fmt.Sprintf("%s until %s", level.Name, r.Finish.Format(time.DateOnly)))
	v.s.renewalFollowUp(v.ctx, v.out, v.acct, r, membership.RenewalRequest{Level: level.Name, OrderID: v.ref(), Amount: p.Total()})

	if level.Kind == settings.KindFamily {
		if _, err := v.s.Family.SetSlots(v.ctx, v.acct, level.FamilySlots); err != nil {
			v.s.fail(v.ctx, v.out, StepSlots, err, retryInput{Action: actionSlots, AccountID: v.acct.ID, Slots: &slotChange{Total: level.FamilySlots}})
		} else {
			v.out.add(StepSlots, StatusOK, fmt.Sprintf("%d slots", level.FamilySlots))
		}
	}

	switch {
	case v.acct.Role == model.RoleFamilyOwner:
		n, err := v.s.Family.RenewDependents(v.ctx, v.acct, v.ref(), actor)
		if err != nil {
			v.s.fail(v.ctx, v.out, StepFamily, err, retryInput{Action: actionRenewDependents, AccountID: v.acct.ID, OrderID: v.ref(), Actor: actor})
		} else if n > 0 {
			v.out.add(StepFamily, StatusOK, fmt.Sprintf("%d dependents renewed", n))
		}
	case prevRole == model.RoleFamilyOwner:
		// downgraded from a family level
		v.s.cascadeDeactivation(v.ctx, v.out, v.acct, actor)
	}
	return nil
}

func (v *orderVisitor) slotAddOn(li model.LineItem, perUnit int) {
	qty := max(li.Quantity, 1)
	if v.acct.Role != model.RoleFamilyOwner {
		v.out.add(StepSlots, StatusRejected, "slot add-on requires a family membership")
		return
	}
	if _, err := v.s.Family.AddSlots(v.ctx, v.acct, perUnit*qty); err != nil {
		v.s.fail(v.ctx, v.out, StepSlots, err, retryInput{Action: actionSlots, AccountID: v.acct.ID, Slots: &slotChange{Add: perUnit * qty}})
	} else {
		v.out.add(StepSlots, StatusOK, fmt.Sprintf("+%d slots", perUnit*qty))
	}
	v.pay(li, model.CategoryMembership)
}

func (v *orderVisitor) VisitClass(p model.ClassPurchase) error {
	v.pay(p.LineItem, model.CategoryClass)
	return nil
}

func (v *orderVisitor) VisitEvent(p model.EventPurchase) error {
	v.pay(p.LineItem, model.CategoryEvent)
	return nil
}

func (v *orderVisitor) pay(li model.LineItem, kind model.Category) {
	res, err := v.s.Identity.Link(v.ctx, v.acct)
	if err != nil {
		v.s.fail(v.ctx, v.out, StepIdentity, err, v.lineRetry())
		return
	}
	if res.Created {
		v.out.add(StepIdentity, StatusOK, "constituent created")
	}
	req := payment.Request{
		ConstituentID: res.ConstituentID,
		OrderID:       v.ref(),
		Amount:        li.Total(),
		Date:          v.ev.CompletedAt,
		Kind:          kind,
	}
	v.s.record(v.ctx, v.out, req)
}

func (s *EventServiceImpl) record(ctx context.Context, out *Outcome, req payment.Request) {
	rec, err := s.Payments.Record(ctx, req)
	switch {
	case errors.Is(err, errs.ErrAlreadyRecorded):
		out.add(StepPayment, StatusSkipped, "already recorded as gift "+rec.GiftID)
	case err != nil:
		s.fail(ctx, out, StepPayment, err, retryInput{Action: actionPayment, Payment: &req})
	default:
		out.add(StepPayment, StatusOK, "gift "+rec.GiftID)
	}
}

// renewalFollowUp reports the non-fatal failures of a renewal.
func (s *EventServiceImpl) renewalFollowUp(ctx context.Context, out *Outcome, a *model.Account, r *membership.Renewal, req membership.RenewalRequest) {
	if r.Payment != nil {
		out.add(StepPayment, StatusOK, "gift "+r.Payment.GiftID)
	}
	for _, ferr := range r.Failures {
		switch step := stepOf(ferr, StepMembership); step {
		case StepPayment:
			s.fail(ctx, out, step, ferr, retryInput{Action: actionPayment, Payment: &payment.Request{
				ConstituentID: r.ConstituentID,
				OrderID:       req.OrderID,
				Amount:        req.Amount,
				Date:          s.now(),
				Kind:          model.CategoryMembership,
				Level:         req.Level,
			}})
		default:
			s.fail(ctx, out, step, ferr, retryInput{Action: actionAccount, Account: snapshot(a)})
		}
	}
}

func (s *EventServiceImpl) cascadeDeactivation(ctx context.Context, out *Outcome, owner *model.Account, actor string) {
	n, err := s.Family.CascadeDeactivation(ctx, owner, actor)
	if err != nil {
		s.fail(ctx, out, StepFamily, err, retryInput{Action: actionCascade, AccountID: owner.ID, Actor: actor})
		return
	}
	if n > 0 {
		out.add(StepFamily, StatusOK, fmt.Sprintf("%d dependents deactivated", n))
	}
}

// RegistrationSubmitted updates the profile, links the constituent and
// attaches dependents to their owner. Offline registrations with a level
// start the membership without a payment.
func (s *EventServiceImpl) RegistrationSubmitted(ctx context.Context, reg model.Registration) (*Outcome, error) {
	if reg.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty account id", errs.ErrValidation)
	}
	if strings.TrimSpace(reg.FirstName+reg.LastName) == "" {
		return nil, fmt.Errorf("%w: empty name", errs.ErrValidation)
	}
	if reg.ParentAccountID.Valid && reg.ParentAccountID.UUID == reg.AccountID {
		return nil, fmt.Errorf("%w: account cannot be its own parent", errs.ErrValidation)
	}
	out := newOutcome(EventRegistration, reg.AccountID.String())
	retry := retryInput{Action: actionRegistration, Registration: &reg}

	acct, cfg, err := s.load(ctx, reg.AccountID)
	if err != nil {
		s.fail(ctx, out, StepLoad, err, retry)
		return out, nil
	}

	acct.FirstName = strings.TrimSpace(reg.FirstName)
	acct.LastName = strings.TrimSpace(reg.LastName)
	acct.Email = strings.TrimSpace(reg.Email)
	acct.Phone = reg.Phone
	acct.Company = reg.Company
	acct.Address = reg.Address
	if reg.PaymentType != "" {
		acct.PaymentMethod = reg.PaymentType
	}
	if err := s.Accounts.UpdateProfile(ctx, acct); err != nil {
		s.fail(ctx, out, StepProfile, err, retry)
		return out, nil
	}
	out.add(StepProfile, StatusOK, "")

	wasLinked := acct.Linked()
	res, err := s.Identity.Link(ctx, acct)
	if err != nil {
		s.fail(ctx, out, StepIdentity, err, retry)
		return out, nil
	}
	if wasLinked {
		c := identity.Profile(acct)
		c.ID = res.ConstituentID
		if err := s.Constituents.UpdateConstituent(ctx, c); err != nil {
			s.fail(ctx, out, StepConstituent, err, retry)
		} else {
			out.add(StepConstituent, StatusOK, "profile updated")
		}
	} else {
		detail := "linked to " + res.ConstituentID
		if res.Created {
			detail = "created " + res.ConstituentID
		}
		out.add(StepIdentity, StatusOK, detail)
	}

	switch {
	case reg.ParentAccountID.Valid:
		owner, err := s.Accounts.Get(ctx, reg.ParentAccountID.UUID)
		if err != nil {
			s.fail(ctx, out, StepFamily, fmt.Errorf("load owner: %w", err), retry)
			return out, nil
		}
		act := family.Activation{DependentID: acct.ID, Actor: "registration"}
		s.activate(ctx, out, owner, act)
	case reg.MembershipLevel != "" && acct.PaymentMethod == model.PaymentOffline:
		if _, ok := cfg.Level(reg.MembershipLevel); !ok {
			err := fmt.Errorf("level %q: %w", reg.MembershipLevel, errs.ErrConfigurationMissing)
			s.fail(ctx, out, StepMembership, err, retry)
			return out, nil
		}
		req := membership.RenewalRequest{Level: reg.MembershipLevel, Actor: "registration", SkipPayment: true}
		s.renew(ctx, out, acct, req)
	}
	return out, nil
}

func (s *EventServiceImpl) activate(ctx context.Context, out *Outcome, owner *model.Account, act family.Activation) {
	_, err := s.Family.CascadeActivation(ctx, owner, act)
	switch {
	case errors.Is(err, errs.ErrSlotExhausted):
		out.add(StepFamily, StatusRejected, "no family slots available")
	case err != nil:
		s.fail(ctx, out, StepFamily, err, retryInput{Action: actionActivate, AccountID: owner.ID, Activation: &act})
	default:
		out.add(StepFamily, StatusOK, "dependent of "+owner.ID.String())
	}
}

func (s *EventServiceImpl) renew(ctx context.Context, out *Outcome, a *model.Account, req membership.RenewalRequest) {
	r, err := s.Lifecycle.ApplyRenewal(ctx, a, req)
	if err != nil {
		s.fail(ctx, out, stepOf(err, StepMembership), err, retryInput{Action: actionRenewal, AccountID: a.ID, Renewal: &req})
		return
	}
	out.add(StepMembership, StatusOK, fmt.Sprintf("%s until %s", r.Level.Name, r.Finish.Format(time.DateOnly)))
	s.renewalFollowUp(ctx, out, a, r, req)
}

// StatusChanged deactivates the membership when the subscription ended and
// cascades to dependents of family owners.
func (s *EventServiceImpl) StatusChanged(ctx context.Context, ev model.StatusChanged) (*Outcome, error) {
	if ev.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty account id", errs.ErrValidation)
	}
	out := newOutcome(EventStatus, ev.AccountID.String())
	if !ev.Ends() {
		out.add(StepDeactivate, StatusSkipped, "status "+ev.NewStatus+" keeps the membership")
		return out, nil
	}
	acct, err := s.Accounts.Get(ctx, ev.AccountID)
	if err != nil {
		s.fail(ctx, out, StepLoad, err, retryInput{Action: actionStatus, Status: &ev})
		return out, nil
	}
	s.deactivate(ctx, out, acct, "subscription "+strings.ToLower(ev.NewStatus))
	return out, nil
}

func (s *EventServiceImpl) deactivate(ctx context.Context, out *Outcome, a *model.Account, actor string) {
	wasOwner := a.Role == model.RoleFamilyOwner
	n, err := s.Lifecycle.Deactivate(ctx, a, actor)
	if err != nil {
		s.fail(ctx, out, StepDeactivate, err, retryInput{Action: actionDeactivate, AccountID: a.ID, Actor: actor})
		return
	}
	out.add(StepDeactivate, StatusOK, fmt.Sprintf("%d periods ended", n))
	if wasOwner {
		s.cascadeDeactivation(ctx, out, a, actor)
	}
}

// fail logs and records a step failure and adds it to the outcome.
// Failures without an action cannot be retried.
func (s *EventServiceImpl) fail(ctx context.Context, out *Outcome, step string, err error, in retryInput) {
	res := StepResult{Step: step, Status: StatusFailed, Detail: err.Error()}
	s.log.Warn("pipeline step failed",
		zap.String("event", out.Event),
		zap.String("reference", out.Reference),
		zap.String("step", step),
		zap.Error(err),
	)
	if s.Failures != nil && !out.replay {
		f := &model.SyncFailure{
			EventKind: out.Event,
			Reference: out.Reference,
			Step:      step,
			Message:   err.Error(),
		}
		if in.Action != "" {
			f.Payload = in.encode()
		}
		if rerr := s.Failures.Record(ctx, f); rerr != nil {
			s.log.Error("record sync failure", zap.Error(rerr))
		} else {
			res.FailureID = f.ID.String()
		}
	}
	out.Steps = append(out.Steps, res)
}

// ListFailures returns open failures.
func (s *EventServiceImpl) ListFailures(ctx context.Context, limit int) ([]model.SyncFailure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Failures.ListOpen(ctx, limit)
}

// GetAccount returns a local account.
func (s *EventServiceImpl) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty account id", errs.ErrValidation)
	}
	return s.Accounts.Get(ctx, id)
}

// stepOf returns the step carried by err or def.
func stepOf(err error, def string) string {
	var se *errs.StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return def
}

func snapshot(a *model.Account) *accountSnapshot {
	return &accountSnapshot{
		ID:             a.ID,
		Role:           a.Role,
		MembershipType: a.MembershipType,
		RenewalDate:    a.RenewalDate,
		State:          a.State,
		PaymentMethod:  a.PaymentMethod,
		ParentID:       a.ParentID,
	}
}
