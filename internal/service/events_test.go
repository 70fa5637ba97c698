package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/family"
	"github.com/and161185/memsync/internal/identity"
	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/payment"
	"github.com/and161185/memsync/internal/repository"
	"github.com/and161185/memsync/internal/settings"
)

type fakeAccounts struct {
	byID       map[uuid.UUID]*model.Account
	getErr     error
	profileErr error
	profiles   []model.Account
	saved      []model.Account
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func (f *fakeAccounts) Get(_ context.Context, id uuid.UUID) (*model.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}
func (f *fakeAccounts) ListForSweep(context.Context) ([]model.Account, error) { return nil, nil }
func (f *fakeAccounts) ListDependents(context.Context, uuid.UUID) ([]model.Account, error) {
	return nil, nil
}
func (f *fakeAccounts) UpdateMembership(_ context.Context, a *model.Account) error {
	f.saved = append(f.saved, *a)
	return nil
}
func (f *fakeAccounts) UpdateProfile(_ context.Context, a *model.Account) error {
	if f.profileErr != nil {
		return f.profileErr
	}
	f.profiles = append(f.profiles, *a)
	return nil
}
func (f *fakeAccounts) LinkConstituent(context.Context, uuid.UUID, string) error { return nil }

type fakeFailures struct {
	rows  map[uuid.UUID]*model.SyncFailure
	order []uuid.UUID
}

var _ repository.FailureRepository = (*fakeFailures)(nil)

func (f *fakeFailures) Record(_ context.Context, sf *model.SyncFailure) error {
	sf.ID = uuid.Must(uuid.NewV7())
	c := *sf
	f.rows[sf.ID] = &c
	f.order = append(f.order, sf.ID)
	return nil
}
func (f *fakeFailures) Get(_ context.Context, id uuid.UUID) (*model.SyncFailure, error) {
	sf, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *sf
	return &c, nil
}
func (f *fakeFailures) ListOpen(_ context.Context, limit int) ([]model.SyncFailure, error) {
	var out []model.SyncFailure
	for _, id := range f.order {
		if sf := f.rows[id]; sf.ResolvedAt == nil && len(out) < limit {
			out = append(out, *sf)
		}
	}
	return out, nil
}
func (f *fakeFailures) Resolve(_ context.Context, id uuid.UUID, at time.Time) error {
	sf, ok := f.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	sf.ResolvedAt = &at
	return nil
}

func (f *fakeFailures) open() []model.SyncFailure {
	out, _ := f.ListOpen(context.Background(), 1000)
	return out
}

type fakeLifecycle struct {
	renewals    []membership.RenewalRequest
	renewErr    error
	failures    []error
	deactivated []uuid.UUID
	deactErr    error
}

var _ Lifecycle = (*fakeLifecycle)(nil)

func (f *fakeLifecycle) ApplyRenewal(_ context.Context, a *model.Account, req membership.RenewalRequest) (*membership.Renewal, error) {
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	f.renewals = append(f.renewals, req)
	kind := settings.KindIndividual
	if strings.Contains(strings.ToLower(req.Level), "family") {
		kind = settings.KindFamily
	}
	a.Role = membership.NextRole(a.Role, kind)
	a.ConstituentID = "c-1"
	finish := model.AddYear(req.Start)
	return &membership.Renewal{
		ConstituentID: "c-1",
		Finish:        finish,
		Role:          a.Role,
		Level:         settings.Level{Name: req.Level, Kind: kind},
		Failures:      f.failures,
	}, nil
}

func (f *fakeLifecycle) Deactivate(_ context.Context, a *model.Account, _ string) (int, error) {
	if f.deactErr != nil {
		return 0, f.deactErr
	}
	f.deactivated = append(f.deactivated, a.ID)
	a.Role = membership.DowngradedRole(a.Role)
	return 1, nil
}

type fakeFamily struct {
	activations []family.Activation
	activateErr error
	cascaded    []uuid.UUID
	renewed     []string
	setTotals   []int
	added       []int
}

var _ Family = (*fakeFamily)(nil)

func (f *fakeFamily) CascadeActivation(_ context.Context, _ *model.Account, act family.Activation) (*membership.Renewal, error) {
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	f.activations = append(f.activations, act)
	return &membership.Renewal{}, nil
}
func (f *fakeFamily) CascadeDeactivation(_ context.Context, o *model.Account, _ string) (int, error) {
	f.cascaded = append(f.cascaded, o.ID)
	return 1, nil
}
func (f *fakeFamily) RenewDependents(_ context.Context, _ *model.Account, orderID, _ string) (int, error) {
	f.renewed = append(f.renewed, orderID)
	return 0, nil
}
func (f *fakeFamily) SetSlots(_ context.Context, _ *model.Account, total int) (model.FamilySlots, error) {
	f.setTotals = append(f.setTotals, total)
	return model.FamilySlots{Total: total}, nil
}
func (f *fakeFamily) AddSlots(_ context.Context, _ *model.Account, n int) (model.FamilySlots, error) {
	f.added = append(f.added, n)
	return model.FamilySlots{Total: n}, nil
}

type fakeIdentity struct {
	err   error
	links int
}

func (f *fakeIdentity) Link(_ context.Context, a *model.Account) (identity.Resolution, error) {
	if f.err != nil {
		return identity.Resolution{}, f.err
	}
	f.links++
	created := !a.Linked()
	a.ConstituentID = "c-1"
	return identity.Resolution{ConstituentID: "c-1", Created: created}, nil
}

type fakePayments struct {
	reqs []payment.Request
	seen map[string]bool
	err  error
}

func (f *fakePayments) Record(_ context.Context, req payment.Request) (*model.PaymentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := &model.PaymentRecord{OrderID: req.OrderID, GiftID: "g-" + req.OrderID}
	if f.seen[req.OrderID] {
		return rec, errs.ErrAlreadyRecorded
	}
	f.seen[req.OrderID] = true
	f.reqs = append(f.reqs, req)
	return rec, nil
}

type fakeConstituents struct{ updated []model.Constituent }

func (f *fakeConstituents) UpdateConstituent(_ context.Context, c model.Constituent) error {
	f.updated = append(f.updated, c)
	return nil
}

type mutableSettings struct{ s *settings.Settings }

func (m *mutableSettings) Current(context.Context) (*settings.Settings, error) { return m.s, nil }

type world struct {
	accounts     *fakeAccounts
	failures     *fakeFailures
	lifecycle    *fakeLifecycle
	family       *fakeFamily
	identity     *fakeIdentity
	payments     *fakePayments
	constituents *fakeConstituents
	settings     *mutableSettings
	svc          *EventServiceImpl
	acct         *model.Account
}

func newWorld(t *testing.T) *world {
	acct := &model.Account{ID: uuid.Must(uuid.NewV4()), FirstName: "Ann", LastName: "Lee", Role: model.RoleMember}
	w := &world{
		accounts:     &fakeAccounts{byID: map[uuid.UUID]*model.Account{acct.ID: acct}},
		failures:     &fakeFailures{rows: map[uuid.UUID]*model.SyncFailure{}},
		lifecycle:    &fakeLifecycle{},
		family:       &fakeFamily{},
		identity:     &fakeIdentity{},
		payments:     &fakePayments{seen: map[string]bool{}},
		constituents: &fakeConstituents{},
		settings: &mutableSettings{&settings.Settings{
			Levels: []settings.Level{
				{Name: "Family Membership", Kind: settings.KindFamily, FamilySlots: 4},
				{Name: "Individual Membership", Kind: settings.KindIndividual},
			},
			Products:     map[string]string{"FAM": "Family Membership", "IND": "Individual Membership"},
			SlotProducts: map[string]int{"SLOT": 1},
		}},
		acct: acct,
	}
	w.svc = NewEventService(Deps{
		Accounts:     w.accounts,
		Failures:     w.failures,
		Lifecycle:    w.lifecycle,
		Family:       w.family,
		Identity:     w.identity,
		Payments:     w.payments,
		Constituents: w.constituents,
		Settings:     w.settings,
	}, zaptest.NewLogger(t))
	return w
}

var completed = time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)

func (w *world) order(items ...model.LineItem) model.OrderCompleted {
	return model.OrderCompleted{OrderID: "1001", AccountID: w.acct.ID, LineItems: items, CompletedAt: completed}
}

func statusOf(out *Outcome, step string) Status {
	for _, s := range out.Steps {
		if s.Step == step {
			return s.Status
		}
	}
	return ""
}

func TestOrderCompleted_FamilyMembership(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	out, err := w.svc.OrderCompleted(context.Background(), w.order(
		model.LineItem{ProductID: "FAM", CategoryTag: "membership", Quantity: 1, UnitPrice: 12000},
	))
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if out.Failed() != 0 {
		t.Fatalf("unexpected failures: %+v", out.Steps)
	}
	if len(w.lifecycle.renewals) != 1 {
		t.Fatalf("want one renewal, got %d", len(w.lifecycle.renewals))
	}
	r := w.lifecycle.renewals[0]
	if r.Level != "Family Membership" || r.OrderID != "1001" || r.Amount != 12000 || !r.Start.Equal(completed) {
		t.Fatalf("renewal request: %+v", r)
	}
	if len(w.family.setTotals) != 1 || w.family.setTotals[0] != 4 {
		t.Fatalf("slot total: %v", w.family.setTotals)
	}
	if len(w.family.renewed) != 1 || w.family.renewed[0] != "1001" {
		t.Fatalf("dependents renewal: %v", w.family.renewed)
	}
}

func TestOrderCompleted_MixedLinesKeepGoing(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	out, err := w.svc.OrderCompleted(context.Background(), w.order(
		model.LineItem{ProductID: "YOGA", CategoryTag: "Class", Quantity: 2, UnitPrice: 1500},
		model.LineItem{ProductID: "CARD", CategoryTag: "voucher", UnitPrice: 500},
		model.LineItem{ProductID: "GALA", CategoryTag: "event", Quantity: 1, UnitPrice: 9000},
	))
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if out.Failed() != 1 || statusOf(out, StepClassify) != StatusFailed {
		t.Fatalf("want one classify failure, got %+v", out.Steps)
	}
	if len(w.payments.reqs) != 2 {
		t.Fatalf("want two payments, got %d", len(w.payments.reqs))
	}
	if p := w.payments.reqs[0]; p.OrderID != "1001" || p.Kind != model.CategoryClass || p.Amount != 3000 {
		t.Fatalf("class payment: %+v", p)
	}
	if p := w.payments.reqs[1]; p.OrderID != "1001#3" || p.Kind != model.CategoryEvent {
		t.Fatalf("event payment: %+v", p)
	}
	open := w.failures.open()
	if len(open) != 1 || len(open[0].Payload) != 0 {
		t.Fatalf("classify failure must be recorded without payload: %+v", open)
	}
}

func TestOrderCompleted_DuplicateWebhookRecordsOnce(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	ev := w.order(model.LineItem{ProductID: "YOGA", CategoryTag: "class", UnitPrice: 1500})

	for range 2 {
		if _, err := w.svc.OrderCompleted(context.Background(), ev); err != nil {
			t.Fatalf("order: %v", err)
		}
	}
	if len(w.payments.reqs) != 1 {
		t.Fatalf("want one gift, got %d", len(w.payments.reqs))
	}
	if len(w.failures.open()) != 0 {
		t.Fatalf("duplicate must not be a failure")
	}
}

func TestOrderCompleted_PaymentFailureRetried(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.lifecycle.failures = []error{errs.Step(StepPayment, &errs.SyncError{Op: "create_gift", Status: 503, Transient: true, Err: errors.New("busy")})}

	out, err := w.svc.OrderCompleted(context.Background(), w.order(
		model.LineItem{ProductID: "IND", CategoryTag: "membership", UnitPrice: 5000},
	))
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if statusOf(out, StepMembership) != StatusOK || statusOf(out, StepPayment) != StatusFailed {
		t.Fatalf("steps: %+v", out.Steps)
	}
	open := w.failures.open()
	if len(open) != 1 || open[0].Step != StepPayment {
		t.Fatalf("want payment failure, got %+v", open)
	}
	var in retryInput
	if err := json.Unmarshal(open[0].Payload, &in); err != nil || in.Payment == nil || in.Payment.ConstituentID != "c-1" {
		t.Fatalf("payload: %s (%v)", open[0].Payload, err)
	}

	retried, err := w.svc.RetryFailure(context.Background(), open[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if statusOf(retried, StepPayment) != StatusOK {
		t.Fatalf("retry steps: %+v", retried.Steps)
	}
	if len(w.lifecycle.renewals) != 1 {
		t.Fatalf("retry must not renew again")
	}
	if len(w.payments.reqs) != 1 || w.payments.reqs[0].Amount != 5000 || w.payments.reqs[0].Level != "Individual Membership" {
		t.Fatalf("payments: %+v", w.payments.reqs)
	}
	if len(w.failures.open()) != 0 {
		t.Fatalf("failure must be resolved")
	}
	if _, err := w.svc.RetryFailure(context.Background(), open[0].ID); err == nil {
		t.Fatalf("resolved failure must not be retried")
	}
}

func TestOrderCompleted_MissingLevelRetriedAfterFix(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	out, err := w.svc.OrderCompleted(context.Background(), w.order(
		model.LineItem{ProductID: "GOLD", CategoryTag: "membership", UnitPrice: 50000},
	))
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if statusOf(out, StepMembership) != StatusFailed {
		t.Fatalf("steps: %+v", out.Steps)
	}
	open := w.failures.open()
	if len(open) != 1 || !strings.Contains(open[0].Message, errs.ErrConfigurationMissing.Error()) {
		t.Fatalf("failures: %+v", open)
	}

	if _, err := w.svc.RetryFailure(context.Background(), open[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(w.failures.open()) != 1 || len(w.failures.rows) != 1 {
		t.Fatalf("failed retry must keep the single open failure")
	}

	w.settings.s.Products["GOLD"] = "Individual Membership"
	if _, err := w.svc.RetryFailure(context.Background(), open[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(w.failures.open()) != 0 || len(w.lifecycle.renewals) != 1 {
		t.Fatalf("retry after fix: open=%d renewals=%d", len(w.failures.open()), len(w.lifecycle.renewals))
	}
	if w.lifecycle.renewals[0].OrderID != "1001" {
		t.Fatalf("line reference: %q", w.lifecycle.renewals[0].OrderID)
	}
}

func TestOrderCompleted_AccountLoadFailureRecordsEvent(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.accounts.getErr = errors.New("db down")

	out, err := w.svc.OrderCompleted(context.Background(), w.order(model.LineItem{ProductID: "YOGA", CategoryTag: "class"}))
	if err != nil {
		t.Fatalf("order events never fail: %v", err)
	}
	if statusOf(out, StepLoad) != StatusFailed {
		t.Fatalf("steps: %+v", out.Steps)
	}
	open := w.failures.open()
	w.accounts.getErr = nil
	if _, err := w.svc.RetryFailure(context.Background(), open[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(w.failures.open()) != 0 || len(w.payments.reqs) != 1 {
		t.Fatalf("replay: open=%d payments=%d", len(w.failures.open()), len(w.payments.reqs))
	}
}

func TestOrderCompleted_Validation(t *testing.T) {
	t.Parallel()
	w := newWorld(t)

	bad := []model.OrderCompleted{
		{AccountID: w.acct.ID, LineItems: []model.LineItem{{}}},
		{OrderID: "1", LineItems: []model.LineItem{{}}},
		{OrderID: "1", AccountID: w.acct.ID},
	}
	for _, ev := range bad {
		if _, err := w.svc.OrderCompleted(context.Background(), ev); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("want validation error for %+v, got %v", ev, err)
		}
	}
}

func TestOrderCompleted_SlotAddOn(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.acct.Role = model.RoleFamilyOwner

	if _, err := w.svc.OrderCompleted(context.Background(), w.order(
		model.LineItem{ProductID: "SLOT", CategoryTag: "membership", Quantity: 2, UnitPrice: 2500},
	)); err != nil {
		t.Fatalf("order: %v", err)
	}
	if len(w.family.added) != 1 || w.family.added[0] != 2 {
		t.Fatalf("added: %v", w.family.added)
	}
	if len(w.payments.reqs) != 1 || w.payments.reqs[0].Amount != 5000 {
		t.Fatalf("payments: %+v", w.payments.reqs)
	}
}

func TestRegistration_DependentWithoutSlotIsRejected(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	owner := &model.Account{ID: uuid.Must(uuid.NewV4()), Role: model.RoleFamilyOwner}
	w.accounts.byID[owner.ID] = owner
	w.family.activateErr = errs.Step(family.StepAttach, errs.ErrSlotExhausted)

	out, err := w.svc.RegistrationSubmitted(context.Background(), model.Registration{
		AccountID: w.acct.ID, FirstName: "Ann", LastName: "Lee", Email: "ann@example.org",
		ParentAccountID: uuid.NullUUID{UUID: owner.ID, Valid: true},
	})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if statusOf(out, StepFamily) != StatusRejected {
		t.Fatalf("steps: %+v", out.Steps)
	}
	if len(w.failures.open()) != 0 {
		t.Fatalf("slot exhaustion is not a sync failure")
	}
	if len(w.accounts.profiles) != 1 || w.accounts.profiles[0].Email != "ann@example.org" {
		t.Fatalf("profile: %+v", w.accounts.profiles)
	}
}

func TestRegistration_LinkedUpdatesConstituent(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.acct.ConstituentID = "c-1"

	out, err := w.svc.RegistrationSubmitted(context.Background(), model.Registration{
		AccountID: w.acct.ID, FirstName: "Ann", LastName: "Lee-Park", Phone: "555",
		MembershipLevel: "Individual Membership", PaymentType: model.PaymentOffline,
	})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if len(w.constituents.updated) != 1 || w.constituents.updated[0].LastName != "Lee-Park" || w.constituents.updated[0].ID != "c-1" {
		t.Fatalf("constituent update: %+v", w.constituents.updated)
	}
	if len(w.lifecycle.renewals) != 1 || !w.lifecycle.renewals[0].SkipPayment {
		t.Fatalf("offline registration must start membership without payment: %+v", w.lifecycle.renewals)
	}
	if out.Failed() != 0 {
		t.Fatalf("steps: %+v", out.Steps)
	}
}

func TestStatusChanged(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.acct.Role = model.RoleFamilyOwner

	out, err := w.svc.StatusChanged(context.Background(), model.StatusChanged{AccountID: w.acct.ID, NewStatus: "active"})
	if err != nil || statusOf(out, StepDeactivate) != StatusSkipped {
		t.Fatalf("active status must be skipped: %+v %v", out, err)
	}

	w.lifecycle.deactErr = errors.New("crm down")
	out, err = w.svc.StatusChanged(context.Background(), model.StatusChanged{AccountID: w.acct.ID, NewStatus: "Cancelled"})
	if err != nil || statusOf(out, StepDeactivate) != StatusFailed {
		t.Fatalf("want deactivate failure: %+v %v", out, err)
	}
	if len(w.family.cascaded) != 0 {
		t.Fatalf("no cascade before the owner is deactivated")
	}

	w.lifecycle.deactErr = nil
	open := w.failures.open()
	if _, err := w.svc.RetryFailure(context.Background(), open[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(w.lifecycle.deactivated) != 1 || len(w.family.cascaded) != 1 {
		t.Fatalf("deactivated=%v cascaded=%v", w.lifecycle.deactivated, w.family.cascaded)
	}
	if len(w.failures.open()) != 0 {
		t.Fatalf("failure must be resolved")
	}
}
