package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/identity"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/payment"
	"github.com/and161185/memsync/internal/settings"
)

// Step names reported in StepError.
const (
	StepIdentity   = "identity"
	StepDeactivate = "deactivate"
	StepMembership = "membership"
	StepPayment    = "payment"
	StepAccount    = "account"
)

// Remote is the CRM membership surface.
type Remote interface {
	ListMemberships(ctx context.Context, constituentID string) ([]model.MembershipPeriod, error)
	CreateMembership(ctx context.Context, constituentID string, p model.MembershipPeriod) (string, error)
	UpdateMembership(ctx context.Context, p model.MembershipPeriod) error
	ListLevels(ctx context.Context) ([]model.Level, error)
}

// Linker binds an account to its constituent.
type Linker interface {
	Link(ctx context.Context, a *model.Account) (identity.Resolution, error)
}

// Payments records the payment of a renewal.
type Payments interface {
	Record(ctx context.Context, req payment.Request) (*model.PaymentRecord, error)
}

// Accounts persists the local membership fields.
type Accounts interface {
	UpdateMembership(ctx context.Context, a *model.Account) error
}

// SettingsSource returns the current level catalog.
type SettingsSource interface {
	Current(ctx context.Context) (*settings.Settings, error)
}

// RenewalRequest starts a new one year period at Level.
type RenewalRequest struct {
	Level       string      `json:"level"`
	Start       time.Time   `json:"start"`
	OrderID     string      `json:"order_id,omitempty"`
	Amount      model.Cents `json:"amount"`
	Actor       string      `json:"actor"`
	SkipPayment bool        `json:"skip_payment,omitempty"` // dependents ride on the owner's payment
}

// Renewal reports what ApplyRenewal did. Failures holds errors of steps
// that did not stop the renewal.
type Renewal struct {
	ConstituentID string
	Created       bool // constituent created during this renewal
	PeriodID      string
	Deactivated   int
	Finish        time.Time
	Role          model.Role
	Level         settings.Level
	Payment       *model.PaymentRecord
	Failures      []error
}

// Machine applies membership transitions.
type Machine struct {
	remote   Remote
	linker   Linker
	payments Payments
	accounts Accounts
	settings SettingsSource
	policy   Policy
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger
}

// NewMachine constructs a machine. loc selects the calendar "today" is
// taken from.
func NewMachine(remote Remote, linker Linker, payments Payments, accounts Accounts, s SettingsSource, policy Policy, loc *time.Location, log *zap.Logger) *Machine {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		remote:   remote,
		linker:   linker,
		payments: payments,
		accounts: accounts,
		settings: s,
		policy:   policy,
		loc:      loc,
		now:      time.Now,
		log:      log.With(zap.String("component", "membership")),
	}
}

// Policy returns the state windows in use.
func (m *Machine) Policy() Policy { return m.policy }

// Today returns the current calendar date.
func (m *Machine) Today() time.Time { return model.Today(m.now(), m.loc) }

// Evaluate derives the account state. Linked accounts use the finish date of
// the remote current period when it is later than the local renewal date.
func (m *Machine) Evaluate(ctx context.Context, a *model.Account) (model.MembershipState, error) {
	today := m.Today()
	finish := a.RenewalDate
	if a.Linked() {
		periods, err := m.remote.ListMemberships(ctx, a.ConstituentID)
		if err != nil {
			return model.StateUnknown, fmt.Errorf("list memberships: %w", err)
		}
		if cur := Current(periods, today); len(cur) > 0 && (finish == nil || cur[0].Finish.After(*finish)) {
			f := model.Date(cur[0].Finish)
			finish = &f
		}
	}
	return Evaluate(finish, today, m.policy), nil
}

// DeactivateCurrent back-dates every running period of the constituent to
// yesterday and appends an audit note. A period starting today or later
// also gets its start moved to yesterday. Periods that already ended are not
// touched. It returns the number of periods updated.
func (m *Machine) DeactivateCurrent(ctx context.Context, constituentID, actor string) (int, error) {
	periods, err := m.remote.ListMemberships(ctx, constituentID)
	if err != nil {
		return 0, fmt.Errorf("list memberships: %w", err)
	}
	today := m.Today()
	current := Current(periods, today)
	if len(current) > 1 {
		ids := make([]string, 0, len(current))
		for _, p := range current {
			ids = append(ids, p.ID)
		}
		m.log.Warn("multiple current membership periods",
			zap.String("constituent", constituentID),
			zap.Strings("periods", ids),
		)
	}

	yesterday := today.AddDate(0, 0, -1)
	note := fmt.Sprintf("Deactivated by %s on %s", actor, m.now().UTC().Format(time.RFC3339))
	n := 0
	for _, p := range current {
		if p.ID == "" {
			return n, fmt.Errorf("period without id for constituent %s: %w", constituentID, errs.ErrPermanentSync)
		}
		p.Finish = yesterday
		pnote := note
		if start := model.Date(p.Start); !p.Start.IsZero() && start.After(yesterday) {
			// finish may not precede start; the original start goes to the note
			m.log.Warn("deactivating a period that starts today or later",
				zap.String("constituent", constituentID),
				zap.String("period", p.ID),
				zap.String("start", start.Format(time.DateOnly)),
			)
			p.Start = yesterday
			pnote = fmt.Sprintf("%s (started %s)", note, start.Format(time.DateOnly))
		}
		p.Note = appendNote(p.Note, pnote)
		if err := m.remote.UpdateMembership(ctx, p); err != nil {
			return n, fmt.Errorf("deactivate period %s: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}

// ApplyRenewal replaces the current period with a new one year period at
// req.Level, records the payment and updates the local account. A payment
// failure is reported in Renewal.Failures and does not undo the period.
func (m *Machine) ApplyRenewal(ctx context.Context, a *model.Account, req RenewalRequest) (*Renewal, error) {
	if strings.TrimSpace(req.Level) == "" {
		return nil, fmt.Errorf("%w: empty membership level", errs.ErrValidation)
	}
	s, err := m.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	level, ok := s.Level(req.Level)
	if !ok {
		return nil, errs.Step(StepMembership, fmt.Errorf("level %q: %w", req.Level, errs.ErrConfigurationMissing))
	}
	levelID, err := m.levelID(ctx, level)
	if err != nil {
		return nil, errs.Step(StepMembership, err)
	}
	if req.Actor == "" {
		req.Actor = "system"
	}
	start := req.Start
	if start.IsZero() {
		start = m.Today()
	}
	start = model.Date(start)

	res, err := m.linker.Link(ctx, a)
	if err != nil {
		return nil, errs.Step(StepIdentity, err)
	}
	out := &Renewal{ConstituentID: res.ConstituentID, Created: res.Created, Level: level}

	// a fresh constituent has no history to deactivate
	if !res.Created {
		n, err := m.DeactivateCurrent(ctx, res.ConstituentID, req.Actor)
		out.Deactivated = n
		if err != nil {
			return out, errs.Step(StepDeactivate, err)
		}
	}

	out.Finish = model.AddYear(start)
	periodID, err := m.remote.CreateMembership(ctx, res.ConstituentID, model.MembershipPeriod{
		LevelID:   levelID,
		LevelName: level.Name,
		Start:     start,
		Finish:    out.Finish,
	})
	if err != nil {
		return out, errs.Step(StepMembership, err)
	}
	out.PeriodID = periodID

	if !req.SkipPayment && req.OrderID != "" {
		rec, err := m.payments.Record(ctx, payment.Request{
			ConstituentID: res.ConstituentID,
			OrderID:       req.OrderID,
			Amount:        req.Amount,
			Date:          m.now(),
			Kind:          model.CategoryMembership,
			Level:         level.Name,
		})
		switch {
		case err == nil, errors.Is(err, errs.ErrAlreadyRecorded):
			out.Payment = rec
		default:
			m.log.Error("renewal payment failed",
				zap.String("account", a.ID.String()),
				zap.String("order", req.OrderID),
				zap.Error(err),
			)
			out.Failures = append(out.Failures, errs.Step(StepPayment, err))
		}
	}

	finish := out.Finish
	a.MembershipType = level.Name
	a.RenewalDate = &finish
	a.Role = NextRole(a.Role, level.Kind)
	a.State = Evaluate(&finish, m.Today(), m.policy)
	out.Role = a.Role
	if err := m.accounts.UpdateMembership(ctx, a); err != nil {
		out.Failures = append(out.Failures, errs.Step(StepAccount, err))
	}

	m.log.Info("membership renewed",
		zap.String("account", a.ID.String()),
		zap.String("constituent", res.ConstituentID),
		zap.String("level", level.Name),
		zap.String("finish", finish.Format(time.DateOnly)),
		zap.Int("deactivated", out.Deactivated),
		zap.String("role", string(a.Role)),
	)
	return out, nil
}

// Deactivate ends the account's membership: remote periods are back-dated,
// the local state becomes inactive and the role is downgraded. Dependents
// keep their role but lose the shared membership type.
func (m *Machine) Deactivate(ctx context.Context, a *model.Account, actor string) (int, error) {
	if actor == "" {
		actor = "system"
	}
	n := 0
	if a.Linked() {
		var err error
		n, err = m.DeactivateCurrent(ctx, a.ConstituentID, actor)
		if err != nil {
			return n, errs.Step(StepDeactivate, err)
		}
	}
	a.State = model.StateInactive
	a.Role = DowngradedRole(a.Role)
	if a.Role == model.RoleDependent {
		a.MembershipType = ""
	}
	if err := m.accounts.UpdateMembership(ctx, a); err != nil {
		return n, errs.Step(StepAccount, err)
	}
	m.log.Info("membership deactivated",
		zap.String("account", a.ID.String()),
		zap.String("actor", actor),
		zap.Int("periods", n),
	)
	return n, nil
}

// levelID prefers the configured remote id and falls back to the CRM
// catalog by name.
func (m *Machine) levelID(ctx context.Context, l settings.Level) (string, error) {
	if l.RemoteID != "" {
		return l.RemoteID, nil
	}
	levels, err := m.remote.ListLevels(ctx)
	if err != nil {
		return "", fmt.Errorf("list levels: %w", err)
	}
	want := identity.NameKey(l.Name)
	for _, rl := range levels {
		if identity.NameKey(rl.Name) == want {
			return rl.ID, nil
		}
	}
	return "", fmt.Errorf("remote id of level %q: %w", l.Name, errs.ErrConfigurationMissing)
}

func appendNote(note, line string) string {
	if strings.TrimSpace(note) == "" {
		return line
	}
	return note + "\n" + line
}
