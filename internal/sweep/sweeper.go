// Package sweep runs the daily renewal sweep: reminder notifications and
// deactivation of memberships past the grace window.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/notify"
	"github.com/and161185/memsync/internal/repository"
	"github.com/and161185/memsync/internal/settings"
)

// ErrRunning is returned when a sweep is already in progress.
var ErrRunning = errors.New("sweep already running")

// Accounts lists sweep candidates and stores state changes.
type Accounts interface {
	ListForSweep(ctx context.Context) ([]model.Account, error)
	UpdateMembership(ctx context.Context, a *model.Account) error
}

// Lifecycle evaluates and ends memberships.
type Lifecycle interface {
	Today() time.Time
	Policy() membership.Policy
	Evaluate(ctx context.Context, a *model.Account) (model.MembershipState, error)
	Deactivate(ctx context.Context, a *model.Account, actor string) (int, error)
}

// Cascader deactivates the dependents of a family owner.
type Cascader interface {
	CascadeDeactivation(ctx context.Context, owner *model.Account, actor string) (int, error)
}

// Notifier sends one reminder.
type Notifier interface {
	Dispatch(ctx context.Context, a *model.Account, template string, offset int) (notify.Outcome, error)
}

// SettingsSource returns the notification rules.
type SettingsSource interface {
	Current(ctx context.Context) (*settings.Settings, error)
}

// Report summarizes one sweep.
type Report struct {
	Day         string   `json:"day"`
	Scanned     int      `json:"scanned"`
	Skipped     int      `json:"skipped"`
	Notified    int      `json:"notified"`
	Suppressed  int      `json:"suppressed"`
	NotEligible int      `json:"not_eligible"`
	Duplicates  int      `json:"duplicates"`
	Updated     int      `json:"updated"`
	Deactivated int      `json:"deactivated"`
	Cascaded    int      `json:"cascaded"`
	Errors      []string `json:"errors,omitempty"`
}

const actor = "renewal sweep"

// Sweeper walks all member accounts once per run.
type Sweeper struct {
	accounts  Accounts
	marks     repository.NotificationRepository
	lifecycle Lifecycle
	family    Cascader
	notifier  Notifier
	settings  SettingsSource
	running   sync.Mutex
	log       *zap.Logger
}

// New constructs a sweeper.
func New(accounts Accounts, marks repository.NotificationRepository, lc Lifecycle, family Cascader, n Notifier, s SettingsSource, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		accounts:  accounts,
		marks:     marks,
		lifecycle: lc,
		family:    family,
		notifier:  n,
		settings:  s,
		log:       log.With(zap.String("component", "sweep")),
	}
}

// Run performs one sweep for the current day. Per-account failures are
// collected in the report; only setup failures return an error. Running
// twice on the same day sends no notification twice.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrRunning
	}
	defer s.running.Unlock()

	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	schedule, err := notify.NewSchedule(cfg.Notifications)
	if err != nil {
		return nil, err
	}
	accounts, err := s.accounts.ListForSweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	today := s.lifecycle.Today()
	rep := &Report{Day: today.Format(time.DateOnly)}
	started := time.Now()
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		a := &accounts[i]
		rep.Scanned++
		if err := s.account(ctx, a, today, schedule, rep); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", a.ID, err))
			s.log.Warn("sweep account failed", zap.String("account", a.ID.String()), zap.Error(err))
		}
	}

	s.log.Info("sweep finished",
		zap.String("day", rep.Day),
		zap.Int("scanned", rep.Scanned),
		zap.Int("notified", rep.Notified),
		zap.Int("deactivated", rep.Deactivated),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("took", time.Since(started)),
	)
	return rep, nil
}

func (s *Sweeper) account(ctx context.Context, a *model.Account, today time.Time, schedule *notify.Schedule, rep *Report) error {
	// not yet provisioned, never overdue
	if a.RenewalDate == nil {
		rep.Skipped++
		return nil
	}
	renewal := model.Date(*a.RenewalDate)
	offset := model.DaysBetween(renewal, today)

	var errs []error
	if tpl, ok := schedule.Template(offset); ok {
		if err := s.notify(ctx, a, renewal, offset, tpl, rep); err != nil {
			errs = append(errs, err)
		}
	}

	state := membership.Evaluate(&renewal, today, s.lifecycle.Policy())
	if state == model.StateInactive {
		// the CRM may hold a renewal the local record has not seen yet
		remote, err := s.lifecycle.Evaluate(ctx, a)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		state = remote
	}

	switch {
	case state == model.StateInactive:
		wasOwner := a.Role == model.RoleFamilyOwner
		if _, err := s.lifecycle.Deactivate(ctx, a, actor); err != nil {
			return errors.Join(append(errs, err)...)
		}
		rep.Deactivated++
		if wasOwner {
			n, err := s.family.CascadeDeactivation(ctx, a, actor)
			rep.Cascaded += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	case state != a.State:
		a.State = state
		if err := s.accounts.UpdateMembership(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("update state: %w", err))
		} else {
			rep.Updated++
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) notify(ctx context.Context, a *model.Account, renewal time.Time, offset int, tpl string, rep *Report) error {
	claimed, err := s.marks.Claim(ctx, a.ID, renewal, offset, tpl)
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		rep.Duplicates++
		return nil
	}
	outcome, err := s.notifier.Dispatch(ctx, a, tpl, offset)
	if err != nil {
		if rerr := s.marks.Release(ctx, a.ID, renewal, offset); rerr != nil {
			s.log.Error("release notification mark", zap.String("account", a.ID.String()), zap.Error(rerr))
		}
		return fmt.Errorf("send %s: %w", tpl, err)
	}
	switch outcome {
	case notify.OutcomeSent:
		rep.Notified++
	case notify.OutcomeSuppressed:
		rep.Suppressed++
	default:
		rep.NotEligible++
	}
	return nil
}

// Loop runs a sweep immediately and then every interval until ctx ends.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
