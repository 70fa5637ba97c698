package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
)

// RetryFailure re-runs only the step that failed. The failure is resolved
// when the retried step succeeds. Failures of a whole event are resolved
// once the event was replayed.
func (s *EventServiceImpl) RetryFailure(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	f, err := s.Failures.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.ResolvedAt != nil {
		return nil, fmt.Errorf("%w: failure %s already resolved", errs.ErrValidation, id)
	}
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%w: failure %s at step %s cannot be retried", errs.ErrValidation, id, f.Step)
	}
	var in retryInput
	if err := json.Unmarshal(f.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode failure payload: %w", err)
	}

	out, err := s.replay(ctx, f, in)
	if err != nil {
		return nil, err
	}
	// a replayed event records its own new failures
	whole := in.Action == actionOrder || in.Action == actionRegistration || in.Action == actionStatus
	if !whole && out.Failed() > 0 {
		s.log.Info("retry failed again", zap.String("failure", id.String()), zap.String("step", f.Step))
		return out, nil
	}
	if err := s.Failures.Resolve(ctx, id, s.now()); err != nil {
		return out, fmt.Errorf("resolve failure: %w", err)
	}
	s.log.Info("failure resolved", zap.String("failure", id.String()), zap.String("step", f.Step))
	return out, nil
}

func (s *EventServiceImpl) replay(ctx context.Context, f *model.SyncFailure, in retryInput) (*Outcome, error) {
	out := newOutcome(f.EventKind, f.Reference)
	out.replay = true
	switch in.Action {
	case actionOrder:
		if in.Order == nil {
			return nil, errBadPayload(in.Action)
		}
		return s.OrderCompleted(ctx, *in.Order)
	case actionRegistration:
		if in.Registration == nil {
			return nil, errBadPayload(in.Action)
		}
		return s.RegistrationSubmitted(ctx, *in.Registration)
	case actionStatus:
		if in.Status == nil {
			return nil, errBadPayload(in.Action)
		}
		return s.StatusChanged(ctx, *in.Status)
	case actionLine:
		if in.Order == nil || in.Line < 0 || in.Line >= len(in.Order.LineItems) {
			return nil, errBadPayload(in.Action)
		}
		acct, cfg, err := s.load(ctx, in.Order.AccountID)
		if err != nil {
			s.fail(ctx, out, StepLoad, err, retryInput{})
			return out, nil
		}
		s.line(ctx, out, acct, cfg, in.Order, in.Line)
	case actionPayment:
		if in.Payment == nil {
			return nil, errBadPayload(in.Action)
		}
		s.record(ctx, out, *in.Payment)
	case actionAccount:
		if in.Account == nil {
			return nil, errBadPayload(in.Action)
		}
		acct, err := s.Accounts.Get(ctx, in.Account.ID)
		if err != nil {
			s.fail(ctx, out, StepLoad, err, retryInput{})
			return out, nil
		}
		acct.Role = in.Account.Role
		acct.MembershipType = in.Account.MembershipType
		acct.RenewalDate = in.Account.RenewalDate
		acct.State = in.Account.State
		acct.PaymentMethod = in.Account.PaymentMethod
		acct.ParentID = in.Account.ParentID
		if err := s.Accounts.UpdateMembership(ctx, acct); err != nil {
			s.fail(ctx, out, StepAccount, err, retryInput{})
		} else {
			out.add(StepAccount, StatusOK, "")
		}
	default:
		acct, err := s.Accounts.Get(ctx, in.AccountID)
		if err != nil {
			s.fail(ctx, out, StepLoad, err, retryInput{})
			return out, nil
		}
		return s.replayAccount(ctx, out, acct, in)
	}
	return out, nil
}

func (s *EventServiceImpl) replayAccount(ctx context.Context, out *Outcome, acct *model.Account, in retryInput) (*Outcome, error) {
	switch in.Action {
	case actionSlots:
		if in.Slots == nil {
			return nil, errBadPayload(in.Action)
		}
		var err error
		if in.Slots.Add > 0 {
			_, err = s.Family.AddSlots(ctx, acct, in.Slots.Add)
		} else {
			_, err = s.Family.SetSlots(ctx, acct, in.Slots.Total)
		}
		if err != nil {
			s.fail(ctx, out, StepSlots, err, retryInput{})
		} else {
			out.add(StepSlots, StatusOK, "")
		}
	case actionActivate:
		if in.Activation == nil {
			return nil, errBadPayload(in.Action)
		}
		s.activate(ctx, out, acct, *in.Activation)
	case actionRenewDependents:
		n, err := s.Family.RenewDependents(ctx, acct, in.OrderID, in.Actor)
		if err != nil {
			s.fail(ctx, out, StepFamily, err, retryInput{})
		} else {
			out.add(StepFamily, StatusOK, fmt.Sprintf("%d dependents renewed", n))
		}
	case actionRenewal:
		if in.Renewal == nil {
			return nil, errBadPayload(in.Action)
		}
		s.renew(ctx, out, acct, *in.Renewal)
	case actionDeactivate:
		s.deactivate(ctx, out, acct, in.Actor)
	case actionCascade:
		n, err := s.Family.CascadeDeactivation(ctx, acct, in.Actor)
		if err != nil {
			s.fail(ctx, out, StepFamily, err, retryInput{})
		} else {
			out.add(StepFamily, StatusOK, fmt.Sprintf("%d dependents deactivated", n))
		}
	default:
		return nil, errBadPayload(in.Action)
	}
	return out, nil
}

func errBadPayload(action string) error {
	return fmt.Errorf("%w: malformed retry payload for action %s", errs.ErrValidation, action)
}
