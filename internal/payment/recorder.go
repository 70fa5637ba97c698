// Package payment records remote gifts exactly once per local order reference.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/repository"
	"github.com/and161185/memsync/internal/settings"
)

// Gifts is the CRM write used by the recorder.
type Gifts interface {
	CreateGift(ctx context.Context, g model.Gift) (string, error)
}

// SettingsSource returns the current fund mapping.
type SettingsSource interface {
	Current(ctx context.Context) (*settings.Settings, error)
}

// Request describes one payment to record.
type Request struct {
	ConstituentID string         `json:"constituent_id"`
	OrderID       string         `json:"order_id"`
	Amount        model.Cents    `json:"amount"`
	Date          time.Time      `json:"date"`
	Kind          model.Category `json:"kind"`
	Level         string         `json:"level,omitempty"` // selects a level fund override for memberships
}

// Recorder creates gifts guarded by the payment ledger.
type Recorder struct {
	repo     repository.PaymentRepository
	gifts    Gifts
	settings SettingsSource
	group    singleflight.Group
	now      func() time.Time
	log      *zap.Logger
}

// NewRecorder constructs a recorder.
func NewRecorder(repo repository.PaymentRepository, gifts Gifts, s SettingsSource, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		repo:     repo,
		gifts:    gifts,
		settings: s,
		now:      time.Now,
		log:      log.With(zap.String("component", "payment")),
	}
}

// Record creates the remote gift for req.OrderID unless the ledger already
// holds it, in which case the existing record is returned together with
// errs.ErrAlreadyRecorded and the CRM is not called. Of concurrent calls for
// one order only the caller that created the gift gets a nil error. The ledger row is
// written only after the gift exists remotely.
func (r *Recorder) Record(ctx context.Context, req Request) (*model.PaymentRecord, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order id", errs.ErrValidation)
	}
	if req.ConstituentID == "" {
		return nil, fmt.Errorf("%w: payment without constituent", errs.ErrValidation)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: negative amount %s", errs.ErrValidation, req.Amount)
	}

	leader := false
	v, err, _ := r.group.Do(req.OrderID, func() (any, error) {
		leader = true
		return r.record(ctx, req)
	})
	rec, _ := v.(*model.PaymentRecord)
	if err == nil && !leader {
		// a concurrent call for the same order created the gift
		return rec, errs.ErrAlreadyRecorded
	}
	return rec, err
}

func (r *Recorder) record(ctx context.Context, req Request) (*model.PaymentRecord, error) {
	existing, err := r.repo.Get(ctx, req.OrderID)
	switch {
	case err == nil:
		r.log.Debug("payment already recorded", zap.String("order", req.OrderID), zap.String("gift", existing.GiftID))
		return existing, errs.ErrAlreadyRecorded
	case !errors.Is(err, errs.ErrNotFound):
		return nil, fmt.Errorf("check payment ledger: %w", err)
	}

	s, err := r.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	fund, err := s.Fund(req.Kind, req.Level)
	if err != nil {
		return nil, err
	}

	date := req.Date
	if date.IsZero() {
		date = r.now()
	}
	giftID, err := r.gifts.CreateGift(ctx, model.Gift{
		ConstituentID: req.ConstituentID,
		Amount:        req.Amount,
		Date:          model.Date(date),
		FundID:        fund.FundID,
		CampaignID:    fund.CampaignID,
		AppealID:      fund.AppealID,
		Kind:          req.Kind,
		Reference:     req.OrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("create gift: %w", err)
	}

	rec := &model.PaymentRecord{
		OrderID:       req.OrderID,
		GiftID:        giftID,
		ConstituentID: req.ConstituentID,
		Amount:        req.Amount,
		Kind:          req.Kind,
		RecordedAt:    r.now().UTC(),
	}
	if err := r.repo.Insert(ctx, *rec); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// a concurrent process won the insert; the gift just created is a duplicate
			r.log.Warn("duplicate remote gift, reconcile manually",
				zap.String("order", req.OrderID),
				zap.String("duplicate_gift", giftID),
			)
			winner, gerr := r.repo.Get(ctx, req.OrderID)
			if gerr != nil {
				return nil, fmt.Errorf("reload payment ledger: %w", gerr)
			}
			return winner, errs.ErrAlreadyRecorded
		}
		r.log.Error("gift created but ledger write failed",
			zap.String("order", req.OrderID),
			zap.String("gift", giftID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("store payment record: %w", err)
	}

	r.log.Info("payment recorded",
		zap.String("order", req.OrderID),
		zap.String("gift", giftID),
		zap.String("kind", string(req.Kind)),
		zap.Stringer("amount", req.Amount),
	)
	return rec, nil
}

// LineReference returns the ledger key of line item idx in an order. The
// first line uses the bare order id.
func LineReference(orderID string, idx int) string {
	if idx == 0 {
		return orderID
	}
	return fmt.Sprintf("%s#%d", orderID, idx+1)
}
