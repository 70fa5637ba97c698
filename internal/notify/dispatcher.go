package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/model"
)

// Message is one outbound email request.
type Message struct {
	To       string            `json:"to"`
	Name     string            `json:"name"`
	Template string            `json:"template"`
	Fields   map[string]string `json:"fields"`
}

// Mailer delivers rendered messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Outcome describes what Dispatch did.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeAutoPay    Outcome = "skipped_auto_pay"
	OutcomeNoEmail    Outcome = "skipped_no_email"
	OutcomeSuppressed Outcome = "suppressed"
)

// Config controls delivery.
type Config struct {
	Environment string   // "production" disables suppression
	Suppress    bool     // suppress outside production
	AllowList   []string // recipients delivered even when suppressed
}

// Dispatcher sends reminder emails to manually paying accounts.
type Dispatcher struct {
	mailer Mailer
	cfg    Config
	allow  map[string]struct{}
	log    *zap.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(m Mailer, cfg Config, log *zap.Logger) *Dispatcher {
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, a := range cfg.AllowList {
		allow[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{mailer: m, cfg: cfg, allow: allow, log: log.With(zap.String("component", "notify"))}
}

// Suppressed reports whether delivery to addr is blocked in this environment.
func (d *Dispatcher) Suppressed(addr string) bool {
	if d.cfg.Environment == "production" || !d.cfg.Suppress {
		return false
	}
	_, ok := d.allow[strings.ToLower(strings.TrimSpace(addr))]
	return !ok
}

// Dispatch sends template to the account. Only offline payers receive
// reminders; auto-pay accounts renew without them.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Account, template string, offset int) (Outcome, error) {
	if a.PaymentMethod != model.PaymentOffline {
		return OutcomeAutoPay, nil
	}
	if strings.TrimSpace(a.Email) == "" {
		return OutcomeNoEmail, nil
	}
	msg := Render(a, template, offset)
	if d.Suppressed(msg.To) {
		d.log.Info("notification suppressed",
			zap.String("account", a.ID.String()),
			zap.String("template", template),
			zap.String("environment", d.cfg.Environment),
		)
		return OutcomeSuppressed, nil
	}
	if err := d.mailer.Send(ctx, msg); err != nil {
		return "", err
	}
	d.log.Info("notification sent",
		zap.String("account", a.ID.String()),
		zap.String("template", template),
		zap.Int("offset", offset),
	)
	return OutcomeSent, nil
}

// Render builds the message with its merge fields.
func Render(a *model.Account, template string, offset int) Message {
	renewal := ""
	if a.RenewalDate != nil {
		renewal = a.RenewalDate.Format(time.DateOnly)
	}
	return Message{
		To:       strings.TrimSpace(a.Email),
		Name:     a.DisplayName(),
		Template: template,
		Fields: map[string]string{
			"first_name":      a.FirstName,
			"membership_type": a.MembershipType,
			"renewal_date":    renewal,
			"day_offset":      strconv.Itoa(offset),
		},
	}
}
