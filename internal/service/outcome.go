package service

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/memsync/internal/family"
	"github.com/and161185/memsync/internal/membership"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/payment"
)

// Step names shown to operators.
const (
	StepLoad        = "load"
	StepClassify    = "classify"
	StepIdentity    = membership.StepIdentity
	StepMembership  = membership.StepMembership
	StepPayment     = membership.StepPayment
	StepAccount     = membership.StepAccount
	StepDeactivate  = membership.StepDeactivate
	StepFamily      = "family"
	StepSlots       = family.StepSlots
	StepProfile     = "profile"
	StepConstituent = "constituent"
)

// Status of one pipeline step.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected" // business rule refusal, not recorded as a failure
	StatusSkipped  Status = "skipped"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Step      string `json:"step"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
	FailureID string `json:"failure_id,omitempty"`
}

// Outcome lists what happened to an event. It is returned even when steps
// failed.
type Outcome struct {
	Event     string       `json:"event"`
	Reference string       `json:"reference"`
	Steps     []StepResult `json:"steps"`

	replay bool // failures stay on the record being retried
}

func newOutcome(event, ref string) *Outcome {
	return &Outcome{Event: event, Reference: ref, Steps: []StepResult{}}
}

func (o *Outcome) add(step string, st Status, detail string) {
	o.Steps = append(o.Steps, StepResult{Step: step, Status: st, Detail: detail})
}

// Failed counts failed steps.
func (o *Outcome) Failed() int {
	n := 0
	for _, s := range o.Steps {
		if s.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Event kinds stored on sync failures.
const (
	EventOrder        = "order"
	EventRegistration = "registration"
	EventStatus       = "status"
)

// Retry actions stored in failure payloads.
const (
	actionOrder           = "order"
	actionLine            = "line"
	actionPayment         = "payment"
	actionAccount         = "account"
	actionSlots           = "slots"
	actionActivate        = "activate"
	actionRenewDependents = "renew_dependents"
	actionRenewal         = "renewal"
	actionDeactivate      = "deactivate"
	actionCascade         = "cascade_deactivate"
	actionRegistration    = "registration"
	actionStatus          = "status"
)

// retryInput is the JSON payload of a sync failure: the input of the step
// that failed.
type retryInput struct {
	Action       string                     `json:"action"`
	AccountID    uuid.UUID                  `json:"account_id,omitempty"`
	Actor        string                     `json:"actor,omitempty"`
	OrderID      string                     `json:"order_id,omitempty"`
	Order        *model.OrderCompleted      `json:"order,omitempty"`
	Line         int                        `json:"line,omitempty"`
	Payment      *payment.Request           `json:"payment,omitempty"`
	Account      *accountSnapshot           `json:"account,omitempty"`
	Slots        *slotChange                `json:"slots,omitempty"`
	Activation   *family.Activation         `json:"activation,omitempty"`
	Renewal      *membership.RenewalRequest `json:"renewal,omitempty"`
	Registration *model.Registration        `json:"registration,omitempty"`
	Status       *model.StatusChanged       `json:"status,omitempty"`
}

type slotChange struct {
	Total int `json:"total,omitempty"`
	Add   int `json:"add,omitempty"`
}

// accountSnapshot carries the membership fields of a failed local write.
type accountSnapshot struct {
	ID             uuid.UUID             `json:"id"`
	Role           model.Role            `json:"role"`
	MembershipType string                `json:"membership_type"`
	RenewalDate    *time.Time            `json:"renewal_date,omitempty"`
	State          model.MembershipState `json:"state"`
	PaymentMethod  model.PaymentMethod   `json:"payment_method"`
	ParentID       uuid.NullUUID         `json:"parent_id"`
}

func (in retryInput) encode() []byte {
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return b
}
