// Package model defines domain entities used by services and repositories.
package model

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the local directory role of an account.
type Role string

const (
	RoleMember      Role = "member"
	RoleFamilyOwner Role = "family_owner"
	RoleDependent   Role = "dependent"
	RoleNone        Role = "none"
)

// MembershipState is derived on every evaluation; the CRM never stores it.
type MembershipState string

const (
	StateActive   MembershipState = "active"
	StateDueSoon  MembershipState = "due_soon"
	StateOverdue  MembershipState = "overdue"
	StateInactive MembershipState = "inactive"
	StateUnknown  MembershipState = "unknown"
)

// PaymentMethod is the billing channel of an account.
type PaymentMethod string

const (
	PaymentOnline  PaymentMethod = "online"
	PaymentOffline PaymentMethod = "offline"
)

// Address is a postal address copied to and from the CRM.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Account is a local identity owned by the directory. The engine only mutates
// the membership fields and the remote constituent binding.
type Account struct {
	ID             uuid.UUID
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	Company        string
	Address        Address
	Role           Role
	ConstituentID  string     // empty until resolved
	MembershipType string     // level name
	RenewalDate    *time.Time // calendar date, nil = not yet provisioned
	State          MembershipState
	PaymentMethod  PaymentMethod
	ParentID       uuid.NullUUID // set for dependents
	Dependents     []uuid.UUID
	UpdatedAt      time.Time
}

// DisplayName joins first and last name.
func (a *Account) DisplayName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Linked reports whether the account is bound to a remote constituent.
func (a *Account) Linked() bool { return a.ConstituentID != "" }

// Constituent is the CRM-side person record.
type Constituent struct {
	ID        string  `json:"id,omitempty"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Email     string  `json:"email,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Company   string  `json:"company,omitempty"`
	Address   Address `json:"address,omitempty"`
}

// Name returns the constituent's full name.
func (c Constituent) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// MembershipPeriod is one row of a constituent's membership history.
type MembershipPeriod struct {
	ID        string    `json:"id,omitempty"`
	LevelID   string    `json:"level_id"`
	LevelName string    `json:"level_name,omitempty"`
	Start     time.Time `json:"start"`
	Finish    time.Time `json:"finish"`
	Note      string    `json:"note,omitempty"`
}

// IsCurrent reports whether the period is still running on day.
func (p MembershipPeriod) IsCurrent(day time.Time) bool {
	return !Date(p.Finish).Before(Date(day))
}

// Gift is a remote payment record.
type Gift struct {
	ID            string    `json:"id,omitempty"`
	ConstituentID string    `json:"constituent_id"`
	Amount        Cents     `json:"amount"`
	Date          time.Time `json:"date"`
	FundID        string    `json:"fund_id"`
	CampaignID    string    `json:"campaign_id,omitempty"`
	AppealID      string    `json:"appeal_id,omitempty"`
	Kind          Category  `json:"type"`
	Reference     string    `json:"reference"`
}

// Fund is CRM reference data.
type Fund struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Level is a CRM membership level.
type Level struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PaymentRecord maps a local order to the remote gift created for it.
// At most one exists per OrderID; it is never updated or deleted.
type PaymentRecord struct {
	OrderID       string
	GiftID        string
	ConstituentID string
	Amount        Cents
	Kind          Category
	RecordedAt    time.Time
}

// FamilySlots is the dependent slot ledger of one family owner.
type FamilySlots struct {
	OwnerID uuid.UUID
	Total   int
	Used    int
}

// Available returns free slots, floored at zero.
func (s FamilySlots) Available() int {
	if s.Used >= s.Total {
		return 0
	}
	return s.Total - s.Used
}

// NotificationRule maps an inclusive range of day offsets to a template id.
type NotificationRule struct {
	From     int    `yaml:"from" json:"from"`
	To       int    `yaml:"to" json:"to"`
	Template string `yaml:"template" json:"template"`
}

// SyncFailure is a recorded pipeline step failure awaiting operator retry.
type SyncFailure struct {
	ID         uuid.UUID
	EventKind  string // order, registration, status, sweep
	Reference  string // order id or account id
	Step       string
	Message    string
	Payload    []byte // JSON input of the failed step
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
