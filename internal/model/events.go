package model

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Cents is a monetary amount in minor units.
type Cents int64

// ParseCents parses a decimal amount such as "25", "25.5" or "25.50".
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	c := Cents(w*100 + f)
	if neg {
		c = -c
	}
	return c, nil
}

// String formats the amount with two decimals.
func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// MarshalJSON writes the amount as a decimal number.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal.
func (c *Cents) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	v, err := ParseCents(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Category is the kind of purchase, which also selects the CRM fund.
type Category string

const (
	CategoryMembership Category = "membership"
	CategoryClass      Category = "class"
	CategoryEvent      Category = "event"
)

// LineItem is one product in a completed order.
type LineItem struct {
	ProductID   string `json:"productId"`
	CategoryTag string `json:"categoryTag"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Cents  `json:"unitPrice"`
}

// Total is quantity times unit price; a zero quantity counts as one.
func (li LineItem) Total() Cents {
	q := li.Quantity
	if q <= 0 {
		q = 1
	}
	return Cents(q) * li.UnitPrice
}

// Purchase is a classified line item. Handlers implement PurchaseVisitor so
// that every category must be handled explicitly.
type Purchase interface {
	Item() LineItem
	Accept(v PurchaseVisitor) error
}

// PurchaseVisitor dispatches on the purchase category.
type PurchaseVisitor interface {
	VisitMembership(p MembershipPurchase) error
	VisitClass(p ClassPurchase) error
	VisitEvent(p EventPurchase) error
}

type MembershipPurchase struct{ LineItem }

type ClassPurchase struct{ LineItem }

type EventPurchase struct{ LineItem }

func (p MembershipPurchase) Item() LineItem { return p.LineItem }
func (p ClassPurchase) Item() LineItem      { return p.LineItem }
func (p EventPurchase) Item() LineItem      { return p.LineItem }

func (p MembershipPurchase) Accept(v PurchaseVisitor) error { return v.VisitMembership(p) }
func (p ClassPurchase) Accept(v PurchaseVisitor) error      { return v.VisitClass(p) }
func (p EventPurchase) Accept(v PurchaseVisitor) error      { return v.VisitEvent(p) }

// Classify maps a line item to its purchase kind by category tag.
func Classify(li LineItem) (Purchase, error) {
	switch Category(strings.ToLower(strings.TrimSpace(li.CategoryTag))) {
	case CategoryMembership:
		return MembershipPurchase{li}, nil
	case CategoryClass:
		return ClassPurchase{li}, nil
	case CategoryEvent:
		return EventPurchase{li}, nil
	default:
		return nil, fmt.Errorf("unknown category tag %q on product %q", li.CategoryTag, li.ProductID)
	}
}

// OrderCompleted is emitted by the commerce platform when an order is paid.
type OrderCompleted struct {
	OrderID       string            `json:"localOrderId"`
	AccountID     uuid.UUID         `json:"accountId"`
	LineItems     []LineItem        `json:"lineItems"`
	BillingFields map[string]string `json:"billingFields,omitempty"`
	CustomFields  map[string]string `json:"customFields,omitempty"`
	CompletedAt   time.Time         `json:"completedAt"`
}

// Registration is a submitted membership registration form.
type Registration struct {
	AccountID       uuid.UUID     `json:"accountId"`
	FirstName       string        `json:"firstName"`
	LastName        string        `json:"lastName"`
	Email           string        `json:"email"`
	Phone           string        `json:"phone,omitempty"`
	Company         string        `json:"company,omitempty"`
	Address         Address       `json:"address"`
	MembershipLevel string        `json:"membershipLevel,omitempty"`
	PaymentType     PaymentMethod `json:"paymentType,omitempty"`
	ParentAccountID uuid.NullUUID `json:"parentAccountId"`
}

// Subscription status values that end a membership.
const (
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// StatusChanged reports a subscription status transition.
type StatusChanged struct {
	AccountID uuid.UUID `json:"accountId"`
	NewStatus string    `json:"newStatus"`
}

// Ends reports whether the new status terminates the membership.
func (s StatusChanged) Ends() bool {
	st := strings.ToLower(s.NewStatus)
	return st == StatusCancelled || st == StatusExpired
}

