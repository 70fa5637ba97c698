// Package settings holds the business mapping tables: funds per purchase
// kind, the membership level catalog, product routing and notification rules.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/notify"
)

// LevelKind classifies a membership level for role assignment.
type LevelKind string

const (
	KindIndividual LevelKind = "individual"
	KindFamily     LevelKind = "family"
)

// FundMapping is the CRM designation of a payment.
type FundMapping struct {
	FundID     string `yaml:"fund_id"`
	CampaignID string `yaml:"campaign_id,omitempty"`
	AppealID   string `yaml:"appeal_id,omitempty"`
}

// Level is one entry of the membership level catalog.
type Level struct {
	Name        string       `yaml:"name"`
	RemoteID    string       `yaml:"remote_id,omitempty"`
	Kind        LevelKind    `yaml:"kind"`
	FamilySlots int          `yaml:"family_slots,omitempty"`
	Fund        *FundMapping `yaml:"fund,omitempty"`
}

// Settings is the persisted mapping blob.
type Settings struct {
	Funds         map[model.Category]FundMapping `yaml:"funds"`
	Levels        []Level                        `yaml:"levels"`
	Products      map[string]string              `yaml:"products,omitempty"`      // product id -> level name
	SlotProducts  map[string]int                 `yaml:"slot_products,omitempty"` // product id -> slots added
	Notifications []model.NotificationRule       `yaml:"notifications,omitempty"`
}

// Default returns empty mapping tables with the stock notification rules.
func Default() *Settings {
	return &Settings{
		Funds:         map[model.Category]FundMapping{},
		Notifications: notify.DefaultRules(),
	}
}

// Parse decodes a YAML blob strictly and validates it.
func Parse(raw []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if s.Funds == nil {
		s.Funds = map[model.Category]FundMapping{}
	}
	if len(s.Notifications) == 0 {
		s.Notifications = notify.DefaultRules()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Marshal encodes the settings as YAML.
func (s *Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Validate checks internal consistency. It does not consult the CRM.
func (s *Settings) Validate() error {
	var problems []string
	for kind, f := range s.Funds {
		switch kind {
		case model.CategoryMembership, model.CategoryClass, model.CategoryEvent:
		default:
			problems = append(problems, fmt.Sprintf("funds: unknown kind %q", kind))
		}
		if f.FundID == "" {
			problems = append(problems, fmt.Sprintf("funds.%s: fund_id is required", kind))
		}
	}
	seen := map[string]bool{}
	for i, l := range s.Levels {
		key := normalize(l.Name)
		switch {
		case key == "":
			problems = append(problems, fmt.Sprintf("levels[%d]: name is required", i))
		case seen[key]:
			problems = append(problems, fmt.Sprintf("levels[%d]: duplicate level %q", i, l.Name))
		}
		seen[key] = true
		if l.Kind != KindIndividual && l.Kind != KindFamily {
			problems = append(problems, fmt.Sprintf("levels[%d]: kind must be individual or family", i))
		}
		if l.FamilySlots < 0 || (l.Kind == KindIndividual && l.FamilySlots > 0) {
			problems = append(problems, fmt.Sprintf("levels[%d]: invalid family_slots %d", i, l.FamilySlots))
		}
		if l.Fund != nil && l.Fund.FundID == "" {
			problems = append(problems, fmt.Sprintf("levels[%d].fund: fund_id is required", i))
		}
	}
	for product, level := range s.Products {
		if !seen[normalize(level)] {
			problems = append(problems, fmt.Sprintf("products.%s: unknown level %q", product, level))
		}
	}
	for product, n := range s.SlotProducts {
		if n <= 0 {
			problems = append(problems, fmt.Sprintf("slot_products.%s: must add at least one slot", product))
		}
	}
	if err := notify.ValidateRules(s.Notifications); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New("invalid settings: " + strings.Join(problems, "; "))
	}
	return nil
}

// Level finds a catalog entry by name, ignoring case and spacing.
func (s *Settings) Level(name string) (Level, bool) {
	key := normalize(name)
	for _, l := range s.Levels {
		if normalize(l.Name) == key {
			return l, true
		}
	}
	return Level{}, false
}

// LevelForProduct returns the level sold by a product.
func (s *Settings) LevelForProduct(productID string) (Level, bool) {
	name, ok := s.Products[productID]
	if !ok {
		return Level{}, false
	}
	return s.Level(name)
}

// Fund returns the designation for a payment of kind. A membership level
// may override the membership fund. Missing mappings never fall back to
// another fund.
func (s *Settings) Fund(kind model.Category, level string) (FundMapping, error) {
	if kind == model.CategoryMembership && level != "" {
		if l, ok := s.Level(level); ok && l.Fund != nil {
			return *l.Fund, nil
		}
	}
	f, ok := s.Funds[kind]
	if !ok || f.FundID == "" {
		return FundMapping{}, fmt.Errorf("fund for %s payments: %w", kind, errs.ErrConfigurationMissing)
	}
	return f, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
