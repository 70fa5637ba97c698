// Package notify maps renewal day offsets to reminder templates and sends them.
package notify

import (
	"fmt"
	"sort"

	"github.com/and161185/memsync/internal/model"
)

// Template ids of the default schedule.
const (
	TemplateInactiveNotice = "inactive-notice"
	TemplatePastDue        = "past-due"
	TemplateDueToday       = "due-today"
	TemplateReminder7      = "reminder-7"
	TemplateReminder14     = "reminder-14"
	TemplateReminder30     = "reminder-30"
)

// DefaultRules is the stock offset table. Offsets are today minus the
// renewal date in days.
func DefaultRules() []model.NotificationRule {
	return []model.NotificationRule{
		{From: -30, To: -30, Template: TemplateInactiveNotice},
		{From: -29, To: -1, Template: TemplatePastDue},
		{From: 0, To: 0, Template: TemplateDueToday},
		{From: 7, To: 7, Template: TemplateReminder7},
		{From: 14, To: 14, Template: TemplateReminder14},
		{From: 30, To: 30, Template: TemplateReminder30},
	}
}

// Schedule resolves a day offset to at most one template.
type Schedule struct {
	rules []model.NotificationRule // sorted by From, non-overlapping
}

// NewSchedule validates rules and builds a schedule.
func NewSchedule(rules []model.NotificationRule) (*Schedule, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	sorted := append([]model.NotificationRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	return &Schedule{rules: sorted}, nil
}

// ValidateRules rejects empty templates, inverted and overlapping ranges.
func ValidateRules(rules []model.NotificationRule) error {
	sorted := append([]model.NotificationRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	for i, r := range sorted {
		if r.Template == "" {
			return fmt.Errorf("notification rule [%d..%d]: template is required", r.From, r.To)
		}
		if r.From > r.To {
			return fmt.Errorf("notification rule %q: from %d > to %d", r.Template, r.From, r.To)
		}
		if i > 0 && sorted[i-1].To >= r.From {
			return fmt.Errorf("notification rules %q and %q overlap", sorted[i-1].Template, r.Template)
		}
	}
	return nil
}

// Template returns the template for offset; unmapped offsets send nothing.
func (s *Schedule) Template(offset int) (string, bool) {
	i := sort.Search(len(s.rules), func(i int) bool { return s.rules[i].To >= offset })
	if i < len(s.rules) && s.rules[i].From <= offset {
		return s.rules[i].Template, true
	}
	return "", false
}
