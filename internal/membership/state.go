// Package membership derives membership state and applies renewals and
// deactivations to the CRM membership history.
package membership

import (
	"sort"
	"time"

	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/settings"
)

// Policy holds the day windows used to derive state.
type Policy struct {
	GraceDays     int // days after finish an account stays overdue
	LookAheadDays int // days before finish an account is due soon
}

// DefaultPolicy is a 30 day grace window and a 30 day look-ahead.
func DefaultPolicy() Policy {
	return Policy{GraceDays: 30, LookAheadDays: 30}
}

// Evaluate derives the state from a finish (renewal) date.
func Evaluate(finish *time.Time, today time.Time, p Policy) model.MembershipState {
	if finish == nil || finish.IsZero() {
		return model.StateUnknown
	}
	left := model.DaysBetween(today, *finish)
	switch {
	case left > p.LookAheadDays:
		return model.StateActive
	case left >= 0:
		return model.StateDueSoon
	case -left <= p.GraceDays:
		return model.StateOverdue
	default:
		return model.StateInactive
	}
}

// Current returns every period still running on today, latest finish
// first. The first element is the current period.
func Current(periods []model.MembershipPeriod, today time.Time) []model.MembershipPeriod {
	var out []model.MembershipPeriod
	for _, p := range periods {
		if p.IsCurrent(today) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Finish.After(out[j].Finish) })
	return out
}

type roleKey struct {
	role model.Role
	kind settings.LevelKind
}

// roles maps the current role and the purchased level kind to the new role.
var roles = map[roleKey]model.Role{
	{model.RoleNone, settings.KindIndividual}:        model.RoleMember,
	{model.RoleNone, settings.KindFamily}:            model.RoleFamilyOwner,
	{model.RoleMember, settings.KindIndividual}:      model.RoleMember,
	{model.RoleMember, settings.KindFamily}:          model.RoleFamilyOwner,
	{model.RoleFamilyOwner, settings.KindIndividual}: model.RoleMember,
	{model.RoleFamilyOwner, settings.KindFamily}:     model.RoleFamilyOwner,
	{model.RoleDependent, settings.KindIndividual}:   model.RoleDependent,
	{model.RoleDependent, settings.KindFamily}:       model.RoleDependent,
}

// NextRole returns the role an account holds after buying a level of kind.
func NextRole(current model.Role, kind settings.LevelKind) model.Role {
	if current == "" {
		current = model.RoleNone
	}
	if r, ok := roles[roleKey{current, kind}]; ok {
		return r
	}
	return current
}

// DowngradedRole is the role left after a membership ends. Dependents keep
// their link to the owner.
func DowngradedRole(current model.Role) model.Role {
	if current == model.RoleDependent {
		return model.RoleDependent
	}
	return model.RoleNone
}
