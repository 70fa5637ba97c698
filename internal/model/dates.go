package model

import "time"

const day = 24 * time.Hour

// Date truncates t to its calendar date, expressed as midnight UTC.
// All membership dates in the domain are civil dates in this form.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the calendar date of now as observed in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Date(now.In(loc))
}

// DaysBetween returns b − a in whole calendar days.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)) / day)
}

// AddYear returns the same calendar date one year later.
func AddYear(t time.Time) time.Time {
	return Date(t).AddDate(1, 0, 0)
}
