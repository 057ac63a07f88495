// Package eligibility applies the business rules that decide whether a
// nearby helper may be offered a job. It is pure and never touches storage.
package eligibility

import (
	"errors"
	"time"

	"helpdispatch/geo"
	"helpdispatch/helper"
)

var (
	ErrNotVerified = errors.New("eligibility: helper not verified")
	ErrOnJob       = errors.New("eligibility: helper already on a job")
	ErrUnavailable = errors.New("eligibility: helper marked unavailable")
	ErrCategory    = errors.New("eligibility: category not served")
	ErrOffHours    = errors.New("eligibility: outside working hours")
)

// Check returns nil when p may receive an offer for category at the given
// instant, or the first rule it fails.
func Check(p helper.Profile, category string, at time.Time) error {
	switch {
	case p.Verification != helper.VerificationApproved:
		return ErrNotVerified
	case p.IsOnJob:
		return ErrOnJob
	case !p.IsAvailableNow:
		return ErrUnavailable
	case !p.Serves(category):
		return ErrCategory
	case !WithinHours(p.Hours, at):
		return ErrOffHours
	}
	return nil
}

// Filter keeps the eligible candidates, preserving their order.
func Filter(candidates []geo.Candidate, category string, at time.Time) []geo.Candidate {
	out := make([]geo.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if Check(c.Helper, category, at) == nil {
			out = append(out, c)
		}
	}
	return out
}

// WithinHours reports whether at falls inside the declared schedule,
// evaluated in the helper's time zone. A helper without a schedule is
// always inside it. Unknown zones fall back to UTC.
func WithinHours(w helper.WorkingHours, at time.Time) bool {
	if !w.Declared() {
		return true
	}

	loc := time.UTC
	if w.TimeZone != "" {
		if l, err := time.LoadLocation(w.TimeZone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	switch {
	case w.StartMinute == w.EndMinute:
		return worksOn(w.Days, day)
	case w.StartMinute < w.EndMinute:
		return worksOn(w.Days, day) && minute >= w.StartMinute && minute < w.EndMinute
	default:
		// Overnight shift: the late part belongs to today, the early part to
		// the shift that started yesterday.
		if minute >= w.StartMinute {
			return worksOn(w.Days, day)
		}
		if minute < w.EndMinute {
			return worksOn(w.Days, (day+6)%7)
		}
		return false
	}
}

func worksOn(days uint8, d time.Weekday) bool {
	return days&(1<<uint(d)) != 0
}
