package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"helpdispatch/geo"
	"helpdispatch/helper"
)

const (
	sunday   = 1 << 0
	monday   = 1 << 1
	tuesday  = 1 << 2
	weekdays = 0b0111110
	everyDay = 0b1111111
	nineAM   = 9 * 60
	sixPM    = 18 * 60
)

func approved(id string) helper.Profile {
	return helper.Profile{
		ID:             id,
		Verification:   helper.VerificationApproved,
		IsAvailableNow: true,
		Categories:     []string{"plumbing", "electrical"},
	}
}

func TestCheck_Rules(t *testing.T) {
	monday10 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // a Monday

	cases := []struct {
		name   string
		mutate func(*helper.Profile)
		want   error
	}{
		{"eligible", func(*helper.Profile) {}, nil},
		{"pending verification", func(p *helper.Profile) { p.Verification = helper.VerificationPending }, ErrNotVerified},
		{"rejected", func(p *helper.Profile) { p.Verification = helper.VerificationRejected }, ErrNotVerified},
		{"on job", func(p *helper.Profile) { p.IsOnJob = true }, ErrOnJob},
		{"unavailable", func(p *helper.Profile) { p.IsAvailableNow = false }, ErrUnavailable},
		{"wrong category", func(p *helper.Profile) { p.Categories = []string{"cleaning"} }, ErrCategory},
		{"off day", func(p *helper.Profile) {
			p.Hours = helper.WorkingHours{Days: sunday, StartMinute: nineAM, EndMinute: sixPM}
		}, ErrOffHours},
		{"on shift", func(p *helper.Profile) {
			p.Hours = helper.WorkingHours{Days: weekdays, StartMinute: nineAM, EndMinute: sixPM}
		}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := approved("h")
			tc.mutate(&p)
			assert.Equal(t, tc.want, Check(p, "plumbing", monday10))
		})
	}
}

func TestWithinHours_TimeZoneAndOvernight(t *testing.T) {
	// 02:30 UTC Tuesday is 08:00 Tuesday in Asia/Kolkata.
	at := time.Date(2025, 6, 3, 2, 30, 0, 0, time.UTC)
	kolkata := helper.WorkingHours{Days: tuesday, StartMinute: 8 * 60, EndMinute: 12 * 60, TimeZone: "Asia/Kolkata"}
	assert.True(t, WithinHours(kolkata, at))

	utc := kolkata
	utc.TimeZone = "UTC"
	assert.False(t, WithinHours(utc, at), "02:30 UTC is before an 08:00 UTC start")

	bogus := kolkata
	bogus.TimeZone = "Mars/Olympus"
	assert.False(t, WithinHours(bogus, at), "unknown zones are evaluated in UTC")

	// Monday 22:00 to 06:00 shift.
	night := helper.WorkingHours{Days: monday, StartMinute: 22 * 60, EndMinute: 6 * 60}
	assert.True(t, WithinHours(night, time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)), "Monday 23:00")
	assert.True(t, WithinHours(night, time.Date(2025, 6, 3, 5, 59, 0, 0, time.UTC)), "Tuesday 05:59 belongs to Monday's shift")
	assert.False(t, WithinHours(night, time.Date(2025, 6, 3, 6, 0, 0, 0, time.UTC)), "end is exclusive")
	assert.False(t, WithinHours(night, time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)), "Monday 05:00 belongs to Sunday's shift")
	assert.False(t, WithinHours(night, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)))

	allDay := helper.WorkingHours{Days: everyDay}
	assert.True(t, WithinHours(allDay, time.Date(2025, 6, 7, 3, 0, 0, 0, time.UTC)))

	assert.True(t, WithinHours(helper.WorkingHours{}, at), "no schedule means always available")
}

func TestFilter_PreservesOrder(t *testing.T) {
	at := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	busy := approved("busy")
	busy.IsOnJob = true

	in := []geo.Candidate{
		{Helper: approved("a"), DistanceKm: 0.5},
		{Helper: busy, DistanceKm: 1.0},
		{Helper: approved("b"), DistanceKm: 2.0},
		{Helper: approved("c"), DistanceKm: 3.0},
	}
	out := Filter(in, "plumbing", at)

	assert.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Helper.ID)
	assert.Equal(t, "b", out[1].Helper.ID)
	assert.Equal(t, "c", out[2].Helper.ID)
	assert.Empty(t, Filter(nil, "plumbing", at))
}
