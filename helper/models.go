package helper

import (
	"slices"
	"time"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Location is the last reported position of a helper.
type Location struct {
	Lat       float64
	Lng       float64
	UpdatedAt time.Time
}

// WorkingHours declares when a helper takes jobs. Days is a weekday bitmask
// with bit 0 for Sunday. StartMinute and EndMinute are minutes after local
// midnight; EndMinute <= StartMinute describes a window that runs past midnight.
type WorkingHours struct {
	Days        uint8
	StartMinute int
	EndMinute   int
	TimeZone    string
}

// Declared reports whether the helper has published a schedule at all.
func (w WorkingHours) Declared() bool {
	return w.Days != 0
}

// Profile mirrors the helper_profiles columns read by the dispatcher.
type Profile struct {
	ID                 string
	UserID             string
	Location           *Location
	IsOnJob            bool
	IsAvailableNow     bool
	Categories         []string
	Verification       VerificationStatus
	Hours              WorkingHours
	TotalEarnings      int64
	TotalJobsCompleted int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (p Profile) Serves(category string) bool {
	return slices.Contains(p.Categories, category)
}
