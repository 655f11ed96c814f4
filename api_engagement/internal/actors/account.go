package actors

import (
	"slices"
	"time"
)

// Account is one automated identity. Empty PreferredHours or ActiveDays
// mean the account has no restriction on that axis.
type Account struct {
	ID             int64
	UserID         int64
	Persona        Persona
	Active         bool
	DailyCap       int
	UsedToday      int
	PreferredHours []int
	ActiveDays     []int
	CreatedAt      time.Time
}

func (a Account) UnderCap() bool {
	return a.UsedToday < a.DailyCap
}

// InWindow reports whether t falls in the account's preferred hours and
// active days. t should already be in the engine's time zone.
func (a Account) InWindow(t time.Time) bool {
	if len(a.PreferredHours) > 0 && !slices.Contains(a.PreferredHours, t.Hour()) {
		return false
	}
	if len(a.ActiveDays) > 0 && !slices.Contains(a.ActiveDays, int(t.Weekday())) {
		return false
	}
	return true
}

func (a Account) AgeAt(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}
