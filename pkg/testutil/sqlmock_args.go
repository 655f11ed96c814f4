package testutil

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// AnyTime matches any time.Time argument.
type AnyTime struct{}

func (AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// TimeWithin matches a time within Tolerance of Want.
type TimeWithin struct {
	Want      time.Time
	Tolerance time.Duration
}

func (t TimeWithin) Match(v driver.Value) bool {
	got, ok := v.(time.Time)
	if !ok {
		return false
	}
	diff := got.Sub(t.Want)
	if diff < 0 {
		diff = -diff
	}
	return diff <= t.Tolerance
}

// TimeBetween matches a time in the closed range [From, To].
type TimeBetween struct {
	From, To time.Time
}

func (t TimeBetween) Match(v driver.Value) bool {
	got, ok := v.(time.Time)
	if !ok {
		return false
	}
	return !got.Before(t.From) && !got.After(t.To)
}

// AnyUUID matches a string that parses as a UUID.
type AnyUUID struct{}

func (AnyUUID) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NullString matches a nullable string; Valid=false expects nil.
type NullString struct {
	String string
	Valid  bool
}

func (n NullString) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullTime matches a nullable time; Valid=false expects nil.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n NullTime) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}
