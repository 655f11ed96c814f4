package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTimeMatchers(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if !(AnyTime{}).Match(base) || (AnyTime{}).Match("x") {
		t.Fatalf("AnyTime mismatch")
	}
	within := TimeWithin{Want: base, Tolerance: time.Second}
	if !within.Match(base.Add(-500*time.Millisecond)) || within.Match(base.Add(2*time.Second)) {
		t.Fatalf("TimeWithin mismatch")
	}
	between := TimeBetween{From: base, To: base.Add(time.Hour)}
	if !between.Match(base) || !between.Match(base.Add(time.Hour)) || between.Match(base.Add(-time.Nanosecond)) {
		t.Fatalf("TimeBetween mismatch")
	}
	if !(NullTime{}).Match(nil) || !(NullTime{Time: base, Valid: true}).Match(base) {
		t.Fatalf("NullTime mismatch")
	}
}

func TestStringMatchers(t *testing.T) {
	if !(AnyUUID{}).Match(uuid.NewString()) || (AnyUUID{}).Match("nope") || (AnyUUID{}).Match(42) {
		t.Fatalf("AnyUUID mismatch")
	}
	if !(NullString{}).Match(nil) || (NullString{}).Match("x") {
		t.Fatalf("NullString invalid mismatch")
	}
	if !(NullString{String: "x", Valid: true}).Match("x") {
		t.Fatalf("NullString valid mismatch")
	}
}
