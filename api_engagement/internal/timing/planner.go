// Package timing spreads a batch of engagements over a content item's
// visibility window, front-loaded toward publication.
package timing

import (
	"math"
	"sort"
	"time"
)

// Rand is the random source the planner draws from.
type Rand interface {
	Float64() float64
}

// decayMass sets the decay constant so that about 95% of the exponential
// mass falls inside the lookahead (1 - e^-3).
const decayMass = 3.0

const resolution = time.Millisecond

// MinWindow is the smallest remaining window worth planning into. Content
// with less than this left in its window is planned from now instead.
const MinWindow = time.Minute

// CatchUp reports whether content created at createdAt has outlived its
// window at now and must be planned from now.
func CatchUp(createdAt time.Time, lookahead time.Duration, now time.Time) bool {
	return createdAt.Add(lookahead).Sub(now) < MinWindow
}

// Plan returns count ascending timestamps, each strictly after now and no
// later than createdAt+lookahead, or now+lookahead when the content is in
// catch-up. Offsets follow an exponential decay from the window start,
// truncated to the window. Timestamps are millisecond aligned.
func Plan(count int, createdAt time.Time, lookahead time.Duration, now time.Time, rng Rand) []time.Time {
	if count <= 0 || lookahead <= 0 {
		return nil
	}

	origin := createdAt
	if CatchUp(createdAt, lookahead, now) || createdAt.After(now) {
		origin = now
	}
	end := origin.Add(lookahead)

	lo := now.Sub(origin).Seconds()
	if lo < 0 {
		lo = 0
	}
	hi := lookahead.Seconds()
	lambda := decayMass / hi

	floor := now.Truncate(resolution).Add(resolution)
	ceiling := end.Truncate(resolution)

	out := make([]time.Time, count)
	for i := range out {
		offset := truncatedExp(1-rng.Float64(), lambda, lo, hi)
		ts := origin.Add(time.Duration(offset * float64(time.Second))).Truncate(resolution)
		if ts.Before(floor) {
			ts = floor
		}
		if ts.After(ceiling) {
			ts = ceiling
		}
		out[i] = ts
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	spread(out, floor, ceiling)
	return out
}

// truncatedExp maps u in (0,1] through the inverse CDF of an exponential
// with rate lambda restricted to [lo, hi].
func truncatedExp(u, lambda, lo, hi float64) float64 {
	a := math.Exp(-lambda * lo)
	b := math.Exp(-lambda * hi)
	x := -math.Log(a-u*(a-b)) / lambda
	if math.IsNaN(x) || x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// spread makes sorted timestamps strictly ascending inside [floor, ceiling]
// by nudging collisions forward, then pulling back anything pushed past
// ceiling. It only fails to separate values when the window holds fewer
// slots than timestamps.
func spread(ts []time.Time, floor, ceiling time.Time) {
	for i := 1; i < len(ts); i++ {
		if !ts[i].After(ts[i-1]) {
			ts[i] = ts[i-1].Add(resolution)
		}
	}
	last := len(ts) - 1
	if last < 0 || !ts[last].After(ceiling) {
		return
	}
	ts[last] = ceiling
	for i := last - 1; i >= 0; i-- {
		if !ts[i].Before(ts[i+1]) {
			ts[i] = ts[i+1].Add(-resolution)
		}
	}
	for i := range ts {
		if ts[i].Before(floor) {
			ts[i] = floor
		}
	}
}
