// Package maintenance holds the engine's periodic housekeeping: the daily
// usage reset and the sweep for plan entries that lost their job.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"vibeslop/pkg/logging"
)

type UsageStore interface {
	ResetUsage(ctx context.Context) (int64, error)
}

// UsageResetter zeroes every account's daily usage once a day at a fixed
// wall-clock time.
type UsageResetter struct {
	store  UsageStore
	hour   int
	minute int
	loc    *time.Location
	logger logging.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type ResetterConfig struct {
	Store UsageStore
	// At is the local reset time as HH:MM. Defaults to 00:00.
	At       string
	Location *time.Location
	Logger   logging.Logger
}

func NewUsageResetter(cfg ResetterConfig) (*UsageResetter, error) {
	at := cfg.At
	if at == "" {
		at = "00:00"
	}
	hour, minute, err := ParseClock(at)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &UsageResetter{
		store:  cfg.Store,
		hour:   hour,
		minute: minute,
		loc:    loc,
		logger: cfg.Logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}, nil
}

// ParseClock reads an HH:MM wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Reset zeroes usage now. Safe to call more than once a day.
func (r *UsageResetter) Reset(ctx context.Context) (int64, error) {
	n, err := r.store.ResetUsage(ctx)
	if err != nil {
		return 0, err
	}
	r.logger.WithField("accounts", n).Info("Reset daily engagement usage")
	return n, nil
}

// NextRun returns the first reset time strictly after now.
func (r *UsageResetter) NextRun(now time.Time) time.Time {
	local := now.In(r.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), r.hour, r.minute, 0, 0, r.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, r.hour, r.minute, 0, 0, r.loc)
	}
	return next
}

// Run resets usage at every scheduled time until ctx is cancelled. A failed
// reset is logged and retried at the next scheduled time.
func (r *UsageResetter) Run(ctx context.Context) error {
	for {
		next := r.NextRun(r.now())
		r.logger.WithField("next_reset", next.Format(time.RFC3339)).Debug("Waiting for usage reset")
		if err := r.sleep(ctx, next.Sub(r.now())); err != nil {
			return nil
		}
		if _, err := r.Reset(ctx); err != nil {
			r.logger.WithError(err).Error("Daily usage reset failed")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
