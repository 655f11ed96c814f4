// Package executor performs planned engagements when their time comes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/domain"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/store"
	"vibeslop/pkg/kafka"
	"vibeslop/pkg/logging"
)

type Store interface {
	GetEntry(ctx context.Context, id string) (models.PlanEntry, error)
	ClaimEntry(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	ReleaseEntry(ctx context.Context, id string, lastErr string) error
	Transition(ctx context.Context, id string, status models.Status, reason string, now time.Time) (bool, error)
	CompleteEntry(ctx context.Context, id string, now time.Time) (bool, error)
	ReserveUsage(ctx context.Context, actorID int64, limit int) (bool, error)
	ReleaseUsage(ctx context.Context, actorID int64) error
}

type Actors interface {
	Get(ctx context.Context, id int64) (actors.Account, error)
}

// Platform performs engagements as a given user.
type Platform interface {
	CreateLike(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (domain.Outcome, error)
	CreateRepost(ctx context.Context, userID, postID int64) (domain.Outcome, error)
	CreateComment(ctx context.Context, userID int64, targetType models.TargetType, targetID int64, text string) (domain.Outcome, error)
	Follow(ctx context.Context, userID, targetUserID int64) (domain.Outcome, error)
	CreateBookmark(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (domain.Outcome, error)
	CreateQuotePost(ctx context.Context, userID int64, text string, quotedType models.TargetType, quotedID int64) (domain.Outcome, error)
	RecordView(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (domain.Outcome, error)
	IncrementViews(ctx context.Context, targetType models.TargetType, targetID int64) error
}

// Outcome is what one Execute call did to its entry.
type Outcome string

const (
	// Noop means the entry was missing, already terminal or leased elsewhere.
	Noop     Outcome = "noop"
	Executed Outcome = "executed"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
	// Retry means the attempt failed and the entry stays pending.
	Retry Outcome = "retry"
)

// Attempt identifies the delivery being executed.
type Attempt struct {
	Number int
	Max    int
}

const defaultMaxAttempts = 3

// final reports whether no further attempt will follow. Claims counted on
// the entry cap the total even when a swept entry restarts its job count.
func (a Attempt) final(claims int) bool {
	limit := a.Max
	if limit <= 0 {
		limit = defaultMaxAttempts
	}
	return a.Number >= limit || claims >= limit
}

// OutcomeTopic receives one event per entry transition.
const OutcomeTopic = "engagement.outcomes"

var errInvalidEntry = errors.New("invalid plan entry")

type Config struct {
	// Lease is how long a claimed entry is reserved for one worker.
	Lease       time.Duration
	CallTimeout time.Duration
}

type Metrics struct {
	Executions *prometheus.CounterVec // type, status
}

type Executor struct {
	store     Store
	actors    Actors
	platform  Platform
	publisher kafka.Publisher
	cfg       Config
	logger    logging.Logger
	metrics   Metrics
	now       func() time.Time
}

// New builds an executor. publisher may be nil.
func New(st Store, dir Actors, platform Platform, publisher kafka.Publisher, cfg Config, logger logging.Logger, metrics Metrics) *Executor {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Executor{
		store:     st,
		actors:    dir,
		platform:  platform,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Execute runs one plan entry. It is safe under redelivery: only the
// caller that wins the lease acts, and terminal entries are left alone.
// A non-nil error with Outcome Retry asks the caller to redeliver later;
// any other error is infrastructure trouble before the entry was touched.
func (x *Executor) Execute(ctx context.Context, entryID string, attempt Attempt) (Outcome, error) {
	entry, err := x.store.GetEntry(ctx, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return Noop, nil
	}
	if err != nil {
		return Noop, err
	}
	if entry.Status.Terminal() {
		return Noop, nil
	}

	now := x.now()
	claimed, err := x.store.ClaimEntry(ctx, entry.ID, now, now.Add(x.cfg.Lease))
	if err != nil {
		return Noop, err
	}
	if !claimed {
		return Noop, nil
	}
	// the claim counted this attempt
	entry.Attempts++

	log := x.logger.WithFields(logging.Fields{
		"entry_id":        entry.ID,
		"actor_id":        entry.ActorID,
		"engagement_type": entry.Type,
		"content_id":      entry.ContentID,
		"attempt":         entry.Attempts,
	})

	account, err := x.actors.Get(ctx, entry.ActorID)
	switch {
	case errors.Is(err, actors.ErrNotFound):
		return x.skip(ctx, entry, "actor no longer exists", log)
	case err != nil:
		return x.retry(ctx, entry, fmt.Errorf("load actor %d: %w", entry.ActorID, err), log)
	case !account.Active:
		return x.skip(ctx, entry, "actor inactive", log)
	case !account.UnderCap():
		return x.skip(ctx, entry, "actor at daily cap", log)
	}

	// The account read above may race other entries for the same actor; the
	// reservation is the authoritative cap check. A crash between reserve and
	// complete leaks the slot until the daily reset.
	reserved, err := x.store.ReserveUsage(ctx, account.ID, account.DailyCap)
	if err != nil {
		return x.retry(ctx, entry, err, log)
	}
	if !reserved {
		return x.skip(ctx, entry, "actor at daily cap", log)
	}

	if err := x.perform(ctx, entry, account, log); err != nil {
		x.releaseUsage(ctx, account.ID, log)
		if permanent(err) || attempt.final(entry.Attempts) {
			return x.fail(ctx, entry, err, log)
		}
		return x.retry(ctx, entry, err, log)
	}

	done, err := x.store.CompleteEntry(ctx, entry.ID, x.now())
	if err != nil {
		// the engagement happened; the redelivery reserves again and finds
		// it already done
		x.releaseUsage(ctx, account.ID, log)
		return x.retry(ctx, entry, err, log)
	}
	if !done {
		x.releaseUsage(ctx, account.ID, log)
		return Noop, nil
	}
	x.record(ctx, entry, Executed, "")
	log.Debug("Engagement executed")
	return Executed, nil
}

func (x *Executor) releaseUsage(ctx context.Context, actorID int64, log logging.Entry) {
	if err := x.store.ReleaseUsage(ctx, actorID); err != nil {
		log.WithError(err).Warn("Failed to release usage slot")
	}
}

// perform records the view first for content targets, then dispatches the
// engagement. Already-done outcomes count as success.
func (x *Executor) perform(ctx context.Context, e models.PlanEntry, account actors.Account, log logging.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.CallTimeout)
	defer cancel()

	if e.Type.TargetsContent() {
		viewed, err := x.platform.RecordView(ctx, account.UserID, e.TargetType, e.TargetID)
		if err != nil {
			return fmt.Errorf("record view: %w", err)
		}
		if viewed == domain.Done {
			if err := x.platform.IncrementViews(ctx, e.TargetType, e.TargetID); err != nil {
				// the view row exists, so the counter only lags
				log.WithError(err).Warn("Failed to increment view counter")
			}
		}
	}

	text := e.Metadata[models.MetadataText]
	var (
		outcome domain.Outcome
		err     error
	)
	switch e.Type {
	case models.Like:
		outcome, err = x.platform.CreateLike(ctx, account.UserID, e.TargetType, e.TargetID)
	case models.Repost:
		if e.TargetType != models.TargetPost {
			return fmt.Errorf("%w: repost of %s", errInvalidEntry, e.TargetType)
		}
		outcome, err = x.platform.CreateRepost(ctx, account.UserID, e.TargetID)
	case models.Comment:
		if text == "" {
			return fmt.Errorf("%w: comment without text", errInvalidEntry)
		}
		outcome, err = x.platform.CreateComment(ctx, account.UserID, e.TargetType, e.TargetID, text)
	case models.Follow:
		outcome, err = x.platform.Follow(ctx, account.UserID, e.TargetID)
	case models.Bookmark:
		outcome, err = x.platform.CreateBookmark(ctx, account.UserID, e.TargetType, e.TargetID)
	case models.Quote:
		if text == "" {
			return fmt.Errorf("%w: quote without text", errInvalidEntry)
		}
		outcome, err = x.platform.CreateQuotePost(ctx, account.UserID, text, e.TargetType, e.TargetID)
	default:
		return fmt.Errorf("%w: unknown engagement type %q", errInvalidEntry, e.Type)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	if outcome == domain.AlreadyDone {
		log.Debug("Engagement already present")
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrTargetGone) ||
		errors.Is(err, domain.ErrRejected) ||
		errors.Is(err, errInvalidEntry)
}

func (x *Executor) skip(ctx context.Context, e models.PlanEntry, reason string, log logging.Entry) (Outcome, error) {
	ok, err := x.store.Transition(ctx, e.ID, models.StatusSkipped, reason, x.now())
	if err != nil {
		return Noop, err
	}
	if !ok {
		return Noop, nil
	}
	x.record(ctx, e, Skipped, reason)
	log.WithField("reason", reason).Debug("Engagement skipped")
	return Skipped, nil
}

func (x *Executor) fail(ctx context.Context, e models.PlanEntry, cause error, log logging.Entry) (Outcome, error) {
	ok, err := x.store.Transition(ctx, e.ID, models.StatusFailed, cause.Error(), x.now())
	if err != nil {
		return Noop, err
	}
	if !ok {
		return Noop, nil
	}
	x.record(ctx, e, Failed, cause.Error())
	log.WithError(cause).Warn("Engagement failed")
	return Failed, nil
}

func (x *Executor) retry(ctx context.Context, e models.PlanEntry, cause error, log logging.Entry) (Outcome, error) {
	if err := x.store.ReleaseEntry(ctx, e.ID, cause.Error()); err != nil {
		log.WithError(err).Warn("Failed to release entry lease")
	}
	if x.metrics.Executions != nil {
		x.metrics.Executions.WithLabelValues(string(e.Type), string(Retry)).Inc()
	}
	log.WithError(cause).Info("Engagement attempt failed, will retry")
	return Retry, cause
}

type outcomeEvent struct {
	EntryID     string                `json:"entry_id"`
	ActorID     int64                 `json:"actor_id"`
	Type        models.EngagementType `json:"engagement_type"`
	TargetType  models.TargetType     `json:"target_type"`
	TargetID    int64                 `json:"target_id"`
	ContentType models.ContentType    `json:"content_type"`
	ContentID   int64                 `json:"content_id"`
	Status      Outcome               `json:"status"`
	Reason      string                `json:"reason,omitempty"`
	Attempts    int                   `json:"attempts"`
}

func (x *Executor) record(ctx context.Context, e models.PlanEntry, outcome Outcome, reason string) {
	if x.metrics.Executions != nil {
		x.metrics.Executions.WithLabelValues(string(e.Type), string(outcome)).Inc()
	}
	if x.publisher == nil {
		return
	}
	event, err := kafka.NewEvent("engagement."+string(outcome), "bosun", e.ID, outcomeEvent{
		EntryID:     e.ID,
		ActorID:     e.ActorID,
		Type:        e.Type,
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		ContentType: e.ContentType,
		ContentID:   e.ContentID,
		Status:      outcome,
		Reason:      reason,
		Attempts:    e.Attempts,
	}, x.now())
	if err == nil {
		err = kafka.PublishEvent(ctx, x.publisher, OutcomeTopic, event)
	}
	if err != nil {
		x.logger.WithError(err).WithField("entry_id", e.ID).Warn("Failed to publish engagement outcome")
	}
}
