// Package orchestrator turns one published content item into a persisted,
// queued plan of automated engagements.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/jobs"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/profile"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/api_engagement/internal/selector"
	"vibeslop/api_engagement/internal/store"
	"vibeslop/api_engagement/internal/timing"
	"vibeslop/pkg/logging"
)

type Store interface {
	GetContent(ctx context.Context, contentType models.ContentType, id int64) (models.Content, error)
	GetCuration(ctx context.Context, contentType models.ContentType, id int64) (*models.Curation, error)
	ClaimRun(ctx context.Context, contentType models.ContentType, id int64) (bool, error)
	FinishRun(ctx context.Context, contentType models.ContentType, id int64, entries int) error
	InsertEntry(ctx context.Context, e models.PlanEntry) error
}

type Selector interface {
	Select(ctx context.Context, req selector.Request) ([]actors.Account, error)
}

type TextGenerator interface {
	GenerateComment(ctx context.Context, content models.Content, persona actors.Persona) (string, error)
	GenerateQuote(ctx context.Context, persona actors.Persona, content models.Content) (string, error)
}

type Enqueuer interface {
	EnqueueMany(ctx context.Context, reqs []queue.Request) ([]string, []queue.Failure)
}

type Config struct {
	Profile profile.Profile
	// CatchUpAfter is the content age past which actors are selected
	// regardless of their preferred hours and days.
	CatchUpAfter    time.Duration
	TextConcurrency int
	MaxAttempts     int
}

type Metrics struct {
	EntriesScheduled   *prometheus.CounterVec // type
	SelectionShortfall *prometheus.CounterVec // type
}

type Request struct {
	ContentType models.ContentType
	ContentID   int64
	AuthorID    int64
	CreatedAt   time.Time
}

// Skip reasons reported in Result.Skipped.
const (
	SkipContentMissing   = "content_missing"
	SkipAlreadyScheduled = "already_scheduled"
	SkipNoActors         = "no_eligible_actors"
)

type Result struct {
	Entries int
	// Failed counts entries that could not be persisted.
	Failed int
	// Unqueued counts persisted entries whose execution job could not be
	// enqueued. The orphan sweeper picks them up.
	Unqueued int
	Skipped  string
}

type Orchestrator struct {
	store    Store
	selector Selector
	text     TextGenerator
	queue    Enqueuer
	cfg      Config
	rng      timing.Rand
	logger   logging.Logger
	metrics  Metrics
	now      func() time.Time
}

// New builds an orchestrator. text may be nil, in which case every comment
// and quote uses fallback text.
func New(st Store, sel Selector, text TextGenerator, q Enqueuer, cfg Config, rng timing.Rand, logger logging.Logger, metrics Metrics) *Orchestrator {
	if cfg.CatchUpAfter <= 0 {
		cfg.CatchUpAfter = time.Hour
	}
	if cfg.TextConcurrency <= 0 {
		cfg.TextConcurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	return &Orchestrator{
		store:    st,
		selector: sel,
		text:     text,
		queue:    q,
		cfg:      cfg,
		rng:      rng,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

type selection struct {
	typ        models.EngagementType
	targetType models.TargetType
	targetID   int64
	actor      actors.Account
}

// Schedule plans and queues the engagements for one content item. It is
// safe to call repeatedly: only the first call that claims the run does any
// work. Actor selection is read-only and runs before the claim, so every
// returned error leaves the run unclaimed for the retried job.
func (o *Orchestrator) Schedule(ctx context.Context, req Request) (Result, error) {
	log := o.logger.WithFields(logging.Fields{
		"content_type": req.ContentType,
		"content_id":   req.ContentID,
	})

	content, err := o.store.GetContent(ctx, req.ContentType, req.ContentID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Content gone before scheduling")
		return Result{Skipped: SkipContentMissing}, nil
	}
	if err != nil {
		return Result{}, err
	}
	curation, err := o.store.GetCuration(ctx, req.ContentType, req.ContentID)
	if err != nil {
		return Result{}, err
	}

	now := o.now()
	selections, shortfall, err := o.selectActors(ctx, content, curation, now)
	if err != nil {
		return Result{}, err
	}

	claimed, err := o.store.ClaimRun(ctx, req.ContentType, req.ContentID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		log.Debug("Content already scheduled")
		return Result{Skipped: SkipAlreadyScheduled}, nil
	}
	if o.metrics.SelectionShortfall != nil {
		for t, n := range shortfall {
			o.metrics.SelectionShortfall.WithLabelValues(string(t)).Add(float64(n))
		}
	}
	if len(selections) == 0 {
		o.finish(ctx, content, 0, log)
		log.Debug("No eligible actors")
		return Result{Skipped: SkipNoActors}, nil
	}

	lookahead := o.cfg.Profile.Lookahead
	times := timing.Plan(len(selections), content.CreatedAt, lookahead, now, o.rng)
	entries := make([]models.PlanEntry, len(selections))
	for i, sel := range selections {
		entries[i] = models.PlanEntry{
			ID:          uuid.NewString(),
			ActorID:     sel.actor.ID,
			Type:        sel.typ,
			TargetType:  sel.targetType,
			TargetID:    sel.targetID,
			ContentType: content.Type,
			ContentID:   content.ID,
			ScheduledAt: times[i],
			Status:      models.StatusPending,
			CreatedAt:   now,
		}
	}
	o.attachText(ctx, content, selections, entries, log)

	var res Result
	saved := make([]models.PlanEntry, 0, len(entries))
	for _, e := range entries {
		if err := o.store.InsertEntry(ctx, e); err != nil {
			res.Failed++
			log.WithError(err).WithFields(logging.Fields{
				"entry_id":        e.ID,
				"actor_id":        e.ActorID,
				"engagement_type": e.Type,
			}).Warn("Failed to persist plan entry")
			continue
		}
		saved = append(saved, e)
		if o.metrics.EntriesScheduled != nil {
			o.metrics.EntriesScheduled.WithLabelValues(string(e.Type)).Inc()
		}
	}
	res.Entries = len(saved)
	res.Unqueued = o.enqueue(ctx, saved, log)
	o.finish(ctx, content, res.Entries, log)

	log.WithFields(logging.Fields{
		"entries":   res.Entries,
		"failed":    res.Failed,
		"unqueued":  res.Unqueued,
		"catch_up":  timing.CatchUp(content.CreatedAt, lookahead, now),
		"last_slot": times[len(times)-1],
	}).Info("Scheduled engagements")
	return res, nil
}

// selectActors picks actors per content type in scheduling order, then the
// author follows. It also reports how many actors each type fell short by.
// Any selector failure fails the whole selection.
func (o *Orchestrator) selectActors(ctx context.Context, content models.Content, curation *models.Curation, now time.Time) ([]selection, map[models.EngagementType]int, error) {
	targets := o.cfg.Profile.Targets(profile.Multiplier(curation, now))
	if content.Type != models.ContentPost {
		targets[models.Repost] = 0
	}
	catchUp := now.Sub(content.CreatedAt) > o.cfg.CatchUpAfter

	var out []selection
	shortfall := map[models.EngagementType]int{}
	pick := func(t models.EngagementType, targetType models.TargetType, targetID int64, count int) error {
		if count <= 0 {
			return nil
		}
		picked, err := o.selector.Select(ctx, selector.Request{
			Type:                 t,
			TargetType:           targetType,
			TargetID:             targetID,
			OwnerUserID:          content.AuthorID,
			Count:                count,
			IgnoreActivityWindow: catchUp,
		})
		if err != nil {
			return fmt.Errorf("select %s actors: %w", t, err)
		}
		if short := count - len(picked); short > 0 {
			shortfall[t] += short
		}
		for _, a := range picked {
			out = append(out, selection{typ: t, targetType: targetType, targetID: targetID, actor: a})
		}
		return nil
	}

	for _, t := range models.ContentEngagementTypes {
		if err := pick(t, content.Type.Target(), content.ID, targets[t]); err != nil {
			return nil, nil, err
		}
	}
	if err := pick(models.Follow, models.TargetUser, content.AuthorID, profile.FollowCount(targets[models.Like])); err != nil {
		return nil, nil, err
	}
	return out, shortfall, nil
}

// attachText fills comment and quote text concurrently. Any generation
// failure falls back to canned text.
func (o *Orchestrator) attachText(ctx context.Context, content models.Content, selections []selection, entries []models.PlanEntry, log logging.Entry) {
	var g errgroup.Group
	g.SetLimit(o.cfg.TextConcurrency)
	for i := range entries {
		if !entries[i].Type.NeedsText() {
			continue
		}
		persona := selections[i].actor.Persona
		g.Go(func() error {
			text, err := o.generate(ctx, entries[i].Type, persona, content)
			if err != nil {
				log.WithError(err).WithFields(logging.Fields{
					"entry_id":        entries[i].ID,
					"engagement_type": entries[i].Type,
				}).Debug("Text generation failed, using fallback")
				text = o.fallback(entries[i].Type)
			}
			entries[i].Metadata = map[string]string{models.MetadataText: text}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) generate(ctx context.Context, t models.EngagementType, persona actors.Persona, content models.Content) (string, error) {
	if o.text == nil {
		return "", errors.New("text generation disabled")
	}
	if t == models.Quote {
		return o.text.GenerateQuote(ctx, persona, content)
	}
	return o.text.GenerateComment(ctx, content, persona)
}

// enqueue queues one execution job per entry and retries the failed part
// of the batch once. It returns how many entries stayed unqueued.
func (o *Orchestrator) enqueue(ctx context.Context, entries []models.PlanEntry, log logging.Entry) int {
	if len(entries) == 0 {
		return 0
	}
	now := o.now()
	reqs := make([]queue.Request, len(entries))
	for i, e := range entries {
		reqs[i] = jobs.ExecuteRequest(e.ID, e.ScheduledAt.Sub(now), o.cfg.MaxAttempts)
	}

	_, failures := o.queue.EnqueueMany(ctx, reqs)
	if len(failures) == 0 {
		return 0
	}
	retry := make([]queue.Request, len(failures))
	origin := make([]int, len(failures))
	for i, f := range failures {
		retry[i] = reqs[f.Index]
		origin[i] = f.Index
	}
	_, failures = o.queue.EnqueueMany(ctx, retry)
	for _, f := range failures {
		e := entries[origin[f.Index]]
		log.WithError(f.Err).WithFields(logging.Fields{
			"entry_id":        e.ID,
			"engagement_type": e.Type,
		}).Error("Failed to enqueue execution job")
	}
	return len(failures)
}

func (o *Orchestrator) finish(ctx context.Context, content models.Content, entries int, log logging.Entry) {
	if err := o.store.FinishRun(ctx, content.Type, content.ID, entries); err != nil {
		log.WithError(err).Warn("Failed to record schedule run size")
	}
}
