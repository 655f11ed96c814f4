// Package watcher discovers newly published content and queues a schedule
// job for it, either by polling the content tables or from Kafka events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vibeslop/api_engagement/internal/jobs"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/pkg/kafka"
	"vibeslop/pkg/logging"
)

type ContentSource interface {
	ListUnscheduled(ctx context.Context, since time.Time, limit int) ([]models.Content, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
}

// Trigger queues scheduling for one content item. Repeats within the
// schedule window collapse into the first.
type Trigger struct {
	queue  Enqueuer
	logger logging.Logger
}

func NewTrigger(q Enqueuer, logger logging.Logger) *Trigger {
	return &Trigger{queue: q, logger: logger}
}

// Fire reports whether a new schedule job was queued.
func (t *Trigger) Fire(ctx context.Context, c models.Content) (bool, error) {
	_, err := t.queue.Enqueue(ctx, jobs.ScheduleRequest(c))
	if errors.Is(err, queue.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue scheduling for %s %d: %w", c.Type, c.ID, err)
	}
	t.logger.WithFields(logging.Fields{
		"content_type": c.Type,
		"content_id":   c.ID,
	}).Debug("Queued content for scheduling")
	return true, nil
}

type PollerConfig struct {
	Interval time.Duration // default 1m
	Lookback time.Duration // default 6h
	Batch    int
}

// Poller finds content with no schedule run, the fallback when no event
// stream is configured and a safety net when one is.
type Poller struct {
	source  ContentSource
	trigger *Trigger
	cfg     PollerConfig
	logger  logging.Logger
	now     func() time.Time
}

func NewPoller(source ContentSource, trigger *Trigger, cfg PollerConfig, logger logging.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 6 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	return &Poller{source: source, trigger: trigger, cfg: cfg, logger: logger, now: time.Now}
}

// Poll runs one discovery pass and returns how many jobs it queued.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	found, err := p.source.ListUnscheduled(ctx, p.now().Add(-p.cfg.Lookback), p.cfg.Batch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, c := range found {
		ok, err := p.trigger.Fire(ctx, c)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		p.logger.WithField("count", queued).Info("Discovered unscheduled content")
	}
	return queued, nil
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Warn("Content poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishedEventType is the event type the platform emits for new content.
const PublishedEventType = "content.published"

type publishedData struct {
	ContentType string    `json:"content_type"`
	ContentID   int64     `json:"content_id"`
	AuthorID    int64     `json:"author_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventHandler turns content.published events into schedule jobs.
// Malformed events are poison and go to the dead-letter topic; queue errors
// are returned so the partition retries.
func EventHandler(trigger *Trigger) kafka.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var data publishedData
		event, err := kafka.DecodeEvent(msg.Value, &data)
		if err != nil {
			return kafka.Poison(err)
		}
		if event.Type != PublishedEventType {
			return nil
		}
		contentType, err := models.ParseContentType(data.ContentType)
		if err != nil {
			return kafka.Poison(err)
		}
		if data.ContentID <= 0 {
			return kafka.Poison(fmt.Errorf("event %s has no content id", event.ID))
		}
		created := data.CreatedAt
		if created.IsZero() {
			created = event.Timestamp
		}
		_, err = trigger.Fire(ctx, models.Content{
			Type:      contentType,
			ID:        data.ContentID,
			AuthorID:  data.AuthorID,
			CreatedAt: created,
		})
		return err
	}
}
