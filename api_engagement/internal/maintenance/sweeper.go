package maintenance

import (
	"context"
	"errors"
	"time"

	"vibeslop/api_engagement/internal/jobs"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/pkg/logging"
)

type StaleEntries interface {
	ListStalePending(ctx context.Context, before, now time.Time, limit int) ([]string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
}

// OrphanSweeper re-queues pending entries whose scheduled time is long
// past and that nobody holds, which happens when their execution job was
// never enqueued or was lost.
type OrphanSweeper struct {
	store       StaleEntries
	queue       Enqueuer
	interval    time.Duration
	grace       time.Duration
	batch       int
	maxAttempts int
	logger      logging.Logger
	now         func() time.Time
}

type SweeperConfig struct {
	Store    StaleEntries
	Queue    Enqueuer
	Interval time.Duration // default 5m
	// Grace is how far past its slot an entry must be before it counts as
	// orphaned. Default 15m.
	Grace       time.Duration
	Batch       int
	MaxAttempts int
	Logger      logging.Logger
}

func NewOrphanSweeper(cfg SweeperConfig) *OrphanSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	return &OrphanSweeper{
		store:       cfg.Store,
		queue:       cfg.Queue,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		batch:       cfg.Batch,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Sweep enqueues an execution job for each orphaned entry and returns how
// many were queued. An entry swept within the last grace period is not
// queued again.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ListStalePending(ctx, now.Add(-s.grace), now, s.batch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		req := jobs.ExecuteRequest(id, 0, s.maxAttempts)
		req.UniqueKey = jobs.ExecuteKey(id)
		req.UniqueFor = s.grace
		if _, err := s.queue.Enqueue(ctx, req); err != nil {
			if !errors.Is(err, queue.ErrDuplicate) {
				s.logger.WithError(err).WithField("entry_id", id).Warn("Failed to re-queue orphaned entry")
			}
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.WithField("count", queued).Warn("Re-queued orphaned plan entries")
	}
	return queued, nil
}

func (s *OrphanSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Orphan sweep failed")
		}
	}
}
