package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"vibeslop/pkg/logging"
)

// Handler processes one job. Returning an error retries the job with
// backoff until its attempts run out; wrap with Permanent to skip retries.
type Handler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// Visibility is how long a claimed job stays hidden. It must exceed
	// JobTimeout or a slow job is redelivered while still running.
	Visibility   time.Duration
	JobTimeout   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ReapInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  8,
		PollInterval: 500 * time.Millisecond,
		Visibility:   5 * time.Minute,
		JobTimeout:   2 * time.Minute,
		BaseBackoff:  10 * time.Second,
		MaxBackoff:   10 * time.Minute,
		ReapInterval: 30 * time.Second,
	}
}

// Metrics are optional; nil fields are skipped.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec   // kind, result
	JobDuration   *prometheus.HistogramVec // kind
	QueueDepth    *prometheus.GaugeVec     // set
}

type Worker struct {
	queue    *Queue
	cfg      WorkerConfig
	logger   logging.Logger
	metrics  Metrics
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *Queue, cfg WorkerConfig, logger logging.Logger, metrics Metrics) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Visibility <= cfg.JobTimeout {
		cfg.Visibility = cfg.JobTimeout + time.Minute
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a job kind.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan Job)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return w.poll(ctx, jobs)
	})
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				// a cancelled run still finishes the job in hand
				w.Process(context.WithoutCancel(ctx), job)
			}
			return nil
		})
	}
	g.Go(func() error {
		return w.reap(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) poll(ctx context.Context, out chan<- Job) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := w.queue.Claim(ctx, w.cfg.Concurrency, w.cfg.Visibility)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("Failed to claim jobs")
		}
		for _, job := range claimed {
			select {
			case out <- job:
			case <-ctx.Done():
				// undelivered jobs come back once their visibility lapses
				return ctx.Err()
			}
		}
		if len(claimed) == w.cfg.Concurrency {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) reap(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := w.queue.RequeueExpired(ctx); err != nil {
			w.logger.WithError(err).Warn("Failed to requeue expired jobs")
		} else if n > 0 {
			w.logger.WithField("count", n).Warn("Requeued jobs whose worker timed out")
		}
		w.recordDepths(ctx)
	}
}

func (w *Worker) recordDepths(ctx context.Context) {
	if w.metrics.QueueDepth == nil {
		return
	}
	depths, err := w.queue.Depths(ctx)
	if err != nil {
		return
	}
	for set, n := range depths {
		w.metrics.QueueDepth.WithLabelValues(set).Set(float64(n))
	}
}

// Process runs one claimed job and settles it: ack on success, retry with
// backoff on failure, bury when attempts run out or the error is permanent.
func (w *Worker) Process(ctx context.Context, job Job) {
	log := w.logger.WithFields(logging.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempt,
	})

	w.mu.RLock()
	handler, ok := w.handlers[job.Kind]
	w.mu.RUnlock()

	start := time.Now()
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	} else {
		err = w.invoke(ctx, handler, job)
	}
	if w.metrics.JobDuration != nil {
		w.metrics.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
	}

	result := "ok"
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.WithError(ackErr).Warn("Failed to ack job")
		}
	case IsPermanent(err) || job.Attempt >= job.MaxAttempts:
		result = "dead"
		log.WithError(err).Error("Job failed permanently")
		if buryErr := w.queue.Bury(ctx, job, err); buryErr != nil {
			log.WithError(buryErr).Error("Failed to bury job")
		}
	default:
		result = "retry"
		delay := w.backoff(job.Attempt)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Job failed, will retry")
		if retryErr := w.queue.Retry(ctx, job, err, delay); retryErr != nil {
			log.WithError(retryErr).Error("Failed to schedule retry")
		}
	}
	if w.metrics.JobsProcessed != nil {
		w.metrics.JobsProcessed.WithLabelValues(job.Kind, result).Inc()
	}
}

func (w *Worker) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return delay
}
