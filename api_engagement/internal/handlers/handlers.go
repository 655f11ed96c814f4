// Package handlers binds queue job kinds to the orchestrator and executor.
package handlers

import (
	"context"

	"vibeslop/api_engagement/internal/executor"
	"vibeslop/api_engagement/internal/jobs"
	"vibeslop/api_engagement/internal/orchestrator"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/pkg/logging"
)

type Scheduler interface {
	Schedule(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

type Executor interface {
	Execute(ctx context.Context, entryID string, attempt executor.Attempt) (executor.Outcome, error)
}

// Register installs the schedule and execute handlers on w.
func Register(w *queue.Worker, sched Scheduler, exec Executor, logger logging.Logger) {
	w.Handle(jobs.KindSchedule, Schedule(sched, logger))
	w.Handle(jobs.KindExecute, Execute(exec, logger))
}

func Schedule(sched Scheduler, logger logging.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		p, err := jobs.DecodeSchedule(job)
		if err != nil {
			return queue.Permanent(err)
		}
		res, err := sched.Schedule(ctx, orchestrator.Request{
			ContentType: p.ContentType,
			ContentID:   p.ContentID,
			AuthorID:    p.AuthorID,
			CreatedAt:   p.CreatedAt,
		})
		if err != nil {
			return err
		}
		if res.Skipped != "" {
			logger.WithFields(logging.Fields{
				"job_id":     job.ID,
				"content_id": p.ContentID,
				"reason":     res.Skipped,
			}).Debug("Scheduling skipped")
		}
		return nil
	}
}

// Execute runs one plan entry. Terminal outcomes ack the job; a retryable
// failure hands the error back so the queue redelivers with backoff.
func Execute(exec Executor, logger logging.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		p, err := jobs.DecodeExecute(job)
		if err != nil {
			return queue.Permanent(err)
		}
		outcome, err := exec.Execute(ctx, p.EntryID, executor.Attempt{Number: job.Attempt, Max: job.MaxAttempts})
		if err != nil {
			return err
		}
		logger.WithFields(logging.Fields{
			"job_id":   job.ID,
			"entry_id": p.EntryID,
			"outcome":  outcome,
		}).Debug("Execution job finished")
		return nil
	}
}
