// Package jobs names the queue job kinds the engine uses and builds their
// requests, so producers and handlers agree on payloads and unique keys.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/queue"
)

const (
	KindSchedule = "engagement.schedule"
	KindExecute  = "engagement.execute"
)

// ScheduleWindow collapses bursts of triggers for one content item.
const ScheduleWindow = 5 * time.Minute

type SchedulePayload struct {
	ContentType models.ContentType `json:"content_type"`
	ContentID   int64              `json:"content_id"`
	AuthorID    int64              `json:"author_id"`
	CreatedAt   time.Time          `json:"created_at"`
}

type ExecutePayload struct {
	EntryID string `json:"entry_id"`
}

func ScheduleKey(contentType models.ContentType, contentID int64) string {
	return fmt.Sprintf("schedule:%s:%d", contentType, contentID)
}

func ExecuteKey(entryID string) string {
	return "execute:" + entryID
}

// ScheduleRequest triggers scheduling for content. Duplicates within
// ScheduleWindow are dropped by the queue.
func ScheduleRequest(c models.Content) queue.Request {
	return queue.Request{
		Kind: KindSchedule,
		Payload: SchedulePayload{
			ContentType: c.Type,
			ContentID:   c.ID,
			AuthorID:    c.AuthorID,
			CreatedAt:   c.CreatedAt,
		},
		UniqueKey: ScheduleKey(c.Type, c.ID),
		UniqueFor: ScheduleWindow,
	}
}

// ExecuteRequest runs a plan entry after delay. maxAttempts of 0 uses the
// queue default.
func ExecuteRequest(entryID string, delay time.Duration, maxAttempts int) queue.Request {
	if delay < 0 {
		delay = 0
	}
	return queue.Request{
		Kind:        KindExecute,
		Payload:     ExecutePayload{EntryID: entryID},
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

func DecodeSchedule(job queue.Job) (SchedulePayload, error) {
	var p SchedulePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	if _, err := models.ParseContentType(string(p.ContentType)); err != nil {
		return p, err
	}
	if p.ContentID <= 0 {
		return p, fmt.Errorf("%s payload missing content id", job.Kind)
	}
	return p, nil
}

func DecodeExecute(job queue.Job) (ExecutePayload, error) {
	var p ExecutePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	if p.EntryID == "" {
		return p, fmt.Errorf("%s payload missing entry id", job.Kind)
	}
	return p, nil
}
