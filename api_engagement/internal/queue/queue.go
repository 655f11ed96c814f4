// Package queue is a Redis-backed delayed job queue with at-least-once
// delivery. Jobs wait in a due set scored by run time, move atomically to an
// inflight set while a worker holds them, and land in a dead list once they
// run out of attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrDuplicate is returned when a job with the same unique key was
	// enqueued within its suppression window.
	ErrDuplicate = errors.New("duplicate job suppressed")
)

const DefaultMaxAttempts = 3

// Job is one unit of work. Attempt is 1 on first delivery.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Request describes a job to enqueue.
type Request struct {
	Kind    string
	Payload any
	Delay   time.Duration
	// UniqueKey suppresses further enqueues with the same key for UniqueFor.
	UniqueKey   string
	UniqueFor   time.Duration
	MaxAttempts int
}

// Failure reports one request of a batch that could not be enqueued.
type Failure struct {
	Index int
	Err   error
}

type Queue struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// New returns a queue whose keys share the {name} hash tag so the scripts
// stay on one cluster slot.
func New(client goredis.UniversalClient, name string) *Queue {
	return &Queue{
		client: client,
		prefix: "{" + name + "}:queue:",
		now:    time.Now,
	}
}

func (q *Queue) dueKey() string          { return q.prefix + "due" }
func (q *Queue) inflightKey() string     { return q.prefix + "inflight" }
func (q *Queue) deadKey() string         { return q.prefix + "dead" }
func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Queue) uniqueKey(k string) string {
	return q.prefix + "unique:" + k
}

func (q *Queue) newJob(req Request) (Job, error) {
	if req.Kind == "" {
		return Job{}, errors.New("job kind is required")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", req.Kind, err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}, nil
}

func runAt(now time.Time, delay time.Duration) float64 {
	if delay < 0 {
		delay = 0
	}
	return float64(now.Add(delay).UnixMilli())
}

// Enqueue schedules one job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	job, err := q.newJob(req)
	if err != nil {
		return "", err
	}
	if req.UniqueKey != "" {
		window := req.UniqueFor
		if window <= 0 {
			window = 5 * time.Minute
		}
		ok, err := q.client.SetNX(ctx, q.uniqueKey(req.UniqueKey), job.ID, window).Result()
		if err != nil {
			return "", fmt.Errorf("reserve unique key %s: %w", req.UniqueKey, err)
		}
		if !ok {
			return "", ErrDuplicate
		}
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.ZAdd(ctx, q.dueKey(), goredis.Z{Score: runAt(q.now(), req.Delay), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	return job.ID, nil
}

// EnqueueMany schedules a batch in one round trip and reports the requests
// that failed; the rest are enqueued regardless. Requests with a unique key
// go through Enqueue individually.
func (q *Queue) EnqueueMany(ctx context.Context, reqs []Request) ([]string, []Failure) {
	ids := make([]string, len(reqs))
	var failures []Failure

	type pending struct {
		index int
		set   *goredis.StatusCmd
		add   *goredis.IntCmd
	}
	var batch []pending

	pipe := q.client.Pipeline()
	now := q.now()
	for i, req := range reqs {
		if req.UniqueKey != "" {
			id, err := q.Enqueue(ctx, req)
			if err != nil {
				failures = append(failures, Failure{Index: i, Err: err})
				continue
			}
			ids[i] = id
			continue
		}
		job, err := q.newJob(req)
		if err == nil {
			var body []byte
			if body, err = json.Marshal(job); err == nil {
				ids[i] = job.ID
				batch = append(batch, pending{
					index: i,
					set:   pipe.Set(ctx, q.jobKey(job.ID), body, 0),
					add:   pipe.ZAdd(ctx, q.dueKey(), goredis.Z{Score: runAt(now, req.Delay), Member: job.ID}),
				})
				continue
			}
		}
		failures = append(failures, Failure{Index: i, Err: err})
	}

	if len(batch) > 0 {
		// per-command errors are inspected below
		_, _ = pipe.Exec(ctx)
		for _, p := range batch {
			err := p.set.Err()
			if err == nil {
				err = p.add.Err()
			}
			if err != nil {
				ids[p.index] = ""
				failures = append(failures, Failure{Index: p.index, Err: fmt.Errorf("enqueue: %w", err)})
			}
		}
	}
	return ids, failures
}

// claimScript moves up to ARGV[3] due jobs into the inflight set with a
// visibility deadline of ARGV[2].
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return ids
`)

// requeueScript returns inflight jobs whose deadline passed to the due set.
var requeueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #ids
`)

// Claim takes up to limit due jobs. Each stays invisible to other claimers
// until visibility elapses or it is acked, retried or buried.
func (q *Queue) Claim(ctx context.Context, limit int, visibility time.Duration) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.now()
	ids, err := claimScript.Run(ctx, q.client, []string{q.dueKey(), q.inflightKey()},
		now.UnixMilli(), now.Add(visibility).UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	bodies, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			// body gone: the job was acked elsewhere
			q.client.ZRem(ctx, q.inflightKey(), ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			_ = q.bury(ctx, Job{ID: ids[i], Kind: "unknown", Payload: json.RawMessage(strconv.Quote(s))}, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, job Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Retry puts a failed job back on the due set after delay with its attempt
// counter advanced.
func (q *Queue) Retry(ctx context.Context, job Job, cause error, delay time.Duration) error {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.ZAdd(ctx, q.dueKey(), goredis.Z{Score: runAt(q.now(), delay), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

// Bury moves a job to the dead list.
func (q *Queue) Bury(ctx context.Context, job Job, cause error) error {
	return q.bury(ctx, job, cause)
}

func (q *Queue) bury(ctx context.Context, job Job, cause error) error {
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey(), job.ID)
		pipe.Del(ctx, q.jobKey(job.ID))
		pipe.LPush(ctx, q.deadKey(), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury job %s: %w", job.ID, err)
	}
	return nil
}

// RequeueExpired makes jobs whose worker vanished claimable again.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := requeueScript.Run(ctx, q.client, []string{q.dueKey(), q.inflightKey()}, q.now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return n, nil
}

// Depths reports the size of each set: due, inflight and dead.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	due := pipe.ZCard(ctx, q.dueKey())
	inflight := pipe.ZCard(ctx, q.inflightKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	return map[string]int64{
		"due":      due.Val(),
		"inflight": inflight.Val(),
		"dead":     dead.Val(),
	}, nil
}

// Dead returns up to limit buried jobs, newest first.
func (q *Queue) Dead(ctx context.Context, limit int64) ([]Job, error) {
	raw, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	out := make([]Job, 0, len(raw))
	for _, s := range raw {
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
