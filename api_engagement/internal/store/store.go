// Package store persists plan entries, schedule runs and curation overrides,
// and reads the platform's content and engagement tables.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/database"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the engagement schema in one transaction. Every statement
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply engagement schema: %w", err)
		}
		return nil
	})
}

// GetContent loads a live post or project. Deleted content is ErrNotFound.
func (s *Store) GetContent(ctx context.Context, contentType models.ContentType, id int64) (models.Content, error) {
	var query string
	switch contentType {
	case models.ContentPost:
		query = `SELECT id, user_id, COALESCE(body, ''), created_at FROM posts WHERE id = $1 AND deleted_at IS NULL`
	case models.ContentProject:
		query = `SELECT id, user_id, COALESCE(title, '') || E'\n' || COALESCE(description, ''), created_at FROM projects WHERE id = $1 AND deleted_at IS NULL`
	default:
		return models.Content{}, fmt.Errorf("unknown content type %q", contentType)
	}

	c := models.Content{Type: contentType}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.AuthorID, &c.Body, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Content{}, ErrNotFound
	}
	if err != nil {
		return models.Content{}, fmt.Errorf("load %s %d: %w", contentType, id, err)
	}
	return c, nil
}

// ListUnscheduled returns content created since the given time that has no
// schedule run yet, oldest first.
func (s *Store) ListUnscheduled(ctx context.Context, since time.Time, limit int) ([]models.Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.content_type, c.id, c.user_id, c.created_at
		FROM (
			SELECT 'post' AS content_type, id, user_id, created_at FROM posts
			WHERE created_at >= $1 AND deleted_at IS NULL
			UNION ALL
			SELECT 'project' AS content_type, id, user_id, created_at FROM projects
			WHERE created_at >= $1 AND deleted_at IS NULL
		) c
		LEFT JOIN engagement.schedule_runs r
			ON r.content_type = c.content_type AND r.content_id = c.id
		WHERE r.content_id IS NULL
		ORDER BY c.created_at
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list unscheduled content: %w", err)
	}
	defer rows.Close()

	var out []models.Content
	for rows.Next() {
		var (
			c  models.Content
			ct string
		)
		if err := rows.Scan(&ct, &c.ID, &c.AuthorID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unscheduled content: %w", err)
		}
		c.Type = models.ContentType(ct)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCuration returns the override for a content item, or nil when none.
func (s *Store) GetCuration(ctx context.Context, contentType models.ContentType, id int64) (*models.Curation, error) {
	c := models.Curation{ContentType: contentType, ContentID: id}
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT priority, multiplier, expires_at
		FROM engagement.curations
		WHERE content_type = $1 AND content_id = $2`, string(contentType), id).
		Scan(&c.Priority, &c.Multiplier, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load curation: %w", err)
	}
	if expires.Valid {
		c.ExpiresAt = &expires.Time
	}
	return &c, nil
}

func (s *Store) UpsertCuration(ctx context.Context, c models.Curation) error {
	var expires any
	if c.ExpiresAt != nil {
		expires = *c.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement.curations (content_type, content_id, priority, multiplier, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_type, content_id) DO UPDATE
		SET priority = EXCLUDED.priority, multiplier = EXCLUDED.multiplier, expires_at = EXCLUDED.expires_at`,
		string(c.ContentType), c.ContentID, c.Priority, c.Multiplier, expires)
	if err != nil {
		return fmt.Errorf("upsert curation: %w", err)
	}
	return nil
}

// ClaimRun records that scheduling has started for a content item. It
// returns false when another run already claimed it.
func (s *Store) ClaimRun(ctx context.Context, contentType models.ContentType, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement.schedule_runs (content_type, content_id)
		VALUES ($1, $2)
		ON CONFLICT (content_type, content_id) DO NOTHING`, string(contentType), id)
	if err != nil {
		return false, fmt.Errorf("claim schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule run: %w", err)
	}
	return n == 1, nil
}

func (s *Store) FinishRun(ctx context.Context, contentType models.ContentType, id int64, entries int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE engagement.schedule_runs SET entry_count = $3
		WHERE content_type = $1 AND content_id = $2`, string(contentType), id, entries)
	if err != nil {
		return fmt.Errorf("finish schedule run: %w", err)
	}
	return nil
}

func (s *Store) InsertEntry(ctx context.Context, e models.PlanEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engagement.plan_entries
			(id, actor_id, engagement_type, target_type, target_id, content_type, content_id,
			 scheduled_at, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10)`,
		e.ID, e.ActorID, string(e.Type), string(e.TargetType), e.TargetID,
		string(e.ContentType), e.ContentID, e.ScheduledAt, string(meta), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan entry %s: %w", e.ID, err)
	}
	return nil
}

const entryColumns = `id, actor_id, engagement_type, target_type, target_id, content_type, content_id,
	scheduled_at, status, metadata, attempts, COALESCE(last_error, ''), claimed_until, executed_at, created_at`

func (s *Store) GetEntry(ctx context.Context, id string) (models.PlanEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM engagement.plan_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlanEntry{}, ErrNotFound
	}
	return e, err
}

// ListEntries returns every entry for a content item in schedule order.
func (s *Store) ListEntries(ctx context.Context, contentType models.ContentType, id int64) ([]models.PlanEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM engagement.plan_entries
		WHERE content_type = $1 AND content_id = $2
		ORDER BY scheduled_at`, string(contentType), id)
	if err != nil {
		return nil, fmt.Errorf("list plan entries: %w", err)
	}
	defer rows.Close()

	var out []models.PlanEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.PlanEntry, error) {
	var (
		e                           models.PlanEntry
		etype, ttype, ctype, status string
		meta                        []byte
		claimed, executed           sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ActorID, &etype, &ttype, &e.TargetID, &ctype, &e.ContentID,
		&e.ScheduledAt, &status, &meta, &e.Attempts, &e.LastError, &claimed, &executed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scan plan entry: %w", err)
	}
	e.Type = models.EngagementType(etype)
	e.TargetType = models.TargetType(ttype)
	e.ContentType = models.ContentType(ctype)
	e.Status = models.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata for entry %s: %w", e.ID, err)
		}
	}
	if claimed.Valid {
		e.ClaimedUntil = &claimed.Time
	}
	if executed.Valid {
		e.ExecutedAt = &executed.Time
	}
	return e, nil
}

// ClaimEntry takes the execution lease on a pending entry and counts the
// attempt. It returns false when the entry is no longer pending or another
// worker holds an unexpired lease.
func (s *Store) ClaimEntry(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement.plan_entries
		SET claimed_until = $3, attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
		  AND (claimed_until IS NULL OR claimed_until < $2)`, id, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	return affectedOne(res)
}

// ReleaseEntry drops the lease after a retryable failure. The entry stays
// pending so the next delivery can claim it.
func (s *Store) ReleaseEntry(ctx context.Context, id string, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE engagement.plan_entries
		SET claimed_until = NULL, last_error = $2
		WHERE id = $1 AND status = 'pending'`, id, lastErr)
	if err != nil {
		return fmt.Errorf("release entry %s: %w", id, err)
	}
	return nil
}

// Transition moves a pending entry to skipped or failed. executed_at stays
// NULL; settled_at records when the entry left pending.
func (s *Store) Transition(ctx context.Context, id string, status models.Status, reason string, now time.Time) (bool, error) {
	if status != models.StatusSkipped && status != models.StatusFailed {
		return false, fmt.Errorf("transition entry %s: invalid target status %q", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement.plan_entries
		SET status = $2, last_error = NULLIF($3, ''), claimed_until = NULL, settled_at = $4
		WHERE id = $1 AND status = 'pending'`, id, string(status), reason, now)
	if err != nil {
		return false, fmt.Errorf("transition entry %s to %s: %w", id, status, err)
	}
	return affectedOne(res)
}

// CompleteEntry marks an entry executed. Usage is not touched here: the
// executor reserves the actor's slot with ReserveUsage before acting.
// Nothing changes when the entry is no longer pending.
func (s *Store) CompleteEntry(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement.plan_entries
		SET status = 'executed', executed_at = $2, settled_at = $2, claimed_until = NULL, last_error = NULL
		WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return false, fmt.Errorf("mark entry %s executed: %w", id, err)
	}
	return affectedOne(res)
}

// ReserveUsage takes one of the actor's daily engagement slots. The check
// and the increment are one statement, so concurrent executions for the
// same actor never push engagements_today past limit. It returns false when
// the actor is inactive or already at limit.
func (s *Store) ReserveUsage(ctx context.Context, actorID int64, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engagement.bot_accounts
		SET engagements_today = engagements_today + 1
		WHERE id = $1 AND active AND engagements_today < $2`, actorID, limit)
	if err != nil {
		return false, fmt.Errorf("reserve usage for actor %d: %w", actorID, err)
	}
	return affectedOne(res)
}

// ReleaseUsage gives back a slot taken by ReserveUsage when the engagement
// did not happen.
func (s *Store) ReleaseUsage(ctx context.Context, actorID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE engagement.bot_accounts
		SET engagements_today = GREATEST(engagements_today - 1, 0)
		WHERE id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("release usage for actor %d: %w", actorID, err)
	}
	return nil
}

// EngagedActors returns the actors holding a pending or executed entry of
// this type on the target.
func (s *Store) EngagedActors(ctx context.Context, t models.EngagementType, targetType models.TargetType, targetID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT actor_id
		FROM engagement.plan_entries
		WHERE engagement_type = $1 AND target_type = $2 AND target_id = $3
		  AND status IN ('pending', 'executed')`, string(t), string(targetType), targetID)
	if err != nil {
		return nil, fmt.Errorf("list engaged actors: %w", err)
	}
	return collectIDs(rows)
}

// realEngagementQueries look up engagements performed outside this engine.
// $1 target type, $2 target id, $3 candidate user ids.
var realEngagementQueries = map[models.EngagementType]string{
	models.Like:     `SELECT user_id FROM likes WHERE likeable_type = $1 AND likeable_id = $2 AND user_id = ANY($3)`,
	models.Repost:   `SELECT user_id FROM reposts WHERE $1 = 'post' AND post_id = $2 AND user_id = ANY($3)`,
	models.Comment:  `SELECT user_id FROM comments WHERE commentable_type = $1 AND commentable_id = $2 AND user_id = ANY($3)`,
	models.Bookmark: `SELECT user_id FROM bookmarks WHERE bookmarkable_type = $1 AND bookmarkable_id = $2 AND user_id = ANY($3)`,
	models.Quote:    `SELECT user_id FROM posts WHERE quoted_type = $1 AND quoted_id = $2 AND deleted_at IS NULL AND user_id = ANY($3)`,
	models.Follow:   `SELECT follower_id FROM follows WHERE $1 = 'user' AND followed_id = $2 AND follower_id = ANY($3)`,
}

// RealEngagers returns which of userIDs already performed this engagement on
// the target through the platform itself.
func (s *Store) RealEngagers(ctx context.Context, t models.EngagementType, targetType models.TargetType, targetID int64, userIDs []int64) (map[int64]bool, error) {
	if len(userIDs) == 0 {
		return map[int64]bool{}, nil
	}
	query, ok := realEngagementQueries[t]
	if !ok {
		return nil, fmt.Errorf("no engagement lookup for type %q", t)
	}
	rows, err := s.db.QueryContext(ctx, query, string(targetType), targetID, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("list real %s engagers: %w", t, err)
	}
	return collectIDs(rows)
}

// ListStalePending returns ids of pending, unleased entries scheduled before
// the cutoff. These have lost their execution job.
func (s *Store) ListStalePending(ctx context.Context, before, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM engagement.plan_entries
		WHERE status = 'pending' AND scheduled_at < $1
		  AND (claimed_until IS NULL OR claimed_until < $2)
		ORDER BY scheduled_at
		LIMIT $3`, before, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusCounts summarizes the entries for one content item.
func (s *Store) StatusCounts(ctx context.Context, contentType models.ContentType, id int64) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM engagement.plan_entries
		WHERE content_type = $1 AND content_id = $2
		GROUP BY status`, string(contentType), id)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan entry count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

func collectIDs(rows *sql.Rows) (map[int64]bool, error) {
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
