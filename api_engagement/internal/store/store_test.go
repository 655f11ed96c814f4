package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/testutil"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var entryCols = []string{"id", "actor_id", "engagement_type", "target_type", "target_id", "content_type", "content_id",
	"scheduled_at", "status", "metadata", "attempts", "last_error", "claimed_until", "executed_at", "created_at"}

func TestStoreGetContent(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM posts WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "body", "created_at"}).AddRow(42, 7, "hello", created))
	mock.ExpectQuery(`FROM projects WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "body", "created_at"}))

	c, err := s.GetContent(context.Background(), models.ContentPost, 42)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if c.AuthorID != 7 || c.Body != "hello" || !c.CreatedAt.Equal(created) || c.Type != models.ContentPost {
		t.Fatalf("unexpected content %+v", c)
	}

	if _, err := s.GetContent(context.Background(), models.ContentProject, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetContent(context.Background(), models.ContentType("story"), 1); err == nil {
		t.Fatalf("expected error for unknown content type")
	}
	expectationsMet(t, mock)
}

func TestStoreListUnscheduled(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2026, 2, 2, 4, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`LEFT JOIN engagement\.schedule_runs r`).
		WithArgs(since, 100).
		WillReturnRows(sqlmock.NewRows([]string{"content_type", "id", "user_id", "created_at"}).
			AddRow("post", 1, 10, since.Add(time.Hour)).
			AddRow("project", 2, 11, since.Add(2*time.Hour)))

	items, err := s.ListUnscheduled(context.Background(), since, 100)
	if err != nil {
		t.Fatalf("ListUnscheduled: %v", err)
	}
	if len(items) != 2 || items[1].Type != models.ContentProject || items[1].AuthorID != 11 {
		t.Fatalf("unexpected items %+v", items)
	}
	expectationsMet(t, mock)
}

func TestStoreGetCuration(t *testing.T) {
	s, mock := newMockStore(t)
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM engagement\.curations\s+WHERE content_type = \$1 AND content_id = \$2`).
		WithArgs("post", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"priority", "multiplier", "expires_at"}).AddRow(3, 2.0, expires))
	mock.ExpectQuery(`FROM engagement\.curations`).
		WithArgs("post", int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"priority", "multiplier", "expires_at"}))

	c, err := s.GetCuration(context.Background(), models.ContentPost, 5)
	if err != nil {
		t.Fatalf("GetCuration: %v", err)
	}
	if c == nil || c.Multiplier != 2.0 || c.Priority != 3 || c.ExpiresAt == nil || !c.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected curation %+v", c)
	}

	none, err := s.GetCuration(context.Background(), models.ContentPost, 6)
	if err != nil || none != nil {
		t.Fatalf("expected no curation, got %+v %v", none, err)
	}
	expectationsMet(t, mock)
}

func TestStoreUpsertCuration(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO engagement\.curations .* ON CONFLICT \(content_type, content_id\) DO UPDATE`).
		WithArgs("project", int64(3), 5, 4.5, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertCuration(context.Background(), models.Curation{ContentType: models.ContentProject, ContentID: 3, Priority: 5, Multiplier: 4.5})
	if err != nil {
		t.Fatalf("UpsertCuration: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreClaimRun(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO engagement\.schedule_runs .* ON CONFLICT \(content_type, content_id\) DO NOTHING`).
		WithArgs("post", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO engagement\.schedule_runs`).
		WithArgs("post", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE engagement\.schedule_runs SET entry_count = \$3`).
		WithArgs("post", int64(1), 12).
		WillReturnResult(sqlmock.NewResult(0, 1))

	first, err := s.ClaimRun(context.Background(), models.ContentPost, 1)
	if err != nil || !first {
		t.Fatalf("expected first claim to win: %v %v", first, err)
	}
	second, err := s.ClaimRun(context.Background(), models.ContentPost, 1)
	if err != nil || second {
		t.Fatalf("expected second claim to lose: %v %v", second, err)
	}
	if err := s.FinishRun(context.Background(), models.ContentPost, 1, 12); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreInsertAndGetEntry(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	entry := models.PlanEntry{
		ID: "0b4c1d7e-2f5a-4b8e-9c3d-1a2b3c4d5e6f", ActorID: 3, Type: models.Comment,
		TargetType: models.TargetPost, TargetID: 42, ContentType: models.ContentPost, ContentID: 42,
		ScheduledAt: now.Add(time.Hour), Metadata: map[string]string{"text": "nice"}, CreatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO engagement\.plan_entries`).
		WithArgs(entry.ID, int64(3), "comment", "post", int64(42), "post", int64(42), entry.ScheduledAt, `{"text":"nice"}`, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM engagement\.plan_entries WHERE id = \$1`).
		WithArgs(entry.ID).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(entry.ID, 3, "comment", "post", 42, "post", 42, entry.ScheduledAt, "pending", []byte(`{"text":"nice"}`), 1, "", nil, nil, now))
	mock.ExpectQuery(`FROM engagement\.plan_entries WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(entryCols))

	if err := s.InsertEntry(context.Background(), entry); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	got, err := s.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Status != models.StatusPending || got.Metadata["text"] != "nice" || got.Attempts != 1 || got.ClaimedUntil != nil {
		t.Fatalf("unexpected entry %+v", got)
	}

	if _, err := s.GetEntry(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreClaimEntryLease(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	lease := now.Add(2 * time.Minute)

	mock.ExpectExec(`SET claimed_until = \$3, attempts = attempts \+ 1\s+WHERE id = \$1 AND status = 'pending'\s+AND \(claimed_until IS NULL OR claimed_until < \$2\)`).
		WithArgs("e1", now, lease).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET claimed_until = \$3`).
		WithArgs("e1", now, lease).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET claimed_until = NULL, last_error = \$2\s+WHERE id = \$1 AND status = 'pending'`).
		WithArgs("e1", "timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := s.ClaimEntry(context.Background(), "e1", now, lease)
	if err != nil || !won {
		t.Fatalf("expected claim: %v %v", won, err)
	}
	lost, err := s.ClaimEntry(context.Background(), "e1", now, lease)
	if err != nil || lost {
		t.Fatalf("expected concurrent claim to lose: %v %v", lost, err)
	}
	if err := s.ReleaseEntry(context.Background(), "e1", "timeout"); err != nil {
		t.Fatalf("ReleaseEntry: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreTransition(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`SET status = \$2, last_error = NULLIF\(\$3, ''\), claimed_until = NULL, settled_at = \$4\s+WHERE id = \$1 AND status = 'pending'`).
		WithArgs("e1", "skipped", "actor over daily cap", testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Transition(context.Background(), "e1", models.StatusSkipped, "actor over daily cap", now)
	if err != nil || !ok {
		t.Fatalf("Transition: %v %v", ok, err)
	}
	if _, err := s.Transition(context.Background(), "e1", models.StatusExecuted, "", now); err == nil {
		t.Fatalf("executed must go through CompleteEntry")
	}
	expectationsMet(t, mock)
}

func TestStoreTransitionLeavesExecutedAtUnset(t *testing.T) {
	var sent string
	capture := sqlmock.QueryMatcherFunc(func(_, actual string) error {
		sent = actual
		return nil
	})
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(capture))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)

	mock.ExpectExec(`plan_entries`).
		WithArgs("e1", "failed", "target gone", testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := s.Transition(context.Background(), "e1", models.StatusFailed, "target gone", time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	expectationsMet(t, mock)
	if strings.Contains(sent, "executed_at") {
		t.Fatalf("skipped and failed entries must not set executed_at: %s", sent)
	}
	if !strings.Contains(sent, "settled_at = $4") {
		t.Fatalf("expected settled_at to be written: %s", sent)
	}
}

func TestStoreCompleteEntryOnlyOnce(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`SET status = 'executed', executed_at = \$2, settled_at = \$2, claimed_until = NULL, last_error = NULL\s+WHERE id = \$1 AND status = 'pending'`).
		WithArgs("e1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// redelivery: the entry is already executed
	mock.ExpectExec(`SET status = 'executed'`).
		WithArgs("e1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	done, err := s.CompleteEntry(context.Background(), "e1", now)
	if err != nil || !done {
		t.Fatalf("CompleteEntry: %v %v", done, err)
	}
	again, err := s.CompleteEntry(context.Background(), "e1", now)
	if err != nil || again {
		t.Fatalf("expected no-op on second completion: %v %v", again, err)
	}
	expectationsMet(t, mock)
}

func TestStoreReserveUsageRespectsCap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE engagement\.bot_accounts\s+SET engagements_today = engagements_today \+ 1\s+WHERE id = \$1 AND active AND engagements_today < \$2`).
		WithArgs(int64(3), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// the slot is gone: the conditional update matches no row
	mock.ExpectExec(`SET engagements_today = engagements_today \+ 1`).
		WithArgs(int64(3), 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET engagements_today = GREATEST\(engagements_today - 1, 0\)\s+WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ReserveUsage(context.Background(), 3, 1)
	if err != nil || !ok {
		t.Fatalf("first reservation: %v %v", ok, err)
	}
	ok, err = s.ReserveUsage(context.Background(), 3, 1)
	if err != nil || ok {
		t.Fatalf("expected reservation at cap to fail: %v %v", ok, err)
	}
	if err := s.ReleaseUsage(context.Background(), 3); err != nil {
		t.Fatalf("ReleaseUsage: %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreReserveUsageWrapsErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE engagement\.bot_accounts`).WillReturnError(sql.ErrConnDone)

	if _, err := s.ReserveUsage(context.Background(), 3, 5); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected wrapped connection error, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestStoreEngagementLookups(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT DISTINCT actor_id\s+FROM engagement\.plan_entries\s+WHERE engagement_type = \$1 AND target_type = \$2 AND target_id = \$3\s+AND status IN \('pending', 'executed'\)`).
		WithArgs("like", "post", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"actor_id"}).AddRow(1).AddRow(4))
	mock.ExpectQuery(`SELECT user_id FROM likes WHERE likeable_type = \$1 AND likeable_id = \$2 AND user_id = ANY\(\$3\)`).
		WithArgs("post", int64(42), pq.Array([]int64{101, 102})).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(102))
	mock.ExpectQuery(`SELECT follower_id FROM follows`).
		WithArgs("user", int64(7), pq.Array([]int64{101})).
		WillReturnRows(sqlmock.NewRows([]string{"follower_id"}))

	engaged, err := s.EngagedActors(context.Background(), models.Like, models.TargetPost, 42)
	if err != nil || !engaged[1] || !engaged[4] || len(engaged) != 2 {
		t.Fatalf("EngagedActors: %v %v", engaged, err)
	}

	engagers, err := s.RealEngagers(context.Background(), models.Like, models.TargetPost, 42, []int64{101, 102})
	if err != nil || !engagers[102] || engagers[101] {
		t.Fatalf("RealEngagers: %v %v", engagers, err)
	}

	follows, err := s.RealEngagers(context.Background(), models.Follow, models.TargetUser, 7, []int64{101})
	if err != nil || len(follows) != 0 {
		t.Fatalf("RealEngagers follow: %v %v", follows, err)
	}

	empty, err := s.RealEngagers(context.Background(), models.Like, models.TargetPost, 42, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected short-circuit for no candidates")
	}
	expectationsMet(t, mock)
}

func TestStoreListStalePendingAndCounts(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	before := now.Add(-15 * time.Minute)

	mock.ExpectQuery(`WHERE status = 'pending' AND scheduled_at < \$1`).
		WithArgs(before, now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery(`SELECT status, COUNT\(\*\)`).
		WithArgs("post", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 4).AddRow("executed", 9))

	ids, err := s.ListStalePending(context.Background(), before, now, 50)
	if err != nil || len(ids) != 2 {
		t.Fatalf("ListStalePending: %v %v", ids, err)
	}
	counts, err := s.StatusCounts(context.Background(), models.ContentPost, 1)
	if err != nil || counts[models.StatusExecuted] != 9 || counts[models.StatusPending] != 4 {
		t.Fatalf("StatusCounts: %v %v", counts, err)
	}
	expectationsMet(t, mock)
}

func TestStoreMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS engagement`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	expectationsMet(t, mock)
}
