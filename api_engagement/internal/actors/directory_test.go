package actors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"vibeslop/pkg/logging"
)

var accountCols = []string{"id", "user_id", "persona", "active", "daily_cap", "engagements_today", "preferred_hours", "active_days", "created_at"}

const usageQuery = `SELECT id, engagements_today\s+FROM engagement\.bot_accounts\s+WHERE active = true`

func usageRows(pairs ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "engagements_today"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func newMockDirectory(t *testing.T) (*Directory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDirectory(db, logging.NewDiscardLogger(), DirectoryOptions{RosterTTL: time.Minute}), mock
}

func TestDirectoryListActiveCachesRoster(t *testing.T) {
	dir, mock := newMockDirectory(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE active = true`).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(1, 101, "enthusiast", true, 50, 3, "{9,10,11}", "{1,2,3}", created).
			AddRow(2, 102, "lurker", true, nil, 0, "{}", nil, created))
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 3, 2, 0))
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 3, 2, 0))

	for i := 0; i < 2; i++ {
		accts, err := dir.ListActive(context.Background())
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(accts) != 2 {
			t.Fatalf("expected 2 accounts, got %d", len(accts))
		}
		if accts[0].Persona != Enthusiast || accts[0].DailyCap != 50 || accts[0].UsedToday != 3 {
			t.Fatalf("unexpected first account %+v", accts[0])
		}
		if len(accts[0].PreferredHours) != 3 || accts[0].ActiveDays[2] != 3 {
			t.Fatalf("unexpected windows %+v", accts[0])
		}
		if accts[1].DailyCap != Lurker.Params().DefaultDailyCap {
			t.Fatalf("expected persona default cap, got %d", accts[1].DailyCap)
		}
		if accts[1].PreferredHours != nil || accts[1].ActiveDays != nil {
			t.Fatalf("expected unrestricted windows, got %+v", accts[1])
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryGet(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(7, 107, "casual", false, 20, 20, nil, nil, time.Now()))
	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(accountCols))

	acct, err := dir.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct.Active || acct.UnderCap() {
		t.Fatalf("unexpected account %+v", acct)
	}

	if _, err := dir.Get(context.Background(), 8); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryResetUsageInvalidatesRoster(t *testing.T) {
	dir, mock := newMockDirectory(t)
	created := time.Now().Add(-72 * time.Hour)

	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE active = true`).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, 101, "casual", true, 5, 5, nil, nil, created))
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 5))
	mock.ExpectExec(`UPDATE engagement\.bot_accounts SET engagements_today = 0`).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE active = true`).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, 101, "casual", true, 5, 0, nil, nil, created))
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 0))

	before, err := dir.ListActive(context.Background())
	if err != nil || before[0].UnderCap() {
		t.Fatalf("expected account at cap before reset: %+v %v", before, err)
	}

	n, err := dir.ResetUsage(context.Background())
	if err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 accounts reset, got %d", n)
	}

	after, err := dir.ListActive(context.Background())
	if err != nil || !after[0].UnderCap() {
		t.Fatalf("expected fresh roster after reset: %+v %v", after, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryListActiveReadsCurrentUsage(t *testing.T) {
	dir, mock := newMockDirectory(t)
	created := time.Now().Add(-72 * time.Hour)

	mock.ExpectQuery(`FROM engagement\.bot_accounts\s+WHERE active = true`).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(1, 101, "casual", true, 5, 0, nil, nil, created).
			AddRow(2, 102, "casual", true, 5, 0, nil, nil, created))
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 0, 2, 0))
	// executions since the roster was cached; account 2 was deactivated
	mock.ExpectQuery(usageQuery).WillReturnRows(usageRows(1, 5))

	before, err := dir.ListActive(context.Background())
	if err != nil || len(before) != 2 || !before[0].UnderCap() {
		t.Fatalf("unexpected roster: %+v %v", before, err)
	}

	after, err := dir.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(after) != 1 || after[0].ID != 1 {
		t.Fatalf("expected only account 1, got %+v", after)
	}
	if after[0].UsedToday != 5 || after[0].UnderCap() {
		t.Fatalf("expected current usage on cached account, got %+v", after[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDirectoryListActiveError(t *testing.T) {
	dir, mock := newMockDirectory(t)
	mock.ExpectQuery(`FROM engagement\.bot_accounts`).WillReturnError(errors.New("connection refused"))

	if _, err := dir.ListActive(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
