package actors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"vibeslop/pkg/cache"
	"vibeslop/pkg/logging"
)

var ErrNotFound = errors.New("actor not found")

const accountColumns = `id, user_id, persona, active, daily_cap, engagements_today,
	preferred_hours, active_days, created_at`

const activeKey = "active"

// Directory reads automated accounts from Postgres. The active roster is
// cached briefly, but daily usage is re-read on every ListActive so cached
// accounts never carry stale counters. An account deactivated after the
// roster was cached drops out at the same time. The executor's atomic usage
// reservation remains the authoritative cap check.
type Directory struct {
	db     *sql.DB
	logger logging.Logger
	roster *cache.Cache[[]Account]
}

type DirectoryOptions struct {
	RosterTTL time.Duration
	Hooks     cache.Hooks
}

func NewDirectory(db *sql.DB, logger logging.Logger, opts DirectoryOptions) *Directory {
	if opts.RosterTTL <= 0 {
		opts.RosterTTL = 30 * time.Second
	}
	return &Directory{
		db:     db,
		logger: logger,
		roster: cache.New[[]Account](cache.Options{TTL: opts.RosterTTL, MaxEntries: 1}, opts.Hooks),
	}
}

// ListActive returns every active account with its current daily usage.
func (d *Directory) ListActive(ctx context.Context) ([]Account, error) {
	roster, err := d.roster.Get(ctx, activeKey, func(ctx context.Context, _ string) ([]Account, error) {
		return d.loadActive(ctx)
	})
	if err != nil {
		return nil, err
	}
	usage, err := d.loadUsage(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(roster))
	for _, acct := range roster {
		used, ok := usage[acct.ID]
		if !ok {
			continue
		}
		acct.UsedToday = used
		out = append(out, acct)
	}
	return out, nil
}

func (d *Directory) loadUsage(ctx context.Context) (map[int64]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, engagements_today
		FROM engagement.bot_accounts
		WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	defer rows.Close()

	usage := map[int64]int{}
	for rows.Next() {
		var (
			id   int64
			used int
		)
		if err := rows.Scan(&id, &used); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		usage[id] = used
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	return usage, nil
}

func (d *Directory) loadActive(ctx context.Context) ([]Account, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM engagement.bot_accounts
		WHERE active = true
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return out, nil
}

func (d *Directory) Get(ctx context.Context, id int64) (Account, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM engagement.bot_accounts
		WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acct, err
}

// ResetUsage zeroes every account's daily counter and returns the number of
// accounts touched. Running it twice is harmless.
func (d *Directory) ResetUsage(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE engagement.bot_accounts SET engagements_today = 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	d.Invalidate()
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	return n, nil
}

// Invalidate drops the cached roster.
func (d *Directory) Invalidate() {
	d.roster.Purge()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		acct     Account
		persona  string
		dailyCap sql.NullInt64
		hours    pq.Int64Array
		days     pq.Int64Array
	)
	if err := row.Scan(&acct.ID, &acct.UserID, &persona, &acct.Active, &dailyCap,
		&acct.UsedToday, &hours, &days, &acct.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.Persona = Persona(persona)
	acct.DailyCap = int(dailyCap.Int64)
	if !dailyCap.Valid {
		acct.DailyCap = acct.Persona.Params().DefaultDailyCap
	}
	acct.PreferredHours = toInts(hours)
	acct.ActiveDays = toInts(days)
	return acct, nil
}

func toInts(in pq.Int64Array) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
