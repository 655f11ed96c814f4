package selector

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/logging"
)

var testNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) // a Wednesday

type fakeDirectory struct {
	accounts []actors.Account
	err      error
}

func (f *fakeDirectory) ListActive(context.Context) ([]actors.Account, error) {
	return f.accounts, f.err
}

type fakeHistory struct {
	engaged map[int64]bool
	real    map[int64]bool
	err     error
	calls   int
}

func (f *fakeHistory) EngagedActors(context.Context, models.EngagementType, models.TargetType, int64) (map[int64]bool, error) {
	f.calls++
	return f.engaged, f.err
}

func (f *fakeHistory) RealEngagers(_ context.Context, _ models.EngagementType, _ models.TargetType, _ int64, userIDs []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, id := range userIDs {
		if f.real[id] {
			out[id] = true
		}
	}
	return out, nil
}

func account(id int64, mutate ...func(*actors.Account)) actors.Account {
	a := actors.Account{
		ID:        id,
		UserID:    1000 + id,
		Persona:   actors.Casual,
		Active:    true,
		DailyCap:  10,
		CreatedAt: testNow.Add(-30 * 24 * time.Hour),
	}
	for _, m := range mutate {
		m(&a)
	}
	return a
}

func newTestSelector(dir Directory, history History, seed uint64) *Selector {
	s := New(dir, history, Config{}, rand.New(rand.NewPCG(seed, seed+1)), logging.NewDiscardLogger())
	s.now = func() time.Time { return testNow }
	return s
}

func ids(accounts []actors.Account) map[int64]bool {
	out := make(map[int64]bool, len(accounts))
	for _, a := range accounts {
		out[a.ID] = true
	}
	return out
}

func likeRequest(count int) Request {
	return Request{Type: models.Like, TargetType: models.TargetPost, TargetID: 77, OwnerUserID: 5000, Count: count}
}

func TestSelectExcludesActorAtCap(t *testing.T) {
	dir := &fakeDirectory{accounts: []actors.Account{
		account(1),
		account(2, func(a *actors.Account) { a.UsedToday = a.DailyCap }),
		account(3),
	}}
	s := newTestSelector(dir, &fakeHistory{}, 1)

	for seed := uint64(0); seed < 20; seed++ {
		s.rng = rand.New(rand.NewPCG(seed, 3))
		got, err := s.Select(context.Background(), likeRequest(3))
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if ids(got)[2] {
			t.Fatalf("seed %d: actor at cap was selected", seed)
		}
		if len(got) != 2 {
			t.Fatalf("seed %d: expected 2 actors, got %d", seed, len(got))
		}
	}
}

func TestSelectConstraints(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		account actors.Account
		history *fakeHistory
		want    bool
	}{
		{
			name:    "eligible",
			req:     likeRequest(1),
			account: account(1),
			history: &fakeHistory{},
			want:    true,
		},
		{
			name:    "inactive",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.Active = false }),
			history: &fakeHistory{},
		},
		{
			name:    "outside preferred hours",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.PreferredHours = []int{3, 4} }),
			history: &fakeHistory{},
		},
		{
			name:    "inactive weekday",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.ActiveDays = []int{0, 6} }),
			history: &fakeHistory{},
		},
		{
			name: "window relaxed for catch-up",
			req: func() Request {
				r := likeRequest(1)
				r.IgnoreActivityWindow = true
				return r
			}(),
			account: account(1, func(a *actors.Account) { a.PreferredHours = []int{3} }),
			history: &fakeHistory{},
			want:    true,
		},
		{
			name:    "within preferred window",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.PreferredHours = []int{12}; a.ActiveDays = []int{3} }),
			history: &fakeHistory{},
			want:    true,
		},
		{
			name:    "too young to like",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.CreatedAt = testNow.Add(-23 * time.Hour) }),
			history: &fakeHistory{},
		},
		{
			name:    "old enough to like but not repost",
			req:     Request{Type: models.Repost, TargetType: models.TargetPost, TargetID: 77, OwnerUserID: 5000, Count: 1},
			account: account(1, func(a *actors.Account) { a.CreatedAt = testNow.Add(-3 * 24 * time.Hour) }),
			history: &fakeHistory{},
		},
		{
			name:    "owns the target",
			req:     likeRequest(1),
			account: account(1, func(a *actors.Account) { a.UserID = 5000 }),
			history: &fakeHistory{},
		},
		{
			name:    "already has an entry",
			req:     likeRequest(1),
			account: account(1),
			history: &fakeHistory{engaged: map[int64]bool{1: true}},
		},
		{
			name:    "already engaged outside the engine",
			req:     likeRequest(1),
			account: account(1),
			history: &fakeHistory{real: map[int64]bool{1001: true}},
		},
		{
			name:    "persona never quotes",
			req:     Request{Type: models.Quote, TargetType: models.TargetPost, TargetID: 77, OwnerUserID: 5000, Count: 1},
			account: account(1, func(a *actors.Account) { a.Persona = actors.Lurker }),
			history: &fakeHistory{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector(&fakeDirectory{accounts: []actors.Account{tt.account}}, tt.history, 7)
			got, err := s.Select(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if selected := len(got) == 1; selected != tt.want {
				t.Fatalf("selected = %v, want %v", selected, tt.want)
			}
		})
	}
}

func TestSelectReturnsShortfallWithoutError(t *testing.T) {
	dir := &fakeDirectory{accounts: []actors.Account{account(1), account(2)}}
	s := newTestSelector(dir, &fakeHistory{}, 3)

	got, err := s.Select(context.Background(), likeRequest(10))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected every eligible actor, got %d", len(got))
	}
}

func TestSelectDistinctAndBounded(t *testing.T) {
	var roster []actors.Account
	for i := int64(1); i <= 40; i++ {
		roster = append(roster, account(i, func(a *actors.Account) {
			a.Persona = actors.Personas()[i%4]
		}))
	}
	s := newTestSelector(&fakeDirectory{accounts: roster}, &fakeHistory{}, 11)

	got, err := s.Select(context.Background(), likeRequest(15))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 15 {
		t.Fatalf("expected 15 actors, got %d", len(got))
	}
	if len(ids(got)) != 15 {
		t.Fatalf("selection contains duplicates")
	}
}

func TestSelectOrderIsRandomized(t *testing.T) {
	var roster []actors.Account
	for i := int64(1); i <= 20; i++ {
		roster = append(roster, account(i))
	}
	dir := &fakeDirectory{accounts: roster}

	firsts := map[int64]bool{}
	for seed := uint64(1); seed <= 30; seed++ {
		got, err := newTestSelector(dir, &fakeHistory{}, seed).Select(context.Background(), likeRequest(1))
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		firsts[got[0].ID] = true
	}
	if len(firsts) < 5 {
		t.Fatalf("expected varied picks across seeds, got %v", firsts)
	}
}

func TestSelectSkipsStoreWhenNothingToDo(t *testing.T) {
	history := &fakeHistory{}
	s := newTestSelector(&fakeDirectory{accounts: []actors.Account{account(1, func(a *actors.Account) { a.Active = false })}}, history, 1)

	if _, err := s.Select(context.Background(), likeRequest(0)); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := s.Select(context.Background(), likeRequest(3)); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if history.calls != 0 {
		t.Fatalf("expected no history lookups, got %d", history.calls)
	}
}

func TestSelectSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")

	s := newTestSelector(&fakeDirectory{err: boom}, &fakeHistory{}, 1)
	if _, err := s.Select(context.Background(), likeRequest(1)); !errors.Is(err, boom) {
		t.Fatalf("expected directory error, got %v", err)
	}

	s = newTestSelector(&fakeDirectory{accounts: []actors.Account{account(1)}}, &fakeHistory{err: boom}, 1)
	if _, err := s.Select(context.Background(), likeRequest(1)); !errors.Is(err, boom) {
		t.Fatalf("expected history error, got %v", err)
	}
}

func TestConfigOverridesMinAge(t *testing.T) {
	young := account(1, func(a *actors.Account) { a.CreatedAt = testNow.Add(-2 * time.Hour) })
	s := New(&fakeDirectory{accounts: []actors.Account{young}}, &fakeHistory{},
		Config{MinAge: map[models.EngagementType]time.Duration{models.Like: time.Hour}},
		rand.New(rand.NewPCG(1, 2)), logging.NewDiscardLogger())
	s.now = func() time.Time { return testNow }

	got, err := s.Select(context.Background(), likeRequest(1))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected override to admit a 2h old account")
	}
	if s.minAge[models.Repost] != 168*time.Hour {
		t.Fatalf("unset types should keep defaults, got %s", s.minAge[models.Repost])
	}
}
