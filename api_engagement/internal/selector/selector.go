// Package selector picks which automated accounts perform an engagement.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/logging"
)

type Rand interface {
	Float64() float64
}

// Directory lists the accounts that may be selected.
type Directory interface {
	ListActive(ctx context.Context) ([]actors.Account, error)
}

// History answers whether an actor, or the user behind it, already engaged
// with a target.
type History interface {
	EngagedActors(ctx context.Context, t models.EngagementType, targetType models.TargetType, targetID int64) (map[int64]bool, error)
	RealEngagers(ctx context.Context, t models.EngagementType, targetType models.TargetType, targetID int64, userIDs []int64) (map[int64]bool, error)
}

// Request describes one selection. IgnoreActivityWindow drops the
// preferred hour/day check, used when catching up on older content.
type Request struct {
	Type                 models.EngagementType
	TargetType           models.TargetType
	TargetID             int64
	OwnerUserID          int64
	Count                int
	IgnoreActivityWindow bool
}

type Config struct {
	// MinAge is the minimum account age per engagement type. Missing
	// types fall back to DefaultMinAge.
	MinAge   map[models.EngagementType]time.Duration
	Location *time.Location
}

func DefaultMinAge() map[models.EngagementType]time.Duration {
	return map[models.EngagementType]time.Duration{
		models.Like:     24 * time.Hour,
		models.Follow:   24 * time.Hour,
		models.Bookmark: 24 * time.Hour,
		models.Comment:  72 * time.Hour,
		models.Repost:   168 * time.Hour,
		models.Quote:    168 * time.Hour,
	}
}

type Selector struct {
	dir     Directory
	history History
	minAge  map[models.EngagementType]time.Duration
	loc     *time.Location
	rng     Rand
	logger  logging.Logger
	now     func() time.Time
}

func New(dir Directory, history History, cfg Config, rng Rand, logger logging.Logger) *Selector {
	minAge := DefaultMinAge()
	for t, d := range cfg.MinAge {
		minAge[t] = d
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Selector{
		dir:     dir,
		history: history,
		minAge:  minAge,
		loc:     loc,
		rng:     rng,
		logger:  logger,
		now:     time.Now,
	}
}

// Select returns up to req.Count distinct eligible accounts in random order,
// weighted by persona affinity for the engagement type. Fewer than requested
// is not an error; only store failures are.
func (s *Selector) Select(ctx context.Context, req Request) ([]actors.Account, error) {
	if req.Count <= 0 {
		return nil, nil
	}

	roster, err := s.dir.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active actors: %w", err)
	}

	now := s.now().In(s.loc)
	minAge := s.minAge[req.Type]

	candidates := make([]actors.Account, 0, len(roster))
	for _, a := range roster {
		switch {
		case !a.Active, !a.UnderCap():
		case !req.IgnoreActivityWindow && !a.InWindow(now):
		case a.AgeAt(now) < minAge:
		case a.UserID == req.OwnerUserID:
		case a.Persona.Affinity(req.Type) <= 0:
		default:
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	engaged, err := s.history.EngagedActors(ctx, req.Type, req.TargetType, req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("list %s entries on %s %d: %w", req.Type, req.TargetType, req.TargetID, err)
	}
	userIDs := make([]int64, 0, len(candidates))
	kept := candidates[:0]
	for _, a := range candidates {
		if engaged[a.ID] {
			continue
		}
		kept = append(kept, a)
		userIDs = append(userIDs, a.UserID)
	}
	candidates = kept
	if len(candidates) == 0 {
		return nil, nil
	}

	outside, err := s.history.RealEngagers(ctx, req.Type, req.TargetType, req.TargetID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list real %s engagers on %s %d: %w", req.Type, req.TargetType, req.TargetID, err)
	}
	kept = candidates[:0]
	for _, a := range candidates {
		if !outside[a.UserID] {
			kept = append(kept, a)
		}
	}
	candidates = kept

	picked := s.shuffle(candidates, req.Type)
	if len(picked) > req.Count {
		picked = picked[:req.Count]
	}

	s.logger.WithFields(logging.Fields{
		"engagement_type": req.Type,
		"target_type":     req.TargetType,
		"target_id":       req.TargetID,
		"requested":       req.Count,
		"eligible":        len(candidates),
		"selected":        len(picked),
	}).Debug("Selected actors")
	return picked, nil
}

// shuffle orders accounts by an exponential key -ln(u)/w so that heavier
// persona affinities tend to come first while every account can win.
func (s *Selector) shuffle(accounts []actors.Account, t models.EngagementType) []actors.Account {
	type keyed struct {
		key     float64
		account actors.Account
	}
	ks := make([]keyed, len(accounts))
	for i, a := range accounts {
		u := 1 - s.rng.Float64()
		ks[i] = keyed{key: -math.Log(u) / a.Persona.Affinity(t), account: a}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].key < ks[j].key })

	out := make([]actors.Account, len(ks))
	for i, k := range ks {
		out[i] = k.account
	}
	return out
}
