// Package profile resolves intensity profiles and curation multipliers into
// per-type engagement targets.
package profile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"vibeslop/api_engagement/internal/models"
)

// Profile maps engagement types to base target counts and sets how long new
// content stays eligible for scheduled engagement.
type Profile struct {
	Name      string                        `yaml:"name"`
	Counts    map[models.EngagementType]int `yaml:"counts"`
	Lookahead time.Duration                 `yaml:"lookahead"`
}

const Custom = "custom"

const (
	MaxMultiplier = 5.0
	maxLookahead  = 7 * 24 * time.Hour
)

var builtins = map[string]Profile{
	"low": {
		Name: "low",
		Counts: map[models.EngagementType]int{
			models.Like: 4, models.Repost: 1, models.Comment: 1, models.Bookmark: 1, models.Quote: 0,
		},
		Lookahead: 12 * time.Hour,
	},
	"medium": {
		Name: "medium",
		Counts: map[models.EngagementType]int{
			models.Like: 10, models.Repost: 2, models.Comment: 3, models.Bookmark: 2, models.Quote: 1,
		},
		Lookahead: 24 * time.Hour,
	},
	"high": {
		Name: "high",
		Counts: map[models.EngagementType]int{
			models.Like: 20, models.Repost: 4, models.Comment: 6, models.Bookmark: 4, models.Quote: 2,
		},
		Lookahead: 48 * time.Hour,
	},
}

// Builtin returns a copy of a named built-in profile.
func Builtin(name string) (Profile, bool) {
	p, ok := builtins[name]
	if !ok {
		return Profile{}, false
	}
	counts := make(map[models.EngagementType]int, len(p.Counts))
	for k, v := range p.Counts {
		counts[k] = v
	}
	p.Counts = counts
	return p, true
}

// Names lists the built-in profiles.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load resolves name to a profile. "custom" reads the YAML file at path.
func Load(name, path string) (Profile, error) {
	if name == Custom {
		if path == "" {
			return Profile{}, errors.New("custom intensity requires a profile file")
		}
		return LoadFile(path)
	}
	p, ok := Builtin(name)
	if !ok {
		return Profile{}, fmt.Errorf("unknown intensity %q (want one of %v or %s)", name, Names(), Custom)
	}
	return p, nil
}

func LoadFile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read intensity profile: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML profile such as:
//
//	name: launch-week
//	lookahead: 36h
//	counts:
//	  like: 15
//	  comment: 4
func Parse(raw []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse intensity profile: %w", err)
	}
	if p.Name == "" {
		p.Name = Custom
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) Validate() error {
	if p.Lookahead <= 0 || p.Lookahead > maxLookahead {
		return fmt.Errorf("profile %s: lookahead %s out of range (0, %s]", p.Name, p.Lookahead, maxLookahead)
	}
	for t, n := range p.Counts {
		if _, err := models.ParseEngagementType(string(t)); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if t == models.Follow {
			return fmt.Errorf("profile %s: follow count is derived from likes and cannot be set", p.Name)
		}
		if n < 0 {
			return fmt.Errorf("profile %s: negative count for %s", p.Name, t)
		}
	}
	return nil
}

// Targets scales the base counts by multiplier, rounding to the nearest
// integer with a floor of zero.
func (p Profile) Targets(multiplier float64) map[models.EngagementType]int {
	out := make(map[models.EngagementType]int, len(p.Counts))
	for _, t := range models.ContentEngagementTypes {
		n := int(math.Round(float64(p.Counts[t]) * multiplier))
		if n < 0 {
			n = 0
		}
		out[t] = n
	}
	return out
}

// Multiplier returns the curation multiplier in effect at now, clamped to
// [0, MaxMultiplier]. No override, or an expired one, means 1.
func Multiplier(c *models.Curation, now time.Time) float64 {
	if c == nil || !c.ActiveAt(now) {
		return 1
	}
	return math.Min(math.Max(c.Multiplier, 0), MaxMultiplier)
}

// FollowCount derives the author-follow target from the like target.
func FollowCount(likes int) int {
	if likes <= 0 {
		return 0
	}
	return max(1, int(math.Round(float64(likes)*0.1)))
}
