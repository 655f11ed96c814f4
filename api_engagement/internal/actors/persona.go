package actors

import (
	"fmt"
	"sort"

	"vibeslop/api_engagement/internal/models"
)

// Persona is the behavioral category of an automated account.
type Persona string

const (
	Enthusiast Persona = "enthusiast"
	Supportive Persona = "supportive"
	Casual     Persona = "casual"
	Lurker     Persona = "lurker"
)

// PersonaParams drives selection weight and generated-text tone. An
// affinity of 0 keeps the persona out of that engagement type entirely.
type PersonaParams struct {
	Affinity        map[models.EngagementType]float64
	DefaultDailyCap int
	Voice           string
}

var personaTable = map[Persona]PersonaParams{
	Enthusiast: {
		Affinity: map[models.EngagementType]float64{
			models.Like: 1.0, models.Repost: 0.8, models.Comment: 0.9,
			models.Bookmark: 0.6, models.Quote: 0.6, models.Follow: 0.9,
		},
		DefaultDailyCap: 60,
		Voice:           "upbeat and generous with praise, uses the occasional exclamation mark",
	},
	Supportive: {
		Affinity: map[models.EngagementType]float64{
			models.Like: 1.0, models.Repost: 0.6, models.Comment: 1.0,
			models.Bookmark: 0.5, models.Quote: 0.4, models.Follow: 0.7,
		},
		DefaultDailyCap: 40,
		Voice:           "warm and encouraging, points out something specific they liked",
	},
	Casual: {
		Affinity: map[models.EngagementType]float64{
			models.Like: 0.8, models.Repost: 0.3, models.Comment: 0.4,
			models.Bookmark: 0.4, models.Quote: 0.2, models.Follow: 0.4,
		},
		DefaultDailyCap: 25,
		Voice:           "laid-back and brief, lowercase is fine",
	},
	Lurker: {
		Affinity: map[models.EngagementType]float64{
			models.Like: 0.6, models.Repost: 0.1, models.Comment: 0.05,
			models.Bookmark: 0.8, models.Quote: 0, models.Follow: 0.3,
		},
		DefaultDailyCap: 10,
		Voice:           "reserved, a few words at most",
	},
}

func ParsePersona(s string) (Persona, error) {
	p := Persona(s)
	if _, ok := personaTable[p]; !ok {
		return "", fmt.Errorf("unknown persona %q", s)
	}
	return p, nil
}

// Params returns the parameter row for p. Unknown personas get the casual row.
func (p Persona) Params() PersonaParams {
	if params, ok := personaTable[p]; ok {
		return params
	}
	return personaTable[Casual]
}

func (p Persona) Affinity(t models.EngagementType) float64 {
	return p.Params().Affinity[t]
}

// Personas lists every known persona in a stable order.
func Personas() []Persona {
	out := make([]Persona, 0, len(personaTable))
	for p := range personaTable {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
