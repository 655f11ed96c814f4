package orchestrator

import "vibeslop/api_engagement/internal/models"

var fallbackComments = []string{
	"This is great, thanks for sharing!",
	"Really nice work.",
	"Love this!",
	"Super cool, keep it up.",
	"This made my day.",
}

var fallbackQuotes = []string{
	"Worth a look.",
	"Sharing this one, really well done.",
	"Check this out!",
}

func (o *Orchestrator) fallback(t models.EngagementType) string {
	pool := fallbackComments
	if t == models.Quote {
		pool = fallbackQuotes
	}
	i := int(o.rng.Float64() * float64(len(pool)))
	return pool[min(i, len(pool)-1)]
}
