package timing

import (
	"math/rand/v2"
	"sync"
)

// LockedRand is a Rand that is safe to share between goroutines.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand seeds a PCG source. A zero seed draws one from the runtime.
func NewLockedRand(seed uint64) *LockedRand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &LockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
