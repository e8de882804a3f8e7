package kademlia

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/zde37/kadnet/pkg/hash"
)

// Rand is a mutex guarded random source. Each routing table owns one.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand creates a random source from seed. A zero seed uses the clock.
func NewRand(seed uint64) *Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Rand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// IntN returns a uniform int in [0, n). n must be positive.
func (r *Rand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.IntN(n)
}

func (r *Rand) keyInRange(rc *hash.RangeCalculator, begin, end int) (hash.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rc.RandomKey(begin, end, r.r)
}
