package hash

import (
	"fmt"
	"math/rand/v2"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MaxBFactor bounds the number of sub-ranges per distance bit (2^(B-1)).
	MaxBFactor = 8

	rangeCacheSize = 256
)

// RangeCalculator maps keys to range numbers relative to a local key.
//
// With B == 1 the range number of a key is the index of the highest bit in
// which it differs from the local key. With B > 1 each distance bit is cut
// into 2^(B-1) sub-ranges keyed by the B-1 bits directly below the highest
// differing bit, which lets buckets close to the local key split finer.
// The local key itself has range -1.
type RangeCalculator struct {
	local Key
	shift int
	cache *lru.Cache[Key, int]
}

// NewRangeCalculator creates a calculator for the given local key and B factor.
func NewRangeCalculator(local Key, bFactor int) (*RangeCalculator, error) {
	if bFactor < 1 || bFactor > MaxBFactor {
		return nil, fmt.Errorf("B factor must be between 1 and %d, got %d", MaxBFactor, bFactor)
	}

	cache, err := lru.New[Key, int](rangeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create range cache: %w", err)
	}

	return &RangeCalculator{
		local: local,
		shift: bFactor - 1,
		cache: cache,
	}, nil
}

// Local returns the key ranges are measured from.
func (rc *RangeCalculator) Local() Key {
	return rc.local
}

// NumRanges returns the total number of range numbers.
func (rc *RangeCalculator) NumRanges() int {
	return KeyBits << rc.shift
}

// Range returns the range number of key, or -1 for the local key.
func (rc *RangeCalculator) Range(key Key) int {
	if r, ok := rc.cache.Get(key); ok {
		return r
	}

	r := rc.compute(key)
	rc.cache.Add(key, r)
	return r
}

func (rc *RangeCalculator) compute(key Key) int {
	x := key.Xor(rc.local)
	hb := HighestBit(x)
	if hb < 0 {
		return -1
	}
	if rc.shift == 0 {
		return hb
	}

	r := hb << rc.shift
	if hb >= rc.shift {
		for j := 1; j <= rc.shift; j++ {
			r += bit(x, hb-j) << (rc.shift - j)
		}
	}
	return r
}

// Reachable reports whether some key maps to range number r.
func (rc *RangeCalculator) Reachable(r int) bool {
	if r < 0 || r >= rc.NumRanges() {
		return false
	}
	hb := r >> rc.shift
	sub := r & (1<<rc.shift - 1)
	return hb >= rc.shift || sub == 0
}

// RandomKey returns a random key whose range number lies in [begin, end].
// It reports false if no range in the interval is reachable.
func (rc *RangeCalculator) RandomKey(begin, end int, rng *rand.Rand) (Key, bool) {
	if begin < 0 {
		begin = 0
	}
	if end >= rc.NumRanges() {
		end = rc.NumRanges() - 1
	}
	if begin > end {
		return Key{}, false
	}

	r := begin + rng.IntN(end-begin+1)
	if !rc.Reachable(r) {
		// Ranges below 2^(B-1) only exist for sub-range 0.
		r = (r >> rc.shift) << rc.shift
		if r < begin || !rc.Reachable(r) {
			r = -1
			for c := begin; c <= end; c++ {
				if rc.Reachable(c) {
					r = c
					break
				}
			}
			if r < 0 {
				return Key{}, false
			}
		}
	}

	hb := r >> rc.shift
	sub := r & (1<<rc.shift - 1)

	x := RandomKey(rng)
	clearFrom(&x, hb)
	setBit(&x, hb, 1)
	if hb >= rc.shift {
		for j := 1; j <= rc.shift; j++ {
			setBit(&x, hb-j, (sub>>(rc.shift-j))&1)
		}
	}

	return x.Xor(rc.local), true
}
