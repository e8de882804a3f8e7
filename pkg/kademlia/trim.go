package kademlia

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zde37/kadnet/pkg/config"
)

// TrimTarget is the view of a full bucket a Trimmer works on.
type TrimTarget interface {
	Len() int
	Capacity() int
	LastChanged() time.Time
	// EvictAt removes the i-th peer, 0 <= i < Len().
	EvictAt(i int) Peer
}

// Trimmer decides whether candidate may enter a bucket that cannot split.
// It may evict peers from target before returning true. Returning false
// keeps the bucket unchanged.
type Trimmer func(target TrimTarget, candidate Peer) bool

// RandomTrim accepts every candidate, evicting a random peer when full.
func RandomTrim(rng *Rand) Trimmer {
	return func(t TrimTarget, _ Peer) bool {
		if t.Len() < t.Capacity() {
			return true
		}
		t.EvictAt(rng.IntN(t.Len()))
		return true
	}
}

// IfIdle rejects candidates while the bucket changed within idle, and
// otherwise defers to next.
func IfIdle(idle time.Duration, clk clock.Clock, next Trimmer) Trimmer {
	return func(t TrimTarget, candidate Peer) bool {
		if clk.Since(t.LastChanged()) < idle {
			return false
		}
		return next(t, candidate)
	}
}

// RandomIfOld evicts a random peer, but only from buckets that have not
// changed for idle.
func RandomIfOld(idle time.Duration, clk clock.Clock, rng *Rand) Trimmer {
	return IfIdle(idle, clk, RandomTrim(rng))
}

// Reject never admits a candidate into a full bucket.
func Reject() Trimmer {
	return func(TrimTarget, Peer) bool {
		return false
	}
}

// NewTrimmer builds the trimmer named by policy.
func NewTrimmer(policy string, idle time.Duration, clk clock.Clock, rng *Rand) (Trimmer, error) {
	switch policy {
	case config.TrimRandom:
		return RandomTrim(rng), nil
	case config.TrimRandomIfOld:
		return RandomIfOld(idle, clk, rng), nil
	case config.TrimReject:
		return Reject(), nil
	default:
		return nil, fmt.Errorf("unknown trim policy %q", policy)
	}
}
