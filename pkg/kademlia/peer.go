package kademlia

import (
	"sort"
	"time"

	"github.com/zde37/kadnet/pkg/hash"
)

// Peer is what the routing table knows about a remote node.
type Peer struct {
	ID        hash.Key  `json:"id"`
	Address   string    `json:"address"`
	FirstSeen time.Time `json:"first_seen"`
	// LastSeen is the last time the peer answered or sent us something.
	// Zero for peers we only heard about from others.
	LastSeen            time.Time `json:"last_seen"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
}

// NewPeer describes the node at address. The id is derived from the address.
func NewPeer(address string) Peer {
	return Peer{
		ID:      hash.HashAddress(address),
		Address: address,
	}
}

// Seen returns a copy of p marked as directly heard from at t.
func (p Peer) Seen(t time.Time) Peer {
	p.LastSeen = t
	p.ConsecutiveTimeouts = 0
	return p
}

// IsStale reports whether the peer has timed out threshold times in a row.
func (p Peer) IsStale(threshold int) bool {
	return p.ConsecutiveTimeouts >= threshold
}

// merge folds fresher liveness information from update into p.
func (p *Peer) merge(update Peer) {
	if p.FirstSeen.IsZero() {
		p.FirstSeen = update.FirstSeen
	}
	if update.LastSeen.After(p.LastSeen) {
		p.LastSeen = update.LastSeen
		p.ConsecutiveTimeouts = 0
	}
}

// sortByDistance orders peers by XOR distance to target, closest first.
func sortByDistance(peers []Peer, target hash.Key) {
	sort.Slice(peers, func(i, j int) bool {
		return hash.Closer(peers[i].ID, peers[j].ID, target)
	})
}
