package kademlia

import (
	"sync"
	"time"

	"github.com/zde37/kadnet/pkg/hash"
)

// siblingList keeps the peers closest to the local node, sorted closest
// first. A peer held here is never also held in a bucket.
type siblingList struct {
	mu       sync.Mutex
	local    hash.Key
	capacity int
	peers    []Peer
}

func newSiblingList(local hash.Key, capacity int) *siblingList {
	return &siblingList{
		local:    local,
		capacity: capacity,
		peers:    make([]Peer, 0, capacity+1),
	}
}

func (s *siblingList) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *siblingList) list() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peer(nil), s.peers...)
}

func (s *siblingList) get(id hash.Key) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.peers, id); i >= 0 {
		return s.peers[i], true
	}
	return Peer{}, false
}

// update merges liveness into a peer already in the list.
func (s *siblingList) update(p Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.peers, p.ID); i >= 0 {
		s.peers[i].merge(p)
		return true
	}
	return false
}

// qualifies reports whether id would be admitted: the list has room, id is
// strictly closer than the most distant sibling, or a stale sibling can
// make way.
func (s *siblingList) qualifies(id hash.Key, staleThreshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.peers) < s.capacity {
		return true
	}
	if hash.Closer(id, s.peers[len(s.peers)-1].ID, s.local) {
		return true
	}
	return s.stalest(staleThreshold) >= 0
}

// insert adds p and returns the sibling pushed out to make room, if any.
// Stale siblings go first, then the most distant one.
func (s *siblingList) insert(p Peer, now time.Time, staleThreshold int) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	s.peers = append(s.peers, p)
	sortByDistance(s.peers, s.local)

	if len(s.peers) <= s.capacity {
		return nil
	}

	i := s.stalest(staleThreshold)
	if i < 0 || s.peers[i].ID == p.ID {
		i = len(s.peers) - 1
	}
	out := s.peers[i]
	s.peers = append(s.peers[:i], s.peers[i+1:]...)
	return &out
}

func (s *siblingList) remove(id hash.Key) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.peers, id)
	if i < 0 {
		return Peer{}, false
	}
	p := s.peers[i]
	s.peers = append(s.peers[:i], s.peers[i+1:]...)
	return p, true
}

func (s *siblingList) recordTimeout(id hash.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.peers, id); i >= 0 {
		s.peers[i].ConsecutiveTimeouts++
		return true
	}
	return false
}

func (s *siblingList) stalest(threshold int) int {
	idx := -1
	for i := range s.peers {
		if !s.peers[i].IsStale(threshold) {
			continue
		}
		if idx < 0 || s.peers[i].ConsecutiveTimeouts > s.peers[idx].ConsecutiveTimeouts {
			idx = i
		}
	}
	return idx
}
