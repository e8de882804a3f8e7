package kademlia

import (
	"fmt"
	"sync"
	"time"

	"github.com/zde37/kadnet/pkg/hash"
)

// Bucket holds up to Capacity peers whose range numbers fall in
// [begin, end], plus a bounded cache of replacement candidates.
// Buckets with begin != end may temporarily exceed capacity until the
// routing table splits them.
type Bucket struct {
	mu           sync.Mutex
	begin        int
	end          int
	capacity     int
	replCap      int
	peers        []Peer // oldest first
	replacements []Peer // most recent last
	lastChanged  time.Time
}

// BucketInfo is a point in time summary of a bucket.
type BucketInfo struct {
	Begin        int       `json:"begin"`
	End          int       `json:"end"`
	Peers        []Peer    `json:"peers"`
	Replacements int       `json:"replacements"`
	LastChanged  time.Time `json:"last_changed"`
}

type addResult struct {
	added   bool
	updated bool
	cached  bool
	evicted []Peer
}

func newBucket(begin, end, capacity, replCap int, now time.Time) *Bucket {
	return &Bucket{
		begin:       begin,
		end:         end,
		capacity:    capacity,
		replCap:     replCap,
		peers:       make([]Peer, 0, capacity),
		lastChanged: now,
	}
}

func (b *Bucket) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("bucket(%d-%d, %d peers)", b.begin, b.end, len(b.peers))
}

// Range returns the inclusive range numbers the bucket covers.
func (b *Bucket) Range() (begin, end int) {
	return b.begin, b.end
}

func (b *Bucket) contains(r int) bool {
	return r >= b.begin && r <= b.end
}

func (b *Bucket) splittable() bool {
	return b.begin != b.end
}

// Len returns the number of live peers in the bucket.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// LastChanged returns when the peer set last changed.
func (b *Bucket) LastChanged() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastChanged
}

// Peers returns a copy of the bucket's peers, oldest first.
func (b *Bucket) Peers() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Peer(nil), b.peers...)
}

// Get returns the peer with the given id.
func (b *Bucket) Get(id hash.Key) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := indexOf(b.peers, id); i >= 0 {
		return b.peers[i], true
	}
	return Peer{}, false
}

// Info summarizes the bucket.
func (b *Bucket) Info() BucketInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketInfo{
		Begin:        b.begin,
		End:          b.end,
		Peers:        append([]Peer(nil), b.peers...),
		Replacements: len(b.replacements),
		LastChanged:  b.lastChanged,
	}
}

func indexOf(peers []Peer, id hash.Key) int {
	for i := range peers {
		if peers[i].ID == id {
			return i
		}
	}
	return -1
}

// addOrUpdate refreshes a known peer or admits a new one. Full buckets that
// cannot split first give up a stale peer, then ask trim. Candidates that
// are turned away land in the replacement cache.
func (b *Bucket) addOrUpdate(p Peer, now time.Time, trim Trimmer, staleThreshold int) addResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.peers, p.ID); i >= 0 {
		b.peers[i].merge(p)
		return addResult{updated: true}
	}

	if len(b.peers) < b.capacity || b.splittable() {
		b.insert(p, now)
		return addResult{added: true}
	}

	if i := b.stalest(staleThreshold); i >= 0 {
		evicted := b.removeAt(i)
		b.insert(p, now)
		return addResult{added: true, evicted: []Peer{evicted}}
	}

	if trim != nil {
		view := &trimView{b: b}
		if trim(view, p) && len(b.peers) < b.capacity {
			b.insert(p, now)
			return addResult{added: true, evicted: view.evicted}
		}
		if len(view.evicted) > 0 {
			b.lastChanged = now
			return addResult{evicted: view.evicted, cached: b.cache(p)}
		}
	}

	return addResult{cached: b.cache(p)}
}

// remove drops id from the bucket and promotes the freshest replacement
// into the freed slot.
func (b *Bucket) remove(id hash.Key, now time.Time) (removed Peer, promoted *Peer, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.replacements, id); i >= 0 {
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
	}

	i := indexOf(b.peers, id)
	if i < 0 {
		return Peer{}, nil, false
	}
	removed = b.removeAt(i)
	b.lastChanged = now
	promoted = b.promote(now)
	return removed, promoted, true
}

// recordTimeout counts a missed reply. A peer that turns stale is swapped
// for a replacement when one is waiting.
func (b *Bucket) recordTimeout(id hash.Key, threshold int, now time.Time) (found bool, evicted *Peer, promoted *Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := indexOf(b.replacements, id); i >= 0 {
		// unresponsive candidates are not worth keeping
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
	}

	i := indexOf(b.peers, id)
	if i < 0 {
		return false, nil, nil
	}
	b.peers[i].ConsecutiveTimeouts++
	if !b.peers[i].IsStale(threshold) || len(b.replacements) == 0 {
		return true, nil, nil
	}

	gone := b.removeAt(i)
	b.lastChanged = now
	return true, &gone, b.promote(now)
}

func (b *Bucket) insert(p Peer, now time.Time) {
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if i := indexOf(b.replacements, p.ID); i >= 0 {
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
	}
	b.peers = append(b.peers, p)
	b.lastChanged = now
}

func (b *Bucket) removeAt(i int) Peer {
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return p
}

func (b *Bucket) promote(now time.Time) *Peer {
	n := len(b.replacements)
	if n == 0 || len(b.peers) >= b.capacity {
		return nil
	}
	p := b.replacements[n-1]
	b.replacements = b.replacements[:n-1]
	b.insert(p, now)
	return &p
}

// cache remembers p as a replacement candidate, dropping the oldest entry
// when the cache is full.
func (b *Bucket) cache(p Peer) bool {
	if b.replCap <= 0 {
		return false
	}
	if i := indexOf(b.replacements, p.ID); i >= 0 {
		prev := b.replacements[i]
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
		prev.merge(p)
		p = prev
	}
	if len(b.replacements) >= b.replCap {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, p)
	return true
}

// stalest returns the index of the peer with the most consecutive timeouts
// at or above threshold, or -1.
func (b *Bucket) stalest(threshold int) int {
	idx := -1
	for i := range b.peers {
		if !b.peers[i].IsStale(threshold) {
			continue
		}
		if idx < 0 || b.peers[i].ConsecutiveTimeouts > b.peers[idx].ConsecutiveTimeouts {
			idx = i
		}
	}
	return idx
}

// trimView exposes a locked bucket to a Trimmer.
type trimView struct {
	b       *Bucket
	evicted []Peer
}

func (v *trimView) Len() int               { return len(v.b.peers) }
func (v *trimView) Capacity() int          { return v.b.capacity }
func (v *trimView) LastChanged() time.Time { return v.b.lastChanged }

func (v *trimView) EvictAt(i int) Peer {
	p := v.b.removeAt(i)
	v.evicted = append(v.evicted, p)
	return p
}

// shedExcess moves the newest peers beyond capacity into the replacement
// cache and returns them.
func (b *Bucket) shedExcess() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	var shed []Peer
	for len(b.peers) > b.capacity {
		p := b.removeAt(len(b.peers) - 1)
		b.cache(p)
		shed = append(shed, p)
	}
	return shed
}

// Closest returns the peer nearest to key.
func (b *Bucket) Closest(key hash.Key) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pick(b.peers, func(p, best Peer) bool { return hash.Closer(p.ID, best.ID, key) })
}

// MostDistant returns the peer farthest from ref.
func (b *Bucket) MostDistant(ref hash.Key) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pick(b.peers, func(p, best Peer) bool { return hash.Closer(best.ID, p.ID, ref) })
}

func pick(peers []Peer, better func(p, best Peer) bool) (Peer, bool) {
	if len(peers) == 0 {
		return Peer{}, false
	}
	best := peers[0]
	for _, p := range peers[1:] {
		if better(p, best) {
			best = p
		}
	}
	return best, true
}
