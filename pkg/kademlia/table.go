package kademlia

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/metrics"
)

// tableLockWeight is the semaphore weight a split takes. Readers take 1.
const tableLockWeight int64 = 1 << 30

// RoutingTable is a Kademlia routing table made of k-buckets that tile the
// range numbers relative to the local id, closest range first, plus an
// optional sibling list of the S closest peers.
//
// Lookups and other reads run concurrently. Membership changes are
// serialized. Splitting a bucket takes the bucket list exclusively and gives
// up after SplitLockTimeout, leaving the split for a later insert.
type RoutingTable struct {
	local          hash.Key
	ranges         *hash.RangeCalculator
	k              int
	bFactor        int
	replCap        int
	staleThreshold int
	splitTimeout   time.Duration

	trim        Trimmer
	clock       clock.Clock
	rng         *Rand
	logger      *pkg.Logger
	broadcaster EventBroadcaster
	metrics     *metrics.Metrics

	sem        *semaphore.Weighted
	membership sync.Mutex
	buckets    []*Bucket
	siblings   *siblingList
}

// NewRoutingTable creates an empty table for the node with id local.
func NewRoutingTable(local hash.Key, cfg *config.Config, logger *pkg.Logger, opts ...Option) (*RoutingTable, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := buildOptions(opts)

	ranges, err := hash.NewRangeCalculator(local, cfg.B)
	if err != nil {
		return nil, err
	}

	trim := o.trimmer
	if trim == nil {
		trim, err = NewTrimmer(cfg.TrimPolicy, cfg.TrimIdleThreshold, o.clock, o.rng)
		if err != nil {
			return nil, err
		}
	}

	t := &RoutingTable{
		local:          local,
		ranges:         ranges,
		k:              cfg.K,
		bFactor:        1 << (cfg.B - 1),
		replCap:        cfg.ReplacementCacheSize,
		staleThreshold: cfg.StaleThreshold,
		splitTimeout:   cfg.SplitLockTimeout,
		trim:           trim,
		clock:          o.clock,
		rng:            o.rng,
		logger:         logger.WithFields(pkg.Fields{"component": "routing_table", "node_id": local.Short()}),
		broadcaster:    o.broadcaster,
		metrics:        o.metrics,
		sem:            semaphore.NewWeighted(tableLockWeight),
	}
	t.buckets = []*Bucket{t.newBucket(0, ranges.NumRanges()-1)}
	if cfg.UseSiblingList {
		t.siblings = newSiblingList(local, cfg.S)
	}

	return t, nil
}

func (t *RoutingTable) newBucket(begin, end int) *Bucket {
	return newBucket(begin, end, t.k, t.replCap, t.clock.Now())
}

// LocalID returns the id the table is built around.
func (t *RoutingTable) LocalID() hash.Key {
	return t.local
}

func (t *RoutingTable) rlock() {
	// never fails with a background context
	_ = t.sem.Acquire(context.Background(), 1)
}

func (t *RoutingTable) runlock() {
	t.sem.Release(1)
}

// bucketIndex returns the index of the bucket covering range r. Callers hold
// the read or write side of the semaphore.
func (t *RoutingTable) bucketIndex(r int) int {
	i := sort.Search(len(t.buckets), func(i int) bool {
		return t.buckets[i].end >= r
	})
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	return i
}

// AddOrUpdate records p. It reports whether p is new to the table. The
// local id is never added.
func (t *RoutingTable) AddOrUpdate(p Peer) bool {
	if p.ID == t.local {
		return false
	}

	t.membership.Lock()
	defer t.membership.Unlock()
	defer t.recordSize()

	now := t.clock.Now()

	if t.siblings != nil {
		if t.siblings.update(p) {
			return false
		}
		if t.siblings.qualifies(p.ID, t.staleThreshold) {
			return t.promoteSibling(p, now)
		}
	}

	return t.addToBuckets(p, now)
}

// promoteSibling moves p into the sibling list, pulling it out of its bucket
// if needed and pushing any displaced sibling back into the buckets.
func (t *RoutingTable) promoteSibling(p Peer, now time.Time) bool {
	isNew := true
	r := t.ranges.Range(p.ID)

	t.rlock()
	b := t.buckets[t.bucketIndex(r)]
	var promoted *Peer
	if existing, ok := b.Get(p.ID); ok {
		existing.merge(p)
		p = existing
		_, promoted, _ = b.remove(p.ID, now)
		isNew = false
	}
	t.runlock()

	if promoted != nil {
		t.emit(EventPeerAdded, *promoted, "replacement promoted")
	}

	if displaced := t.siblings.insert(p, now, t.staleThreshold); displaced != nil {
		t.logger.Debug().
			Str("peer", displaced.ID.Short()).
			Msg("Sibling displaced into buckets")
		t.addToBuckets(*displaced, now)
	}

	if isNew {
		t.emit(EventPeerAdded, p, "peer added to sibling list")
	}
	return isNew
}

func (t *RoutingTable) addToBuckets(p Peer, now time.Time) bool {
	r := t.ranges.Range(p.ID)

	t.rlock()
	b := t.buckets[t.bucketIndex(r)]
	res := b.addOrUpdate(p, now, t.trim, t.staleThreshold)
	needSplit := res.added && b.splittable() && b.Len() > t.k
	t.runlock()

	for _, gone := range res.evicted {
		t.emit(EventPeerRemoved, gone, "peer evicted from full bucket")
	}
	if res.added {
		t.emit(EventPeerAdded, p, "peer added to bucket")
	} else if res.cached {
		t.logger.Debug().
			Str("peer", p.ID.Short()).
			Str("bucket", b.String()).
			Msg("Bucket full, peer kept as replacement")
	}

	if needSplit {
		t.split(r)
	}
	return res.added
}

// split divides the bucket covering range r until no splittable bucket on
// the way holds more than K peers.
func (t *RoutingTable) split(r int) {
	ctx, cancel := t.clock.WithTimeout(context.Background(), t.splitTimeout)
	defer cancel()

	if err := t.sem.Acquire(ctx, tableLockWeight); err != nil {
		t.logger.Warn().
			Err(err).
			Int("range", r).
			Dur("timeout", t.splitTimeout).
			Msg("Could not lock table for split, deferring")

		t.rlock()
		shed := t.buckets[t.bucketIndex(r)].shedExcess()
		t.runlock()
		for _, p := range shed {
			t.emit(EventPeerRemoved, p, "peer moved to replacement cache")
		}
		return
	}
	defer t.sem.Release(tableLockWeight)

	t.lockedSplit(r)
}

func (t *RoutingTable) lockedSplit(r int) {
	bf := t.bFactor
	idx := t.bucketIndex(r)

	for {
		b0 := t.buckets[idx]
		if !b0.splittable() || len(b0.peers) <= t.k {
			break
		}

		s1, e2 := b0.begin, b0.end
		var s2 int
		if bf > 1 && s1&(bf-1) == 0 && (e2+1)&(bf-1) == 0 && e2 > s1+bf {
			// whole k-bucket wider than one distance bit: peel off the top bit
			s2 = e2 + 1 - bf
		} else {
			s2 = s1 + (1+e2-s1)/2
		}

		b1 := t.newBucket(s1, s2-1)
		b2 := t.newBucket(s2, e2)
		for _, p := range b0.peers {
			if t.ranges.Range(p.ID) < s2 {
				b1.peers = append(b1.peers, p)
			} else {
				b2.peers = append(b2.peers, p)
			}
		}
		for _, p := range b0.replacements {
			if t.ranges.Range(p.ID) < s2 {
				b1.cache(p)
			} else {
				b2.cache(p)
			}
		}

		t.buckets[idx] = b1
		t.buckets = append(t.buckets, nil)
		copy(t.buckets[idx+2:], t.buckets[idx+1:])
		t.buckets[idx+1] = b2

		t.logger.Info().
			Str("from", fmt.Sprintf("%d-%d", s1, e2)).
			Str("low", fmt.Sprintf("%d-%d (%d)", s1, s2-1, len(b1.peers))).
			Str("high", fmt.Sprintf("%d-%d (%d)", s2, e2, len(b2.peers))).
			Msg("Split bucket")
		t.emitSplit(s1, e2)

		switch {
		case len(b1.peers) > t.k && b1.splittable():
		case len(b2.peers) > t.k && b2.splittable():
			idx++
		default:
			for _, child := range []*Bucket{b1, b2} {
				for _, p := range child.shedExcess() {
					t.emit(EventPeerRemoved, p, "peer moved to replacement cache")
				}
			}
			return
		}
	}
}

// Remove drops the peer with the given id from the table.
func (t *RoutingTable) Remove(id hash.Key) bool {
	t.membership.Lock()
	defer t.membership.Unlock()
	defer t.recordSize()

	now := t.clock.Now()

	if t.siblings != nil {
		if p, ok := t.siblings.remove(id); ok {
			t.emit(EventPeerRemoved, p, "peer removed from sibling list")
			t.refillSiblings(now)
			return true
		}
	}

	r := t.ranges.Range(id)
	if r < 0 {
		return false
	}

	t.rlock()
	removed, promoted, ok := t.buckets[t.bucketIndex(r)].remove(id, now)
	t.runlock()

	if !ok {
		return false
	}
	t.emit(EventPeerRemoved, removed, "peer removed")
	if promoted != nil {
		t.emit(EventPeerAdded, *promoted, "replacement promoted")
	}
	return true
}

// refillSiblings moves the closest bucket peer into a freed sibling slot.
func (t *RoutingTable) refillSiblings(now time.Time) {
	t.rlock()
	var (
		best  Peer
		found bool
		from  *Bucket
	)
	for _, b := range t.buckets {
		for _, p := range b.Peers() {
			if !found || hash.Closer(p.ID, best.ID, t.local) {
				best, found, from = p, true, b
			}
		}
		if found {
			// lower ranges are strictly closer
			break
		}
	}
	if found {
		from.remove(best.ID, now)
	}
	t.runlock()

	if found {
		t.siblings.insert(best, now, t.staleThreshold)
	}
}

// RecordTimeout notes that id failed to answer in time.
func (t *RoutingTable) RecordTimeout(id hash.Key) {
	t.membership.Lock()
	defer t.membership.Unlock()

	if t.siblings != nil && t.siblings.recordTimeout(id) {
		return
	}

	r := t.ranges.Range(id)
	if r < 0 {
		return
	}

	t.rlock()
	_, evicted, promoted := t.buckets[t.bucketIndex(r)].recordTimeout(id, t.staleThreshold, t.clock.Now())
	t.runlock()

	if evicted != nil {
		t.emit(EventPeerRemoved, *evicted, "stale peer replaced")
	}
	if promoted != nil {
		t.emit(EventPeerAdded, *promoted, "replacement promoted")
	}
}

// Get returns what the table knows about id.
func (t *RoutingTable) Get(id hash.Key) (Peer, bool) {
	if t.siblings != nil {
		if p, ok := t.siblings.get(id); ok {
			return p, true
		}
	}
	r := t.ranges.Range(id)
	if r < 0 {
		return Peer{}, false
	}

	t.rlock()
	defer t.runlock()
	return t.buckets[t.bucketIndex(r)].Get(id)
}

// Size returns the number of peers in buckets and the sibling list.
func (t *RoutingTable) Size() int {
	n := 0
	if t.siblings != nil {
		n = t.siblings.len()
	}

	t.rlock()
	defer t.runlock()
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

// BucketCount returns the current number of buckets.
func (t *RoutingTable) BucketCount() int {
	t.rlock()
	defer t.runlock()
	return len(t.buckets)
}

// Peers returns every peer in the table.
func (t *RoutingTable) Peers() []Peer {
	var out []Peer
	if t.siblings != nil {
		out = append(out, t.siblings.list()...)
	}

	t.rlock()
	defer t.runlock()
	for _, b := range t.buckets {
		out = append(out, b.Peers()...)
	}
	return out
}

// Siblings returns the sibling list, closest first. Empty when disabled.
func (t *RoutingTable) Siblings() []Peer {
	if t.siblings == nil {
		return nil
	}
	return t.siblings.list()
}

// Buckets summarizes every bucket, closest range first.
func (t *RoutingTable) Buckets() []BucketInfo {
	t.rlock()
	defer t.runlock()

	out := make([]BucketInfo, 0, len(t.buckets))
	for _, b := range t.buckets {
		out = append(out, b.Info())
	}
	return out
}

// BucketFor returns the bucket whose range covers key. It reports false for
// the local id.
func (t *RoutingTable) BucketFor(key hash.Key) (BucketInfo, bool) {
	r := t.ranges.Range(key)
	if r < 0 {
		return BucketInfo{}, false
	}

	t.rlock()
	defer t.runlock()
	return t.buckets[t.bucketIndex(r)].Info(), true
}

// ClosestPeers returns up to n known peers ordered by XOR distance to key,
// closest first. The result never contains the local id or duplicates.
func (t *RoutingTable) ClosestPeers(key hash.Key, n int) []Peer {
	if n <= 0 {
		return nil
	}

	// range numbers sharing a distance bit form one group
	group := func(r int) int {
		if r < 0 {
			return -1
		}
		return r / t.bFactor
	}
	keyGroup := group(t.ranges.Range(key))

	var candidates []Peer
	if t.siblings != nil {
		candidates = append(candidates, t.siblings.list()...)
	}

	t.rlock()
	i := 0
	// Peers in buckets that start at or below the key's distance bit may be
	// arbitrarily close to key, so take all of them.
	for ; i < len(t.buckets) && group(t.buckets[i].begin) <= keyGroup; i++ {
		candidates = append(candidates, t.buckets[i].Peers()...)
	}
	// Farther buckets only add strictly farther peers; take whole distance
	// bits until there are enough.
	for i < len(t.buckets) && len(candidates) < n {
		g := group(t.buckets[i].begin)
		for ; i < len(t.buckets) && group(t.buckets[i].begin) == g; i++ {
			candidates = append(candidates, t.buckets[i].Peers()...)
		}
	}
	t.runlock()

	sortByDistance(candidates, key)

	out := make([]Peer, 0, min(n, len(candidates)))
	for j, p := range candidates {
		if p.ID == t.local || (j > 0 && p.ID == candidates[j-1].ID) {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

// ExploreKeys returns one random key per bucket that has not changed for
// idle. Looking those keys up refreshes the buckets.
func (t *RoutingTable) ExploreKeys(idle time.Duration) []hash.Key {
	now := t.clock.Now()

	t.rlock()
	defer t.runlock()

	var keys []hash.Key
	for _, b := range t.buckets {
		if now.Sub(b.LastChanged()) < idle {
			continue
		}
		if k, ok := t.rng.keyInRange(t.ranges, b.begin, b.end); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (t *RoutingTable) recordSize() {
	if t.metrics == nil {
		return
	}
	t.metrics.SetTableSize(t.Size(), t.BucketCount())
}

func (t *RoutingTable) emit(eventType string, p Peer, msg string) {
	t.metrics.TableEvent(eventType)
	t.logger.Debug().
		Str("event", eventType).
		Str("peer", p.ID.Short()).
		Str("address", p.Address).
		Msg(msg)

	if t.broadcaster == nil {
		return
	}
	event := TableEvent{
		Type:      eventType,
		NodeID:    t.local.String(),
		PeerID:    p.ID.String(),
		Address:   p.Address,
		Timestamp: t.clock.Now().UnixMilli(),
		Message:   msg,
	}
	if err := t.broadcaster.BroadcastTableEvent(event); err != nil {
		t.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to broadcast table event")
	}
}

func (t *RoutingTable) emitSplit(begin, end int) {
	t.metrics.TableEvent(EventBucketSplit)
	if t.broadcaster == nil {
		return
	}
	event := TableEvent{
		Type:      EventBucketSplit,
		NodeID:    t.local.String(),
		Timestamp: t.clock.Now().UnixMilli(),
		Message:   fmt.Sprintf("split bucket %d-%d", begin, end),
	}
	if err := t.broadcaster.BroadcastTableEvent(event); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to broadcast split event")
	}
}
