package kademlia

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/metrics"
	"github.com/zde37/kadnet/pkg/wire"
)

// lookup is one iterative closest-node search. It is driven by a single
// goroutine; replies come back over a channel, so the sets below are only
// touched by that goroutine and need no lock.
type lookup struct {
	target    hash.Key
	table     *RoutingTable // seeds the search and learns every peer it meets
	transport Transport
	clock     clock.Clock
	rng       *Rand // picks the next candidate to query
	logger    *pkg.Logger
	metrics   *metrics.Metrics

	// Tunables
	resultSize     int           // S, responders needed to finish
	alpha          int           // requests in flight at once
	requestTimeout time.Duration // per FindClosePeers request
	lookupTimeout  time.Duration // whole lookup

	// Search state
	candidates []Peer                 // known but not yet queried
	pending    map[hash.Key]Peer     // queried, reply outstanding
	responded  []Peer                // answered, closest to target first
	seen       map[hash.Key]struct{} // every candidate so far, plus the local id
	queried    int
}

// lookupReply carries one request's result back to the lookup goroutine.
type lookupReply struct {
	peer  Peer
	reply *wire.Message
	err   error // transport error, including the per-request timeout
}

// LookupResult is the outcome of a closest-node lookup.
type LookupResult struct {
	Target  hash.Key      `json:"target"`
	Peers   []Peer        `json:"peers"`
	Outcome string        `json:"outcome"`
	Queried int           `json:"queried"`
	Took    time.Duration `json:"took"`
}

// run drives the search until S peers answered, the candidates ran out,
// the lookup timed out or ctx ended, and returns the closest responders.
func (l *lookup) run(ctx context.Context) LookupResult {
	start := l.clock.Now()

	ctx, cancel := l.clock.WithTimeout(ctx, l.lookupTimeout)
	defer cancel()

	// Seed with the S closest peers we know of
	l.pending = make(map[hash.Key]Peer)
	l.seen = map[hash.Key]struct{}{l.table.LocalID(): {}}
	for _, p := range l.table.ClosestPeers(l.target, l.resultSize) {
		l.addCandidate(p)
	}

	// buffered so late replies never block a finished lookup
	replies := make(chan lookupReply, l.alpha)
	outcome := metrics.OutcomeExhausted

loop:
	for {
		// Keep up to alpha requests in flight
		for len(l.pending) < l.alpha && len(l.candidates) > 0 {
			l.dispatch(ctx, replies)
		}
		if len(l.pending) == 0 {
			// nothing left to ask
			break
		}

		select {
		case r := <-replies:
			delete(l.pending, r.peer.ID)
			l.handleReply(ctx, r)
			if l.done() {
				outcome = metrics.OutcomeConverged
				break loop
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				outcome = metrics.OutcomeTimeout
				l.logger.Info().
					Str("target", l.target.Short()).
					Int("responded", len(l.responded)).
					Dur("timeout", l.lookupTimeout).
					Msg("Lookup timed out")
			} else {
				outcome = metrics.OutcomeCanceled
			}
			break loop
		}
	}

	// Requests still in flight are abandoned; their replies land in the
	// buffered channel and are dropped.
	peers := l.responded
	if len(peers) > l.resultSize {
		peers = peers[:l.resultSize]
	}

	took := l.clock.Since(start)
	l.metrics.LookupFinished(outcome, l.queried, took)
	l.logger.Debug().
		Str("target", l.target.Short()).
		Str("outcome", outcome).
		Int("queried", l.queried).
		Int("found", len(peers)).
		Dur("took", took).
		Msg("Lookup finished")

	return LookupResult{
		Target:  l.target,
		Peers:   append([]Peer(nil), peers...),
		Outcome: outcome,
		Queried: l.queried,
		Took:    took,
	}
}

// addCandidate queues p unless it was seen before.
func (l *lookup) addCandidate(p Peer) {
	if _, ok := l.seen[p.ID]; ok {
		return
	}
	l.seen[p.ID] = struct{}{}
	l.candidates = append(l.candidates, p)
}

// dispatch queries a uniformly random candidate.
func (l *lookup) dispatch(ctx context.Context, replies chan<- lookupReply) {
	i := l.rng.IntN(len(l.candidates))
	p := l.candidates[i]
	l.candidates[i] = l.candidates[len(l.candidates)-1]
	l.candidates = l.candidates[:len(l.candidates)-1]

	l.pending[p.ID] = p
	l.queried++

	go func() {
		reqCtx, cancel := l.clock.WithTimeout(ctx, l.requestTimeout)
		defer cancel()

		reply, err := l.transport.Request(reqCtx, p.Address, wire.NewFindClosePeers(l.target))
		replies <- lookupReply{peer: p, reply: reply, err: err}
	}()
}

// handleReply updates the search and the routing table with one reply.
// Failed peers are charged a timeout; answering peers move to responded and
// their referrals become candidates.
func (l *lookup) handleReply(ctx context.Context, r lookupReply) {
	kind := wire.KindFindClosePeers.String()

	if r.err == nil && (r.reply == nil || r.reply.Kind != wire.KindPeerList || r.reply.PeerList == nil) {
		r.err = pkg.ErrUnexpectedReply
	}
	if r.err != nil {
		if ctx.Err() != nil {
			// the lookup itself ended; not the peer's fault
			return
		}
		l.metrics.RequestDone(kind, "failed")
		l.logger.Debug().
			Err(r.err).
			Str("peer", r.peer.ID.Short()).
			Msg("No reply to peer lookup request")
		l.table.RecordTimeout(r.peer.ID)
		return
	}

	// Success
	l.metrics.RequestDone(kind, "ok")
	l.table.AddOrUpdate(r.peer.Seen(l.clock.Now()))
	l.insertResponded(r.peer)

	for _, d := range r.reply.PeerList.Peers {
		if d.Address == "" {
			continue
		}
		p := NewPeer(d.Address)
		if _, ok := l.seen[p.ID]; ok {
			continue
		}
		l.addCandidate(p)
		l.table.AddOrUpdate(p)
	}
}

// insertResponded keeps responded ordered by distance to the target.
func (l *lookup) insertResponded(p Peer) {
	i := 0
	for i < len(l.responded) && hash.Closer(l.responded[i].ID, p.ID, l.target) {
		i++
	}
	l.responded = append(l.responded, Peer{})
	copy(l.responded[i+1:], l.responded[i:])
	l.responded[i] = p
}

// done reports whether enough peers answered to finish the lookup.
func (l *lookup) done() bool {
	return len(l.responded) >= l.resultSize
}
