package kademlia

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

var errNoBootstrapPeer = errors.New("no bootstrap peer answered")

// initialPeers merges the configured bootstrap peers with the peer file.
func (d *DHT) initialPeers() ([]string, error) {
	local := d.transport.LocalAddress()
	seen := map[string]struct{}{local: {}}

	var peers []string
	add := func(addr string) {
		if _, ok := seen[addr]; ok || addr == "" {
			return
		}
		seen[addr] = struct{}{}
		peers = append(peers, addr)
	}

	for _, addr := range d.config.BootstrapPeers {
		add(addr)
	}
	if d.config.PeerFile == "" {
		return peers, nil
	}

	fromFile, err := ReadPeerFile(d.config.PeerFile, local, d.logger)
	for _, addr := range fromFile {
		add(addr)
	}
	return peers, err
}

// bootstrap tries the initial peers until a lookup of the local id through
// one of them succeeds, backing off between rounds.
func (d *DHT) bootstrap(peers []string) {
	defer d.wg.Done()

	if len(peers) == 0 {
		d.logger.Info().Msg("No bootstrap peers, waiting for inbound contact")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.BootstrapRetry
	b.MaxInterval = 10 * d.config.BootstrapRetry
	b.MaxElapsedTime = 0
	b.Clock = d.clock
	b.Reset()

	notify := func(err error, next time.Duration) {
		d.logger.Warn().
			Err(err).
			Int("peers", len(peers)).
			Dur("retry_in", next).
			Msg("Bootstrap failed, retrying")
	}

	err := backoff.RetryNotifyWithTimer(func() error {
		return d.bootstrapRound(peers)
	}, backoff.WithContext(b, d.ctx), notify, &clockTimer{clock: d.clock})
	if err != nil && d.ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("Bootstrap gave up")
	}
}

func (d *DHT) bootstrapRound(peers []string) error {
	for _, addr := range peers {
		if d.ctx.Err() != nil {
			return backoff.Permanent(d.ctx.Err())
		}

		p := NewPeer(addr)
		d.table.AddOrUpdate(p)

		res := d.lookup(d.ctx, d.table.LocalID())
		if len(res.Peers) > 0 {
			d.logger.Info().
				Str("via", addr).
				Int("peers", d.table.Size()).
				Msg("Bootstrapped")
			d.refresh(0)
			d.bootstrapped.Store(true)
			d.emit(TableEvent{
				Type:    EventBootstrapped,
				PeerID:  p.ID.String(),
				Address: addr,
				Message: fmt.Sprintf("bootstrapped via %s", addr),
			})
			return nil
		}

		d.logger.Debug().Str("peer", addr).Msg("Bootstrap peer did not answer")
		d.table.Remove(p.ID)
	}
	return errNoBootstrapPeer
}

// refreshLoop periodically looks up random keys in idle buckets.
func (d *DHT) refreshLoop() {
	defer d.wg.Done()

	ticker := d.clock.Ticker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug().Msg("Refresh loop stopped")
			return
		case <-ticker.C:
			if n := d.refresh(d.config.BucketIdleAge); n > 0 {
				d.logger.Debug().Int("buckets", n).Msg("Refreshed idle buckets")
			}
		}
	}
}

// RefreshStale looks up a random key in every bucket that has been idle for
// BucketIdleAge and returns how many buckets were refreshed.
func (d *DHT) RefreshStale() (int, error) {
	if err := d.checkRunning(); err != nil {
		return 0, err
	}
	return d.refresh(d.config.BucketIdleAge), nil
}

func (d *DHT) refresh(idle time.Duration) int {
	keys := d.table.ExploreKeys(idle)
	for _, k := range keys {
		if d.ctx.Err() != nil {
			break
		}
		d.lookup(d.ctx, k)
	}
	return len(keys)
}

// clockTimer drives backoff retries from the DHT clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
