package kademlia

import (
	"github.com/benbjohnson/clock"

	"github.com/zde37/kadnet/pkg/metrics"
)

type options struct {
	clock       clock.Clock
	rng         *Rand
	trimmer     Trimmer
	broadcaster EventBroadcaster
	metrics     *metrics.Metrics
	minter      TokenMinter
}

// Option customizes a RoutingTable or DHT.
type Option func(*options)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRand sets the random source used for trimming, candidate selection
// and explore keys.
func WithRand(r *Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithTrimmer overrides the trim policy named in the configuration.
func WithTrimmer(t Trimmer) Option {
	return func(o *options) { o.trimmer = t }
}

// WithBroadcaster publishes table events to b.
func WithBroadcaster(b EventBroadcaster) Option {
	return func(o *options) { o.broadcaster = b }
}

// WithMetrics records activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTokenMinter sets the anti-spam token source used for stores.
func WithTokenMinter(m TokenMinter) Option {
	return func(o *options) { o.minter = m }
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.rng == nil {
		o.rng = NewRand(0)
	}
	if o.minter == nil {
		o.minter = NoopMinter{}
	}
	return o
}
