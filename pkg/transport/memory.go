package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/kademlia"
	"github.com/zde37/kadnet/pkg/wire"
)

var _ kademlia.Transport = (*MemoryTransport)(nil)

// MemoryNetwork connects MemoryTransports inside one process. Messages are
// encoded and decoded on the way, may be dropped at random and never reach
// nodes that are offline.
type MemoryNetwork struct {
	clock clock.Clock

	mu       sync.RWMutex
	nodes    map[string]*MemoryTransport
	offline  map[string]bool
	lossRate float64
	latency  time.Duration
	rng      *rand.Rand

	delivered atomic.Int64
	dropped   atomic.Int64
	inflight  sync.WaitGroup
}

// NewMemoryNetwork creates an empty network. A nil clock means the wall
// clock.
func NewMemoryNetwork(clk clock.Clock) *MemoryNetwork {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryNetwork{
		clock:   clk,
		nodes:   make(map[string]*MemoryTransport),
		offline: make(map[string]bool),
		rng:     rand.New(rand.NewPCG(1, 2)),
	}
}

// SetLossRate drops each message with probability rate.
func (n *MemoryNetwork) SetLossRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossRate = rate
}

// SetLatency delays every delivery by d.
func (n *MemoryNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// SetOnline takes a node off the network or puts it back. Messages to an
// offline node are silently lost.
func (n *MemoryNetwork) SetOnline(address string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if online {
		delete(n.offline, address)
	} else {
		n.offline[address] = true
	}
}

// Join attaches a transport at address.
func (n *MemoryNetwork) Join(address string, logger *pkg.Logger) (*MemoryTransport, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[address]; exists {
		return nil, fmt.Errorf("address %s already in use", address)
	}
	t := &MemoryTransport{
		Dispatcher: NewDispatcher(logger),
		network:    n,
		address:    address,
		logger:     logger.WithFields(pkg.Fields{"component": "memory_transport", "address": address}),
	}
	n.nodes[address] = t
	return t, nil
}

// Stats returns how many messages were delivered and dropped.
func (n *MemoryNetwork) Stats() (delivered, dropped int64) {
	return n.delivered.Load(), n.dropped.Load()
}

// Wait blocks until every message in flight has been delivered or dropped.
func (n *MemoryNetwork) Wait() {
	n.inflight.Wait()
}

func (n *MemoryNetwork) leave(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, address)
	delete(n.offline, address)
}

func (n *MemoryNetwork) route(from, to string, msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	n.mu.Lock()
	target, known := n.nodes[to]
	lost := n.offline[to] || n.offline[from] || (n.lossRate > 0 && n.rng.Float64() < n.lossRate)
	latency := n.latency
	n.mu.Unlock()

	if !known {
		return fmt.Errorf("no route to %s", to)
	}
	if lost {
		n.dropped.Add(1)
		return nil
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		if latency > 0 {
			n.clock.Sleep(latency)
		}
		decoded, err := wire.DecodeMessage(data)
		if err != nil {
			n.dropped.Add(1)
			return
		}
		if target.closed.Load() {
			n.dropped.Add(1)
			return
		}
		n.delivered.Add(1)
		target.Dispatch(from, decoded, n.clock.Now())
	}()
	return nil
}

// MemoryTransport is one node's attachment to a MemoryNetwork.
type MemoryTransport struct {
	*Dispatcher

	network *MemoryNetwork
	address string
	logger  *pkg.Logger
	closed  atomic.Bool
}

func (t *MemoryTransport) LocalAddress() string {
	return t.address
}

// Send queues msg for delivery. Lost messages are not reported.
func (t *MemoryTransport) Send(ctx context.Context, address string, msg *wire.Message) error {
	if t.closed.Load() {
		return pkg.ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.route(t.address, address, msg)
}

// Request sends msg and waits for its reply.
func (t *MemoryTransport) Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error) {
	return t.Dispatcher.Request(ctx, msg, func() error {
		return t.Send(ctx, address, msg)
	})
}

// Close detaches the transport from the network.
func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.network.leave(t.address)
	t.logger.Debug().Msg("Left memory network")
	return nil
}
