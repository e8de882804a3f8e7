// Package transport carries wire messages between nodes. It provides a gRPC
// transport for real deployments and an in-memory network for simulation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/kademlia"
	"github.com/zde37/kadnet/pkg/wire"
)

type listenerEntry struct {
	id       uint64
	listener kademlia.PacketListener
	kinds    map[wire.Kind]struct{} // nil for catch-all
}

// Dispatcher matches replies to outstanding requests and hands every inbound
// message to the registered listeners.
type Dispatcher struct {
	logger *pkg.Logger

	mu        sync.RWMutex
	listeners []listenerEntry
	nextID    uint64

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Message
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *pkg.Logger) *Dispatcher {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &Dispatcher{
		logger:  logger,
		pending: make(map[string]chan *wire.Message),
	}
}

// AddPacketListener registers l for kinds, or for all kinds when none are
// given.
func (d *Dispatcher) AddPacketListener(l kademlia.PacketListener, kinds ...wire.Kind) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	entry := listenerEntry{id: d.nextID, listener: l}
	if len(kinds) > 0 {
		entry.kinds = make(map[wire.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			entry.kinds[k] = struct{}{}
		}
	}
	d.listeners = append(d.listeners, entry)

	id := entry.id
	return func() { d.removeListener(id) }
}

func (d *Dispatcher) removeListener(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.listeners {
		if e.id == id {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch delivers msg received from the node at from. A reply wakes the
// matching Request; every message, replies included, then reaches the
// listeners, kind specific ones first.
func (d *Dispatcher) Dispatch(from string, msg *wire.Message, receivedAt time.Time) {
	if msg.InReplyTo != "" {
		d.pendingMu.Lock()
		ch, ok := d.pending[msg.InReplyTo]
		if ok {
			delete(d.pending, msg.InReplyTo)
		}
		d.pendingMu.Unlock()

		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}

	d.mu.RLock()
	var specific, catchAll []kademlia.PacketListener
	for _, e := range d.listeners {
		if e.kinds == nil {
			catchAll = append(catchAll, e.listener)
			continue
		}
		if _, ok := e.kinds[msg.Kind]; ok {
			specific = append(specific, e.listener)
		}
	}
	d.mu.RUnlock()

	for _, l := range specific {
		l.PacketReceived(from, msg, receivedAt)
	}
	for _, l := range catchAll {
		l.PacketReceived(from, msg, receivedAt)
	}
}

// Request registers msg as outstanding, calls send and waits for the reply
// until ctx ends.
func (d *Dispatcher) Request(ctx context.Context, msg *wire.Message, send func() error) (*wire.Message, error) {
	ch := make(chan *wire.Message, 1)

	d.pendingMu.Lock()
	d.pending[msg.ID] = ch
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, msg.ID)
		d.pendingMu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w", msg.Kind, msg.ID, pkg.ErrRequestTimeout)
		}
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests waiting for a reply.
func (d *Dispatcher) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}
