package kademlia

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/metrics"
	"github.com/zde37/kadnet/pkg/wire"
)

// DHT runs a routing table over a Transport. It answers peer lookups,
// stores items on the nodes closest to their key and fetches them back.
type DHT struct {
	config    *config.Config
	logger    *pkg.Logger
	table     *RoutingTable
	transport Transport

	clock       clock.Clock
	rng         *Rand
	metrics     *metrics.Metrics
	broadcaster EventBroadcaster
	minter      TokenMinter

	handlersMu sync.RWMutex
	handlers   map[string]StorageHandler

	removeListener func()
	bootstrapped   atomic.Bool

	// Lifecycle
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lifecycleMu sync.Mutex
	started     bool
	shutdown    bool
}

// NewDHT creates a DHT for the node reachable at transport.LocalAddress().
// Its id is the hash of that address.
func NewDHT(cfg *config.Config, transport Transport, logger *pkg.Logger, opts ...Option) (*DHT, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	o := buildOptions(opts)
	local := hash.HashAddress(transport.LocalAddress())

	table, err := NewRoutingTable(local, cfg, logger,
		WithClock(o.clock),
		WithRand(o.rng),
		WithTrimmer(o.trimmer),
		WithBroadcaster(o.broadcaster),
		WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing table: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &DHT{
		config:      cfg,
		logger:      logger.WithFields(pkg.Fields{"component": "dht", "node_id": local.Short()}),
		table:       table,
		transport:   transport,
		clock:       o.clock,
		rng:         o.rng,
		metrics:     o.metrics,
		broadcaster: o.broadcaster,
		minter:      o.minter,
		handlers:    make(map[string]StorageHandler),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// LocalID returns the node id.
func (d *DHT) LocalID() hash.Key {
	return d.table.LocalID()
}

// LocalAddress returns the transport address of this node.
func (d *DHT) LocalAddress() string {
	return d.transport.LocalAddress()
}

// Table exposes the routing table.
func (d *DHT) Table() *RoutingTable {
	return d.table
}

// NumPeers returns the number of peers in the routing table.
func (d *DHT) NumPeers() int {
	return d.table.Size()
}

// Peers returns every known peer.
func (d *DHT) Peers() []Peer {
	return d.table.Peers()
}

// Siblings returns the sibling list, closest first.
func (d *DHT) Siblings() []Peer {
	return d.table.Siblings()
}

// Buckets summarizes the routing table buckets.
func (d *DHT) Buckets() []BucketInfo {
	return d.table.Buckets()
}

// IsBootstrapped reports whether a bootstrap lookup has succeeded.
func (d *DHT) IsBootstrapped() bool {
	return d.bootstrapped.Load()
}

// SetStorageHandler registers handler for items of itemType. A nil handler
// unregisters the type.
func (d *DHT) SetStorageHandler(itemType string, handler StorageHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if handler == nil {
		delete(d.handlers, itemType)
		return
	}
	d.handlers[itemType] = handler
}

func (d *DHT) handler(itemType string) StorageHandler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[itemType]
}

// localHandler is handler for the outbound paths. A missing handler is
// logged and the local step skipped.
func (d *DHT) localHandler(itemType, op string) StorageHandler {
	h := d.handler(itemType)
	if h == nil {
		d.logger.Warn().
			Str("type", itemType).
			Str("op", op).
			Msg("No storage handler registered for item type, skipping local storage")
	}
	return h
}

// StoredKeys lists the keys held locally for itemType. It fails with
// pkg.ErrNoHandler when no handler is registered and pkg.ErrNotListable when the
// handler cannot enumerate its items.
func (d *DHT) StoredKeys(ctx context.Context, itemType string) ([]hash.Key, error) {
	h := d.handler(itemType)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNoHandler, itemType)
	}
	lister, ok := h.(KeyLister)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNotListable, itemType)
	}
	return lister.Keys(ctx)
}

// Start attaches the DHT to the transport and starts bootstrapping and the
// bucket refresh loop.
func (d *DHT) Start() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.shutdown {
		return pkg.ErrShutdown
	}
	if d.started {
		return pkg.ErrAlreadyStarted
	}

	peers, err := d.initialPeers()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to read peer file, continuing without it")
	}

	d.removeListener = d.transport.AddPacketListener(d)
	d.started = true

	d.wg.Add(2)
	go d.bootstrap(peers)
	go d.refreshLoop()

	d.logger.Info().
		Str("address", d.transport.LocalAddress()).
		Int("bootstrap_peers", len(peers)).
		Msg("DHT started")
	return nil
}

// Shutdown detaches from the transport, stops background work and writes
// the known peers back to the peer file.
func (d *DHT) Shutdown() error {
	d.lifecycleMu.Lock()
	if d.shutdown {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.shutdown = true
	started := d.started
	d.lifecycleMu.Unlock()

	d.logger.Info().Msg("Shutting down DHT")

	d.cancel()
	if d.removeListener != nil {
		d.removeListener()
	}
	d.wg.Wait()

	var errs error
	if started && d.config.PeerFile != "" {
		peers := d.table.Peers()
		addrs := make([]string, 0, len(peers))
		for _, p := range peers {
			addrs = append(addrs, p.Address)
		}
		if err := WritePeerFile(d.config.PeerFile, addrs); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			d.logger.Info().Int("peers", len(addrs)).Str("path", d.config.PeerFile).Msg("Saved peers")
		}
	}

	d.handlersMu.RLock()
	for itemType, h := range d.handlers {
		if c, ok := h.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to close %s handler: %w", itemType, err))
			}
		}
	}
	d.handlersMu.RUnlock()

	d.logger.Info().Msg("DHT shutdown complete")
	return errs
}

func (d *DHT) checkRunning() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	switch {
	case d.shutdown:
		return pkg.ErrShutdown
	case !d.started:
		return pkg.ErrNotStarted
	}
	return nil
}

func (d *DHT) lookup(ctx context.Context, target hash.Key) LookupResult {
	l := &lookup{
		target:         target,
		table:          d.table,
		transport:      d.transport,
		clock:          d.clock,
		rng:            d.rng,
		logger:         d.logger,
		metrics:        d.metrics,
		resultSize:     d.config.S,
		alpha:          d.config.Alpha,
		requestTimeout: d.config.RequestTimeout,
		lookupTimeout:  d.config.LookupTimeout,
	}
	res := l.run(ctx)

	d.emit(TableEvent{
		Type:    EventLookupDone,
		PeerID:  target.String(),
		Message: fmt.Sprintf("lookup %s, %d peers after %d queries", res.Outcome, len(res.Peers), res.Queried),
	})
	return res
}

// ClosestPeers runs an iterative lookup and returns the S peers closest to
// key that answered. Fewer are returned when the network is small.
func (d *DHT) ClosestPeers(ctx context.Context, key hash.Key) ([]Peer, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}
	res := d.lookup(ctx, key)
	if len(res.Peers) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res.Peers, nil
}

// Store sends item to the S nodes closest to its key. It fails only when
// every send fails. With no reachable nodes nothing is sent.
func (d *DHT) Store(ctx context.Context, item wire.Item) error {
	if err := d.checkRunning(); err != nil {
		return err
	}

	if h := d.localHandler(item.Type, "store"); h != nil {
		if err := h.Store(ctx, item); err != nil {
			d.logger.Warn().Err(err).Str("key", item.Key.Short()).Msg("Failed to store item locally")
		}
	}

	res := d.lookup(ctx, item.Key)
	if len(res.Peers) == 0 {
		d.logger.Debug().Str("key", item.Key.Short()).Msg("No peers to store item on")
		return nil
	}

	token, err := d.minter.Mint(ctx, item)
	if err != nil {
		d.metrics.StorageOp("store", "failed")
		return fmt.Errorf("failed to mint store token: %w", err)
	}

	var (
		mu   sync.Mutex
		errs error
		sent int
		g    errgroup.Group
	)
	for _, p := range res.Peers {
		g.Go(func() error {
			err := d.transport.Send(ctx, p.Address, wire.NewStoreRequest(token, item))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Address, err))
				return nil
			}
			sent++
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug().
		Str("key", item.Key.Short()).
		Int("sent", sent).
		Int("targets", len(res.Peers)).
		Msg("Stored item")

	if sent == 0 {
		d.metrics.StorageOp("store", "failed")
		return fmt.Errorf("failed to store item %s: %w", item.Key.Short(), errs)
	}
	if errs != nil {
		d.logger.Debug().Err(errs).Msg("Some store requests failed")
	}
	d.metrics.StorageOp("store", "ok")
	return nil
}

// FindOne returns the first item of itemType found under key, checking
// local storage before the network. pkg.ErrKeyNotFound is returned when no
// node has it within FindOneTimeout.
func (d *DHT) FindOne(ctx context.Context, key hash.Key, itemType string) (*wire.Item, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}

	if h := d.localHandler(itemType, "find_one"); h != nil {
		item, err := retrieveLocal(ctx, h, key)
		if err != nil {
			d.logger.Warn().Err(err).Str("key", key.Short()).Msg("Local retrieve failed")
		}
		if item != nil {
			d.metrics.StorageOp("find_one", "local")
			return item, nil
		}
	}

	res := d.lookup(ctx, key)
	if len(res.Peers) == 0 {
		d.metrics.StorageOp("find_one", "miss")
		return nil, pkg.ErrKeyNotFound
	}

	findCtx, cancel := d.clock.WithTimeout(ctx, d.config.FindOneTimeout)
	defer cancel()

	found := make(chan *wire.Item, len(res.Peers))
	g, gctx := errgroup.WithContext(findCtx)
	for _, p := range res.Peers {
		g.Go(func() error {
			if item := d.retrieve(gctx, p, key, itemType); item != nil {
				found <- item
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(found)
	}()

	select {
	case item, ok := <-found:
		if ok {
			d.metrics.StorageOp("find_one", "hit")
			return item, nil
		}
	case <-findCtx.Done():
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.metrics.StorageOp("find_one", "miss")
	return nil, pkg.ErrKeyNotFound
}

// FindAll collects every distinct item of itemType stored under key by the
// closest nodes and by this node. It waits up to FindAllWindow.
func (d *DHT) FindAll(ctx context.Context, key hash.Key, itemType string) ([]wire.Item, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}

	var items []wire.Item
	add := func(item *wire.Item) {
		for _, have := range items {
			if bytes.Equal(have.Data, item.Data) {
				return
			}
		}
		items = append(items, *item)
	}

	if h := d.localHandler(itemType, "find_all"); h != nil {
		item, err := retrieveLocal(ctx, h, key)
		if err != nil {
			d.logger.Warn().Err(err).Str("key", key.Short()).Msg("Local retrieve failed")
		}
		if item != nil {
			add(item)
		}
	}

	res := d.lookup(ctx, key)

	windowCtx, cancel := d.clock.WithTimeout(ctx, d.config.FindAllWindow)
	defer cancel()

	var (
		mu     sync.Mutex
		remote []*wire.Item
		g      errgroup.Group
	)
	for _, p := range res.Peers {
		g.Go(func() error {
			if item := d.retrieve(windowCtx, p, key, itemType); item != nil {
				mu.Lock()
				remote = append(remote, item)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range remote {
		add(item)
	}

	d.metrics.StorageOp("find_all", "ok")
	if len(items) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return items, nil
}

// retrieve asks p for the item. Misses, errors and mismatched answers all
// yield nil.
func (d *DHT) retrieve(ctx context.Context, p Peer, key hash.Key, itemType string) *wire.Item {
	kind := wire.KindRetrieveRequest.String()

	reqCtx, cancel := d.clock.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	reply, err := d.transport.Request(reqCtx, p.Address, wire.NewRetrieveRequest(key, itemType))
	if err == nil && (reply == nil || reply.Kind != wire.KindResponse || reply.Response == nil) {
		err = pkg.ErrUnexpectedReply
	}
	if err != nil {
		if ctx.Err() == nil {
			d.metrics.RequestDone(kind, "failed")
			d.table.RecordTimeout(p.ID)
		}
		d.logger.Debug().Err(err).Str("peer", p.ID.Short()).Msg("Retrieve request failed")
		return nil
	}

	d.metrics.RequestDone(kind, "ok")
	d.table.AddOrUpdate(p.Seen(d.clock.Now()))

	resp := reply.Response
	if resp.Status != wire.StatusOK || resp.Item == nil {
		return nil
	}
	if resp.Item.Key != key || resp.Item.Type != itemType {
		d.logger.Warn().
			Str("peer", p.ID.Short()).
			Str("key", key.Short()).
			Msg("Peer returned an item for a different key")
		return nil
	}
	return resp.Item
}

// PacketReceived handles every inbound message.
func (d *DHT) PacketReceived(from string, msg *wire.Message, receivedAt time.Time) {
	d.metrics.PacketReceived(msg.Kind.String())

	if from != "" && from != d.transport.LocalAddress() {
		d.table.AddOrUpdate(NewPeer(from).Seen(receivedAt))
	}

	switch msg.Kind {
	case wire.KindFindClosePeers:
		d.handleFindClosePeers(from, msg)
	case wire.KindStoreRequest:
		d.handleStoreRequest(from, msg)
	case wire.KindRetrieveRequest:
		d.handleRetrieveRequest(from, msg)
	}
}

func (d *DHT) handleFindClosePeers(from string, msg *wire.Message) {
	sender := hash.HashAddress(from)
	closest := d.table.ClosestPeers(msg.FindClosePeers.Target, d.config.K+1)

	addrs := make([]string, 0, len(closest))
	for _, p := range closest {
		if p.ID == sender {
			continue
		}
		addrs = append(addrs, p.Address)
		if len(addrs) == d.config.K {
			break
		}
	}

	d.reply(from, wire.NewPeerList(msg.ID, addrs))
}

func (d *DHT) handleStoreRequest(from string, msg *wire.Message) {
	req := msg.StoreRequest

	if !d.minter.Verify(req.Item, req.Token) {
		d.metrics.StorageOp("inbound_store", "rejected")
		d.logger.Warn().Str("from", from).Str("key", req.Item.Key.Short()).Msg("Rejected store request with invalid token")
		return
	}

	h := d.handler(req.Item.Type)
	if h == nil {
		d.metrics.StorageOp("inbound_store", "no_handler")
		d.logger.Warn().Str("type", req.Item.Type).Msg("No storage handler registered for item type")
		return
	}

	if err := h.Store(d.ctx, req.Item); err != nil {
		d.metrics.StorageOp("inbound_store", "failed")
		d.logger.Error().Err(err).Str("key", req.Item.Key.Short()).Msg("Failed to store item")
		return
	}
	d.metrics.StorageOp("inbound_store", "ok")
	d.logger.Debug().
		Str("from", from).
		Str("key", req.Item.Key.Short()).
		Str("type", req.Item.Type).
		Msg("Stored item for peer")
}

func (d *DHT) handleRetrieveRequest(from string, msg *wire.Message) {
	req := msg.RetrieveRequest

	h := d.handler(req.Type)
	if h == nil {
		d.logger.Warn().Str("type", req.Type).Msg("No storage handler registered for item type")
		d.reply(from, wire.NewResponse(msg.ID, wire.StatusNoData, nil))
		return
	}

	item, err := retrieveLocal(d.ctx, h, req.Key)
	switch {
	case err != nil:
		d.logger.Error().Err(err).Str("key", req.Key.Short()).Msg("Failed to retrieve item")
		resp := wire.NewResponse(msg.ID, wire.StatusError, nil)
		resp.Response.Error = err.Error()
		d.reply(from, resp)
	case item == nil:
		d.reply(from, wire.NewResponse(msg.ID, wire.StatusNoData, nil))
	default:
		d.reply(from, wire.NewResponse(msg.ID, wire.StatusOK, item))
	}
}

func (d *DHT) reply(to string, msg *wire.Message) {
	ctx, cancel := d.clock.WithTimeout(d.ctx, d.config.RequestTimeout)
	defer cancel()

	if err := d.transport.Send(ctx, to, msg); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Debug().
			Err(err).
			Str("to", to).
			Str("kind", msg.Kind.String()).
			Msg("Failed to send reply")
	}
}

func (d *DHT) emit(event TableEvent) {
	if d.broadcaster == nil {
		return
	}
	event.NodeID = d.table.LocalID().String()
	event.Timestamp = d.clock.Now().UnixMilli()
	if err := d.broadcaster.BroadcastTableEvent(event); err != nil {
		d.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to broadcast event")
	}
}
