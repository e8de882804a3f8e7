package kademlia

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/wire"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PeerFile = ""
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.LookupTimeout = 5 * time.Second
	cfg.FindOneTimeout = 2 * time.Second
	cfg.FindAllWindow = 2 * time.Second
	cfg.BootstrapRetry = 50 * time.Millisecond
	cfg.RefreshInterval = time.Hour
	return cfg
}

func newTestTable(t *testing.T, local hash.Key, mutate func(*config.Config), opts ...Option) *RoutingTable {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithRand(NewRand(7))}, opts...)
	table, err := NewRoutingTable(local, cfg, pkg.Nop(), opts...)
	require.NoError(t, err)
	return table
}

// keyGen produces keys with a chosen range number relative to local.
type keyGen struct {
	rc  *hash.RangeCalculator
	rng *rand.Rand
}

func newKeyGen(t *testing.T, local hash.Key, b int) *keyGen {
	t.Helper()
	rc, err := hash.NewRangeCalculator(local, b)
	require.NoError(t, err)
	return &keyGen{rc: rc, rng: rand.New(rand.NewPCG(11, 13))}
}

func (g *keyGen) at(r int) hash.Key {
	k, ok := g.rc.RandomKey(r, r, g.rng)
	if !ok {
		panic(fmt.Sprintf("range %d unreachable", r))
	}
	return k
}

func (g *keyGen) peer(r int) Peer {
	id := g.at(r)
	return Peer{ID: id, Address: "peer-" + id.Short()}
}

// checkTable asserts the structural invariants of a routing table.
func checkTable(t *testing.T, table *RoutingTable) {
	t.Helper()

	table.rlock()
	defer table.runlock()

	require.NotEmpty(t, table.buckets)
	require.Equal(t, 0, table.buckets[0].begin)
	require.Equal(t, table.ranges.NumRanges()-1, table.buckets[len(table.buckets)-1].end)

	seen := make(map[hash.Key]bool)
	for i, b := range table.buckets {
		if i > 0 {
			require.Equal(t, table.buckets[i-1].end+1, b.begin, "buckets must tile the range space")
		}
		require.LessOrEqual(t, len(b.peers), table.k)
		for _, p := range b.peers {
			require.True(t, b.contains(table.ranges.Range(p.ID)), "peer %s outside %s", p.ID.Short(), b)
			require.False(t, seen[p.ID], "duplicate peer")
			require.NotEqual(t, table.local, p.ID)
			seen[p.ID] = true
		}
	}
	if table.siblings != nil {
		for _, p := range table.siblings.list() {
			require.False(t, seen[p.ID], "sibling also held in a bucket")
			seen[p.ID] = true
		}
	}
}

// fakeTransport answers requests through respond and records traffic.
type fakeTransport struct {
	addr    string
	delay   time.Duration
	sendErr error
	respond func(address string, msg *wire.Message) (*wire.Message, error)

	mu          sync.Mutex
	inflight    int
	maxInflight int
	requests    []string
	sent        []sentMessage
	listeners   []PacketListener
}

type sentMessage struct {
	to  string
	msg *wire.Message
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: addr}
}

func (f *fakeTransport) LocalAddress() string { return f.addr }

func (f *fakeTransport) Send(_ context.Context, address string, msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: address, msg: msg})
	return nil
}

func (f *fakeTransport) Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.requests = append(f.requests, address)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.respond(address, msg)
}

func (f *fakeTransport) AddPacketListener(l PacketListener, _ ...wire.Kind) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners = nil
	}
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// peerList answers FindClosePeers with addrs.
func peerList(addrs ...string) func(string, *wire.Message) (*wire.Message, error) {
	return func(_ string, msg *wire.Message) (*wire.Message, error) {
		return wire.NewPeerList(msg.ID, addrs), nil
	}
}
