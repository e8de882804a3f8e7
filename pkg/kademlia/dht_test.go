package kademlia

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/metrics"
	"github.com/zde37/kadnet/pkg/wire"
)

const testItemType = "test"

func newTestDHT(t *testing.T, tr *fakeTransport, mutate func(*config.Config), opts ...Option) *DHT {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithRand(NewRand(9))}, opts...)
	d, err := NewDHT(cfg, tr, pkg.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func startedDHT(t *testing.T, tr *fakeTransport, mutate func(*config.Config), opts ...Option) *DHT {
	t.Helper()
	d := newTestDHT(t, tr, mutate, opts...)
	require.NoError(t, d.Start())
	return d
}

func testItem(key string, data string) wire.Item {
	return wire.Item{Key: hash.HashString(key), Type: testItemType, Data: []byte(data)}
}

// routed answers lookups with an empty peer list and retrieves with items.
func routed(items map[string]*wire.Item) func(string, *wire.Message) (*wire.Message, error) {
	return func(address string, msg *wire.Message) (*wire.Message, error) {
		switch msg.Kind {
		case wire.KindFindClosePeers:
			return wire.NewPeerList(msg.ID, nil), nil
		case wire.KindRetrieveRequest:
			if item, ok := items[address]; ok {
				return wire.NewResponse(msg.ID, wire.StatusOK, item), nil
			}
			return wire.NewResponse(msg.ID, wire.StatusNoData, nil), nil
		}
		return nil, errors.New("unexpected request")
	}
}

type rejectingMinter struct{}

func (rejectingMinter) Mint(context.Context, wire.Item) ([]byte, error) { return nil, nil }
func (rejectingMinter) Verify(wire.Item, []byte) bool                   { return false }

type failingMinter struct{}

func (failingMinter) Mint(context.Context, wire.Item) ([]byte, error) {
	return nil, errors.New("out of work")
}
func (failingMinter) Verify(wire.Item, []byte) bool { return true }

type brokenHandler struct{}

func (brokenHandler) Store(context.Context, wire.Item) error { return errors.New("disk full") }
func (brokenHandler) Retrieve(context.Context, hash.Key) (*wire.Item, error) {
	return nil, errors.New("disk on fire")
}

func TestNewDHT_Validation(t *testing.T) {
	tr := newFakeTransport("self")

	_, err := NewDHT(nil, tr, pkg.Nop())
	assert.ErrorContains(t, err, "config cannot be nil")

	_, err = NewDHT(testConfig(), nil, pkg.Nop())
	assert.ErrorContains(t, err, "transport cannot be nil")

	_, err = NewDHT(testConfig(), tr, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	bad := testConfig()
	bad.K = 0
	_, err = NewDHT(bad, tr, pkg.Nop())
	assert.ErrorContains(t, err, "failed to create routing table")

	d, err := NewDHT(testConfig(), tr, pkg.Nop())
	require.NoError(t, err)
	assert.Equal(t, hash.HashAddress("self"), d.LocalID())
	assert.Equal(t, "self", d.LocalAddress())
}

func TestDHT_Lifecycle(t *testing.T) {
	tr := newFakeTransport("self")
	d := newTestDHT(t, tr, nil)
	ctx := context.Background()

	assert.ErrorIs(t, d.Store(ctx, testItem("k", "v")), pkg.ErrNotStarted)
	_, err := d.FindOne(ctx, hash.HashString("k"), testItemType)
	assert.ErrorIs(t, err, pkg.ErrNotStarted)
	_, err = d.RefreshStale()
	assert.ErrorIs(t, err, pkg.ErrNotStarted)

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), pkg.ErrAlreadyStarted)

	require.NoError(t, d.Shutdown())
	assert.NoError(t, d.Shutdown(), "second shutdown is a no-op")

	assert.ErrorIs(t, d.Start(), pkg.ErrShutdown)
	_, err = d.FindAll(ctx, hash.HashString("k"), testItemType)
	assert.ErrorIs(t, err, pkg.ErrShutdown)
	_, err = d.ClosestPeers(ctx, hash.HashString("k"))
	assert.ErrorIs(t, err, pkg.ErrShutdown)
}

func TestDHT_StoreWithoutPeers(t *testing.T) {
	tr := newFakeTransport("self")
	d := startedDHT(t, tr, nil)

	require.NoError(t, d.Store(context.Background(), testItem("lonely", "v")))
	assert.Empty(t, tr.sentMessages())
	assert.Zero(t, tr.requestCount())
}

func TestDHT_StoreSendsToClosest(t *testing.T) {
	tr := newFakeTransport("self")
	tr.respond = routed(nil)
	m := metrics.New("dht_test")
	d := startedDHT(t, tr, nil, WithMetrics(m))

	local := NewDefaultMemoryStorageHandler()
	d.SetStorageHandler(testItemType, local)

	d.Table().AddOrUpdate(NewPeer("a"))
	d.Table().AddOrUpdate(NewPeer("b"))

	item := testItem("shared", "value")
	require.NoError(t, d.Store(context.Background(), item))

	sent := tr.sentMessages()
	require.Len(t, sent, 2)
	targets := map[string]bool{}
	for _, s := range sent {
		assert.Equal(t, wire.KindStoreRequest, s.msg.Kind)
		assert.Equal(t, item, s.msg.StoreRequest.Item)
		targets[s.to] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, targets)

	got, err := local.Retrieve(context.Background(), item.Key)
	require.NoError(t, err)
	assert.Equal(t, item.Data, got.Data, "stores keep a local copy")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `dht_test_storage_operations_total{op="store",result="ok"} 1`)
}

func TestDHT_StoreFailures(t *testing.T) {
	t.Run("every send fails", func(t *testing.T) {
		tr := newFakeTransport("self")
		tr.respond = routed(nil)
		tr.sendErr = errors.New("network down")
		d := startedDHT(t, tr, nil)
		d.Table().AddOrUpdate(NewPeer("a"))

		err := d.Store(context.Background(), testItem("k", "v"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "network down")
	})

	t.Run("token cannot be minted", func(t *testing.T) {
		tr := newFakeTransport("self")
		tr.respond = routed(nil)
		d := startedDHT(t, tr, nil, WithTokenMinter(failingMinter{}))
		d.Table().AddOrUpdate(NewPeer("a"))

		err := d.Store(context.Background(), testItem("k", "v"))
		assert.ErrorContains(t, err, "failed to mint store token")
		assert.Empty(t, tr.sentMessages())
	})
}

// logBuffer collects log lines written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDHT_MissingHandlerIsLogged(t *testing.T) {
	logs := &logBuffer{}
	zl := zerolog.New(logs).Level(zerolog.WarnLevel)

	tr := newFakeTransport("self")
	tr.respond = routed(nil)
	d, err := NewDHT(testConfig(), tr, &pkg.Logger{Logger: &zl}, WithRand(NewRand(9)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })
	require.NoError(t, d.Start())
	d.Table().AddOrUpdate(NewPeer("a"))

	ctx := context.Background()
	item := testItem("unhandled", "v")
	require.NoError(t, d.Store(ctx, item))
	_, err = d.FindOne(ctx, item.Key, testItemType)
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	_, err = d.FindAll(ctx, item.Key, testItemType)
	require.NoError(t, err)

	out := logs.String()
	assert.Equal(t, 3, strings.Count(out, "No storage handler registered for item type"))
	for _, op := range []string{`"op":"store"`, `"op":"find_one"`, `"op":"find_all"`} {
		assert.Contains(t, out, op)
	}
	assert.Contains(t, out, `"level":"warn"`)
}

func TestDHT_StoredKeys(t *testing.T) {
	ctx := context.Background()
	d := startedDHT(t, newFakeTransport("self"), nil)

	_, err := d.StoredKeys(ctx, testItemType)
	assert.ErrorIs(t, err, pkg.ErrNoHandler)

	h := NewDefaultMemoryStorageHandler()
	d.SetStorageHandler(testItemType, h)
	item := testItem("listed", "v")
	require.NoError(t, h.Store(ctx, item))

	keys, err := d.StoredKeys(ctx, testItemType)
	require.NoError(t, err)
	assert.Equal(t, []hash.Key{item.Key}, keys)

	d.SetStorageHandler("opaque", brokenHandler{})
	_, err = d.StoredKeys(ctx, "opaque")
	assert.ErrorIs(t, err, pkg.ErrNotListable)
}

func TestDHT_FindOne(t *testing.T) {
	ctx := context.Background()
	item := testItem("wanted", "payload")

	t.Run("local copy wins", func(t *testing.T) {
		tr := newFakeTransport("self")
		d := startedDHT(t, tr, nil)
		h := NewDefaultMemoryStorageHandler()
		require.NoError(t, h.Store(ctx, item))
		d.SetStorageHandler(testItemType, h)
		d.Table().AddOrUpdate(NewPeer("a"))

		got, err := d.FindOne(ctx, item.Key, testItemType)
		require.NoError(t, err)
		assert.Equal(t, item, *got)
		assert.Zero(t, tr.requestCount())
	})

	t.Run("found remotely", func(t *testing.T) {
		tr := newFakeTransport("self")
		tr.respond = routed(map[string]*wire.Item{"b": &item})
		d := startedDHT(t, tr, nil)
		d.Table().AddOrUpdate(NewPeer("a"))
		d.Table().AddOrUpdate(NewPeer("b"))

		got, err := d.FindOne(ctx, item.Key, testItemType)
		require.NoError(t, err)
		assert.Equal(t, item.Data, got.Data)
	})

	t.Run("nobody has it", func(t *testing.T) {
		tr := newFakeTransport("self")
		tr.respond = routed(nil)
		d := startedDHT(t, tr, nil)
		d.Table().AddOrUpdate(NewPeer("a"))

		_, err := d.FindOne(ctx, item.Key, testItemType)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("no peers", func(t *testing.T) {
		d := startedDHT(t, newFakeTransport("self"), nil)
		_, err := d.FindOne(ctx, item.Key, testItemType)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("answer for another key is ignored", func(t *testing.T) {
		other := testItem("other", "payload")
		tr := newFakeTransport("self")
		tr.respond = routed(map[string]*wire.Item{"a": &other})
		d := startedDHT(t, tr, nil)
		d.Table().AddOrUpdate(NewPeer("a"))

		_, err := d.FindOne(ctx, item.Key, testItemType)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})
}

func TestDHT_FindAll(t *testing.T) {
	ctx := context.Background()
	key := hash.HashString("multi")
	mine := wire.Item{Key: key, Type: testItemType, Data: []byte("x")}
	theirs := wire.Item{Key: key, Type: testItemType, Data: []byte("y")}
	wrongType := wire.Item{Key: key, Type: "other", Data: []byte("z")}

	tr := newFakeTransport("self")
	tr.respond = routed(map[string]*wire.Item{
		"a": &theirs,
		"b": &mine,
		"c": &wrongType,
	})
	d := startedDHT(t, tr, nil)

	h := NewDefaultMemoryStorageHandler()
	require.NoError(t, h.Store(ctx, mine))
	d.SetStorageHandler(testItemType, h)
	for _, addr := range []string{"a", "b", "c"} {
		d.Table().AddOrUpdate(NewPeer(addr))
	}

	items, err := d.FindAll(ctx, key, testItemType)
	require.NoError(t, err)
	require.Len(t, items, 2, "duplicates and mismatched types are dropped")

	var data []string
	for _, it := range items {
		data = append(data, string(it.Data))
	}
	assert.ElementsMatch(t, []string{"x", "y"}, data)
}

func TestDHT_ClosestPeers(t *testing.T) {
	tr := newFakeTransport("self")
	tr.respond = peerList("n1", "n2", "n3")
	d := startedDHT(t, tr, nil)
	d.Table().AddOrUpdate(NewPeer("n0"))

	peers, err := d.ClosestPeers(context.Background(), hash.HashString("somewhere"))
	require.NoError(t, err)
	assert.Len(t, peers, 3)
	assert.Equal(t, 4, d.NumPeers())
	assert.Len(t, d.Peers(), 4)
	assert.NotEmpty(t, d.Buckets())
}

func TestDHT_HandleFindClosePeers(t *testing.T) {
	tr := newFakeTransport("self")
	d := startedDHT(t, tr, nil)
	for _, addr := range []string{"p1", "p2", "p3"} {
		d.Table().AddOrUpdate(NewPeer(addr))
	}

	req := wire.NewFindClosePeers(hash.HashAddress("requester"))
	d.PacketReceived("requester", req, time.Now())

	sent := tr.sentMessages()
	require.Len(t, sent, 1)
	reply := sent[0]
	assert.Equal(t, "requester", reply.to)
	assert.Equal(t, wire.KindPeerList, reply.msg.Kind)
	assert.Equal(t, req.ID, reply.msg.InReplyTo)

	var addrs []string
	for _, p := range reply.msg.PeerList.Peers {
		addrs = append(addrs, p.Address)
	}
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, addrs, "the requester is not told about itself")

	_, ok := d.Table().Get(hash.HashAddress("requester"))
	assert.True(t, ok, "senders are added to the table")
}

func TestDHT_HandleStoreRequest(t *testing.T) {
	item := testItem("stored", "data")

	t.Run("stored", func(t *testing.T) {
		d := startedDHT(t, newFakeTransport("self"), nil)
		h := NewDefaultMemoryStorageHandler()
		d.SetStorageHandler(testItemType, h)

		d.PacketReceived("peer", wire.NewStoreRequest(nil, item), time.Now())

		got, err := h.Retrieve(context.Background(), item.Key)
		require.NoError(t, err)
		assert.Equal(t, item, *got)
	})

	t.Run("invalid token", func(t *testing.T) {
		d := startedDHT(t, newFakeTransport("self"), nil, WithTokenMinter(rejectingMinter{}))
		h := NewDefaultMemoryStorageHandler()
		d.SetStorageHandler(testItemType, h)

		d.PacketReceived("peer", wire.NewStoreRequest([]byte("junk"), item), time.Now())

		_, err := h.Retrieve(context.Background(), item.Key)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("no handler", func(t *testing.T) {
		tr := newFakeTransport("self")
		d := startedDHT(t, tr, nil)
		assert.NotPanics(t, func() {
			d.PacketReceived("peer", wire.NewStoreRequest(nil, item), time.Now())
		})
		assert.Empty(t, tr.sentMessages(), "stores are not acknowledged")
	})

	t.Run("unregistered handler", func(t *testing.T) {
		d := startedDHT(t, newFakeTransport("self"), nil)
		h := NewDefaultMemoryStorageHandler()
		d.SetStorageHandler(testItemType, h)
		d.SetStorageHandler(testItemType, nil)

		d.PacketReceived("peer", wire.NewStoreRequest(nil, item), time.Now())
		_, err := h.Retrieve(context.Background(), item.Key)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})
}

func TestDHT_HandleRetrieveRequest(t *testing.T) {
	item := testItem("asked", "answer")
	ctx := context.Background()

	tests := []struct {
		name    string
		handler StorageHandler
		status  wire.Status
		hasItem bool
	}{
		{name: "hit", handler: func() StorageHandler {
			h := NewDefaultMemoryStorageHandler()
			require.NoError(t, h.Store(ctx, item))
			return h
		}(), status: wire.StatusOK, hasItem: true},
		{name: "miss", handler: NewDefaultMemoryStorageHandler(), status: wire.StatusNoData},
		{name: "no handler", handler: nil, status: wire.StatusNoData},
		{name: "handler error", handler: brokenHandler{}, status: wire.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport("self")
			d := startedDHT(t, tr, nil)
			d.SetStorageHandler(testItemType, tt.handler)

			req := wire.NewRetrieveRequest(item.Key, testItemType)
			d.PacketReceived("peer", req, time.Now())

			sent := tr.sentMessages()
			require.Len(t, sent, 1)
			resp := sent[0].msg
			assert.Equal(t, req.ID, resp.InReplyTo)
			require.Equal(t, wire.KindResponse, resp.Kind)
			assert.Equal(t, tt.status, resp.Response.Status)
			if tt.hasItem {
				require.NotNil(t, resp.Response.Item)
				assert.Equal(t, item, *resp.Response.Item)
			} else {
				assert.Nil(t, resp.Response.Item)
			}
			if tt.status == wire.StatusError {
				assert.Contains(t, resp.Response.Error, "disk on fire")
			}
		})
	}
}

func TestDHT_ShutdownWritesPeerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	tr := newFakeTransport("self")
	d := newTestDHT(t, tr, func(c *config.Config) { c.PeerFile = path })

	require.NoError(t, d.Start())
	assert.FileExists(t, path, "missing peer file is replaced by a template")

	d.Table().AddOrUpdate(NewPeer("10.0.0.1:7440"))
	d.Table().AddOrUpdate(NewPeer("10.0.0.2:7440"))
	require.NoError(t, d.Shutdown())

	addrs, err := ReadPeerFile(path, "self", pkg.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1:7440", "10.0.0.2:7440"}, addrs)
}

func TestDHT_BootstrapFromPeerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	require.NoError(t, WritePeerFile(path, []string{"boot", "self"}))

	tr := newFakeTransport("self")
	tr.respond = func(address string, msg *wire.Message) (*wire.Message, error) {
		if address == "boot" {
			return wire.NewPeerList(msg.ID, []string{"p1", "p2"}), nil
		}
		return wire.NewPeerList(msg.ID, nil), nil
	}

	d := startedDHT(t, tr, func(c *config.Config) { c.PeerFile = path })

	require.Eventually(t, d.IsBootstrapped, 2*time.Second, 10*time.Millisecond)
	for _, addr := range []string{"boot", "p1", "p2"} {
		_, ok := d.Table().Get(hash.HashAddress(addr))
		assert.True(t, ok, addr)
	}
	_, ok := d.Table().Get(d.LocalID())
	assert.False(t, ok)
}

func TestDHT_BootstrapRetries(t *testing.T) {
	var up atomic.Bool
	tr := newFakeTransport("self")
	tr.respond = func(_ string, msg *wire.Message) (*wire.Message, error) {
		if !up.Load() {
			return nil, errors.New("connection refused")
		}
		return wire.NewPeerList(msg.ID, nil), nil
	}

	d := startedDHT(t, tr, func(c *config.Config) {
		c.BootstrapPeers = []string{"boot"}
		c.BootstrapRetry = 20 * time.Millisecond
	})

	require.Eventually(t, func() bool { return tr.requestCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, d.IsBootstrapped())

	up.Store(true)
	require.Eventually(t, d.IsBootstrapped, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, d.NumPeers())
}

func TestDHT_RefreshStale(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_000_000, 0))

	tr := newFakeTransport("self")
	tr.respond = peerList()
	d := startedDHT(t, tr, nil, WithClock(clk))
	d.Table().AddOrUpdate(NewPeer("a"))

	n, err := d.RefreshStale()
	require.NoError(t, err)
	assert.Zero(t, n, "fresh buckets are left alone")

	clk.Add(d.config.BucketIdleAge + time.Minute)
	n, err = d.RefreshStale()
	require.NoError(t, err)
	assert.Equal(t, len(d.Buckets()), n)
	assert.Positive(t, tr.requestCount())
}

func TestDHT_EmitsLookupEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	tr := newFakeTransport("self")
	tr.respond = peerList()
	d := startedDHT(t, tr, nil, WithBroadcaster(b))
	d.Table().AddOrUpdate(NewPeer("a"))

	_, err := d.ClosestPeers(context.Background(), hash.HashString("x"))
	require.NoError(t, err)

	assert.Contains(t, b.types(), EventPeerAdded)
	assert.Contains(t, b.types(), EventLookupDone)
}
