package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/config"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/kademlia"
	"github.com/zde37/kadnet/pkg/transport"
	"github.com/zde37/kadnet/pkg/wire"
)

const clusterItemType = "blob"

// testCluster is a set of DHT nodes talking over real gRPC transports.
type testCluster struct {
	nodes      []*kademlia.DHT
	transports []*transport.GRPCTransport
	logger     *pkg.Logger
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	tc := &testCluster{logger: pkg.Nop()}
	t.Cleanup(func() { tc.shutdown(t) })
	return tc
}

// addNode starts a node on a free port. Without bootstrap it starts alone.
func (tc *testCluster) addNode(t *testing.T, bootstrap ...string) *kademlia.DHT {
	t.Helper()

	tr, err := transport.NewGRPCTransport(transport.GRPCConfig{
		ListenAddress: "127.0.0.1:0",
		AuthToken:     "cluster-secret",
	}, tc.logger)
	require.NoError(t, err)
	require.NoError(t, tr.Start())

	cfg := config.DefaultConfig()
	cfg.PeerFile = ""
	cfg.BootstrapPeers = bootstrap
	cfg.AuthToken = "cluster-secret"
	cfg.RequestTimeout = time.Second
	cfg.LookupTimeout = 5 * time.Second
	cfg.FindOneTimeout = 3 * time.Second
	cfg.FindAllWindow = 2 * time.Second
	cfg.BootstrapRetry = 100 * time.Millisecond

	node, err := kademlia.NewDHT(cfg, tr, tc.logger)
	require.NoError(t, err)
	node.SetStorageHandler(clusterItemType, kademlia.NewDefaultMemoryStorageHandler())
	require.NoError(t, node.Start())

	tc.nodes = append(tc.nodes, node)
	tc.transports = append(tc.transports, tr)
	return node
}

func (tc *testCluster) waitForBootstrap(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range tc.nodes[1:] {
			if !n.IsBootstrapped() {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func (tc *testCluster) shutdown(t *testing.T) {
	t.Helper()
	for _, n := range tc.nodes {
		if err := n.Shutdown(); err != nil {
			t.Logf("Error shutting down node: %v", err)
		}
	}
	for _, tr := range tc.transports {
		if err := tr.Close(); err != nil {
			t.Logf("Error closing transport: %v", err)
		}
	}
}

func TestCluster_Bootstrap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cluster test in short mode")
	}

	cluster := newTestCluster(t)
	first := cluster.addNode(t)
	for range 3 {
		cluster.addNode(t, first.LocalAddress())
	}
	cluster.waitForBootstrap(t)

	assert.Equal(t, 3, first.NumPeers(), "the first node hears from everyone")
	for _, n := range cluster.nodes[1:] {
		assert.Positive(t, n.NumPeers())
	}
}

func TestCluster_StoreAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping cluster test in short mode")
	}

	cluster := newTestCluster(t)
	first := cluster.addNode(t)
	second := cluster.addNode(t, first.LocalAddress())
	third := cluster.addNode(t, first.LocalAddress())
	cluster.waitForBootstrap(t)

	ctx := context.Background()

	t.Run("store on one node, find from another", func(t *testing.T) {
		item := wire.Item{Key: hash.HashString("user:alice"), Type: clusterItemType, Data: []byte("Alice Data")}
		require.NoError(t, second.Store(ctx, item))

		require.Eventually(t, func() bool {
			got, err := third.FindOne(ctx, item.Key, clusterItemType)
			return err == nil && string(got.Data) == "Alice Data"
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("find all collapses copies", func(t *testing.T) {
		item := wire.Item{Key: hash.HashString("user:bob"), Type: clusterItemType, Data: []byte("Bob Data")}
		require.NoError(t, first.Store(ctx, item))

		require.Eventually(t, func() bool {
			items, err := third.FindAll(ctx, item.Key, clusterItemType)
			return err == nil && len(items) == 1 && string(items[0].Data) == "Bob Data"
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := first.FindOne(ctx, hash.HashString("nonexistent"), clusterItemType)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("closest peers", func(t *testing.T) {
		peers, err := third.ClosestPeers(ctx, hash.HashString("anywhere"))
		require.NoError(t, err)
		assert.NotEmpty(t, peers)
		for _, p := range peers {
			assert.NotEqual(t, third.LocalID(), p.ID)
		}
	})
}
