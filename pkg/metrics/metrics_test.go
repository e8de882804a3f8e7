package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := New("test")

	m.SetTableSize(12, 3)
	m.TableEvent("peer_added")
	m.TableEvent("peer_added")
	m.LookupFinished(OutcomeConverged, 6, 250*time.Millisecond)
	m.RequestDone("find_close_peers", "ok")
	m.PacketReceived("store_request")
	m.StorageOp("store", "ok")

	assert.Equal(t, 12.0, testutil.ToFloat64(m.peers))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.buckets))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tableEvents.WithLabelValues("peer_added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues(OutcomeConverged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("find_close_peers", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packets.WithLabelValues("store_request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stores.WithLabelValues("store", "ok")))
}

func TestMetricsHandler(t *testing.T) {
	m := New("")
	m.SetTableSize(4, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "kadnet_table_peers 4")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetTableSize(1, 1)
		m.TableEvent("x")
		m.LookupFinished(OutcomeTimeout, 1, time.Second)
		m.RequestDone("a", "b")
		m.PacketReceived("a")
		m.StorageOp("a", "b")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
