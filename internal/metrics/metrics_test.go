package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink(t *testing.T) {
	p := NewPrometheus()

	p.NewConnection("1")
	p.NewConnection("1")
	p.NewDisconnection("1")
	p.SocketSent("1", 120)
	p.SocketSent("1", 30)
	p.HTTPCall("1", 10, 20)
	p.PeersWatching("1", 2)
	p.PeerRequest("call-namespace-fn", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(p.connected.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.newConnections.WithLabelValues("1")))
	assert.Equal(t, 150.0, testutil.ToFloat64(p.socketSent.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.wsSent.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.peersWatching.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.peerRequests.WithLabelValues("call-namespace-fn", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheus()
	p.NewConnection("app")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pondpush_connected{app_id="app"} 1`)
}

func TestNoop(t *testing.T) {
	sink := Noop()
	sink.NewConnection("1")
	sink.PeerRequest("sync", "timeout")
}
