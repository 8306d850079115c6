// Package metrics records connection, traffic and peer statistics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives operational events from the broker. Every method must be
// cheap and must never block the caller.
type Sink interface {
	// NewConnection is called once a socket is accepted for an app.
	NewConnection(appID string)

	// NewDisconnection is called once per evicted socket.
	NewDisconnection(appID string)

	// SocketReceived tracks an inbound websocket frame.
	SocketReceived(appID string, bytes int)

	// SocketSent tracks an outbound websocket frame.
	SocketSent(appID string, bytes int)

	// HTTPCall tracks a control API request and its response size.
	HTTPCall(appID string, received, sent int)

	// PeersWatching reports how many remote nodes watch an app.
	PeersWatching(appID string, peers int)

	// PeerRequest counts a peer RPC by action and outcome.
	PeerRequest(action, outcome string)
}

// Prometheus implements Sink on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	connected      *prometheus.GaugeVec
	newConnections *prometheus.CounterVec
	disconnections *prometheus.CounterVec
	socketReceived *prometheus.CounterVec
	socketSent     *prometheus.CounterVec
	wsReceived     *prometheus.CounterVec
	wsSent         *prometheus.CounterVec
	httpReceived   *prometheus.CounterVec
	httpSent       *prometheus.CounterVec
	httpCalls      *prometheus.CounterVec
	peersWatching  *prometheus.GaugeVec
	peerRequests   *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pondpush_connected",
			Help: "Number of sockets currently connected",
		}, []string{"app_id"}),
		newConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_new_connections_total",
			Help: "Total number of accepted sockets",
		}, []string{"app_id"}),
		disconnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_new_disconnections_total",
			Help: "Total number of evicted sockets",
		}, []string{"app_id"}),
		socketReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_socket_received_bytes",
			Help: "Bytes received over websockets",
		}, []string{"app_id"}),
		socketSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_socket_sent_bytes",
			Help: "Bytes sent over websockets",
		}, []string{"app_id"}),
		wsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_ws_messages_received_total",
			Help: "Websocket frames received",
		}, []string{"app_id"}),
		wsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_ws_messages_sent_total",
			Help: "Websocket frames sent",
		}, []string{"app_id"}),
		httpReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_http_received_bytes",
			Help: "Bytes received by the control API",
		}, []string{"app_id"}),
		httpSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_http_sent_bytes",
			Help: "Bytes sent by the control API",
		}, []string{"app_id"}),
		httpCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_http_calls_received_total",
			Help: "Control API requests served",
		}, []string{"app_id"}),
		peersWatching: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pondpush_peers_watching_app",
			Help: "Remote nodes currently watching an app",
		}, []string{"app_id"}),
		peerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondpush_peer_requests_total",
			Help: "Peer RPCs issued by action and outcome",
		}, []string{"action", "outcome"}),
	}
}

func (p *Prometheus) NewConnection(appID string) {
	p.connected.WithLabelValues(appID).Inc()
	p.newConnections.WithLabelValues(appID).Inc()
}

func (p *Prometheus) NewDisconnection(appID string) {
	p.connected.WithLabelValues(appID).Dec()
	p.disconnections.WithLabelValues(appID).Inc()
}

func (p *Prometheus) SocketReceived(appID string, bytes int) {
	p.socketReceived.WithLabelValues(appID).Add(float64(bytes))
	p.wsReceived.WithLabelValues(appID).Inc()
}

func (p *Prometheus) SocketSent(appID string, bytes int) {
	p.socketSent.WithLabelValues(appID).Add(float64(bytes))
	p.wsSent.WithLabelValues(appID).Inc()
}

func (p *Prometheus) HTTPCall(appID string, received, sent int) {
	p.httpReceived.WithLabelValues(appID).Add(float64(received))
	p.httpSent.WithLabelValues(appID).Add(float64(sent))
	p.httpCalls.WithLabelValues(appID).Inc()
}

func (p *Prometheus) PeersWatching(appID string, peers int) {
	p.peersWatching.WithLabelValues(appID).Set(float64(peers))
}

func (p *Prometheus) PeerRequest(action, outcome string) {
	p.peerRequests.WithLabelValues(action, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

type noop struct{}

func (noop) NewConnection(string) {}
func (noop) NewDisconnection(string) {}
func (noop) SocketReceived(string, int) {}
func (noop) SocketSent(string, int) {}
func (noop) HTTPCall(string, int, int) {}
func (noop) PeersWatching(string, int) {}
func (noop) PeerRequest(string, string) {}

// Noop discards everything.
func Noop() Sink {
	return noop{}
}
