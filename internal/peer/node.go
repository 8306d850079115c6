// This file contains the Node struct which runs the peer protocol on top of a Transport.
// It announces the topics this node watches, tracks which peers watch what, and routes
// versioned requests to the registered handlers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	clusterTopic   = "pondpush.cluster"
	controlPrefix  = "pondpush.ctl."
	controlPattern = "pondpush.ctl.*"

	kindSubscribe = "subscribe"
	kindHeartbeat = "heartbeat"
	kindLeave     = "leave"
	kindHello     = "hello"
	kindBye       = "bye"

	// ActionSync is answered by every node with the topics it watches.
	ActionSync = "sync"
)

// Handler answers a peer request. from is the calling node's id.
type Handler func(ctx context.Context, from string, body []byte) ([]byte, error)

type Options struct {
	NodeID            string
	RequestTimeout    time.Duration
	WatcherTTL        time.Duration
	DiscoveryInterval time.Duration
	Metrics           metrics.Sink
}

// Reply is one peer's answer to a fan-out request.
type Reply struct {
	Peer string
	Body []byte
}

type envelope struct {
	From  string `json:"from"`
	Kind  string `json:"kind"`
	Topic string `json:"topic,omitempty"`
}

type request struct {
	From string `json:"from"`
	Path string `json:"path"`
	Body []byte `json:"body,omitempty"`
}

type syncReply struct {
	SubscribedTopics []string `json:"subscribedTopics"`
}

// Node is this process's identity in the cluster. It tracks which peers
// watch which topics from their subscribe, heartbeat and leave announcements,
// and routes versioned requests to registered handlers.
type Node struct {
	id        string
	transport Transport
	opts      Options
	logger    zerolog.Logger
	metrics   metrics.Sink
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	topics   map[string]struct{}
	watchers map[string]map[string]time.Time
	peers    map[string]time.Time
	started  bool
}

func NewNode(transport Transport, opts Options) *Node {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 3 * time.Second
	}
	if opts.WatcherTTL <= 0 {
		opts.WatcherTTL = 15 * time.Second
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	n := &Node{
		id:        opts.NodeID,
		transport: transport,
		opts:      opts,
		logger:    logging.WithNodeID(opts.NodeID).With().Str("component", "peer").Logger(),
		metrics:   opts.Metrics,
		now:       time.Now,
		handlers:  make(map[string]Handler),
		topics:    make(map[string]struct{}),
		watchers:  make(map[string]map[string]time.Time),
		peers:     make(map[string]time.Time),
	}
	n.HandleRequest(ActionSync, 1, n.handleSync)

	return n
}

func (n *Node) ID() string {
	return n.id
}

func path(action string, version int) string {
	return fmt.Sprintf("/v%d/%s", version, action)
}

// HandleRequest registers handler for /v{version}/{action}.
func (n *Node) HandleRequest(action string, version int, handler Handler) {
	n.mu.Lock()

	defer n.mu.Unlock()

	n.handlers[path(action, version)] = handler
}

// Start makes the node reachable and announces it to the cluster.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()

	if n.started {
		n.mu.Unlock()

		return nil
	}
	n.started = true
	n.mu.Unlock()

	if err := n.transport.Serve(n.id, n.dispatch); err != nil {
		return fmt.Errorf("serve node %s: %w", n.id, err)
	}
	if err := n.transport.Subscribe(controlPattern, n.observeControl); err != nil {
		return fmt.Errorf("subscribe to control topics: %w", err)
	}
	if err := n.transport.Subscribe(clusterTopic, n.observeCluster); err != nil {
		return fmt.Errorf("subscribe to cluster topic: %w", err)
	}
	n.logger.Info().Msg("peer node started")

	return n.announce(ctx, kindHello, "")
}

// Serve keeps discovery and watcher expiry running until ctx is done.
func (n *Node) Serve(ctx context.Context) error {
	discovery := time.NewTicker(n.opts.DiscoveryInterval)
	prune := time.NewTicker(n.opts.WatcherTTL / 3)

	defer func() {
		discovery.Stop()
		prune.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-discovery.C:
			if err := n.announce(ctx, kindHello, ""); err != nil {
				n.logger.Warn().Err(err).Msg("failed to announce node")
			}
		case <-prune.C:
			n.prune()
		}
	}
}

// Stop tells the cluster this node is leaving. The transport stays open for
// its owner to close.
func (n *Node) Stop(ctx context.Context) {
	if err := n.announce(ctx, kindBye, ""); err != nil {
		n.logger.Debug().Err(err).Msg("failed to announce departure")
	}
	_ = n.transport.Unsubscribe(controlPattern)
	_ = n.transport.Unsubscribe(clusterTopic)

	n.logger.Info().Msg("peer node stopped")
}

// Subscribe starts watching topic and announces it. It reports false when the
// topic was already watched.
func (n *Node) Subscribe(ctx context.Context, topic string) (bool, error) {
	n.mu.Lock()

	if _, exists := n.topics[topic]; exists {
		n.mu.Unlock()

		return false, nil
	}
	n.topics[topic] = struct{}{}
	n.mu.Unlock()

	n.logger.Info().Str("topic", topic).Msg("subscribed")

	return true, n.announce(ctx, kindSubscribe, topic)
}

func (n *Node) Unsubscribe(ctx context.Context, topic string) error {
	n.mu.Lock()

	if _, exists := n.topics[topic]; !exists {
		n.mu.Unlock()

		return nil
	}
	delete(n.topics, topic)
	n.mu.Unlock()

	n.logger.Info().Str("topic", topic).Msg("unsubscribed")

	return n.announce(ctx, kindLeave, topic)
}

// Heartbeat refreshes this node's watcher tag on topic at every peer.
func (n *Node) Heartbeat(ctx context.Context, topic string) error {
	return n.announce(ctx, kindHeartbeat, topic)
}

func (n *Node) Subscribed(topic string) bool {
	n.mu.RLock()

	defer n.mu.RUnlock()

	_, ok := n.topics[topic]

	return ok
}

func (n *Node) Topics() []string {
	n.mu.RLock()

	defer n.mu.RUnlock()

	topics := make([]string, 0, len(n.topics))

	for topic := range n.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return topics
}

// PeersWatching lists the remote nodes whose tag on topic has not expired.
func (n *Node) PeersWatching(topic string) []string {
	n.mu.RLock()

	defer n.mu.RUnlock()

	cutoff := n.now().Add(-n.opts.WatcherTTL)
	peers := make([]string, 0, len(n.watchers[topic]))

	for peerID, seen := range n.watchers[topic] {
		if seen.After(cutoff) {
			peers = append(peers, peerID)
		}
	}
	sort.Strings(peers)

	return peers
}

// Peers lists every node seen recently, watching or not.
func (n *Node) Peers() []string {
	n.mu.RLock()

	defer n.mu.RUnlock()

	peers := make([]string, 0, len(n.peers))

	for peerID := range n.peers {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)

	return peers
}

// Request sends body to one peer and waits at most the configured request
// timeout for its reply.
func (n *Node) Request(ctx context.Context, peerID, action string, version int, body []byte) ([]byte, error) {
	payload, err := json.Marshal(request{From: n.id, Path: path(action, version), Body: body})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)

	defer cancel()

	return n.transport.Request(ctx, peerID, payload)
}

// MakeRequestToWatchers sends the same request to every peer watching topic
// in parallel. Peers that fail or time out are logged and left out of the
// result, which keeps peer order.
func (n *Node) MakeRequestToWatchers(ctx context.Context, topic, action string, version int, body []byte) []Reply {
	peers := n.PeersWatching(topic)
	if len(peers) == 0 {
		return nil
	}
	replies := make([]*Reply, len(peers))

	var wg sync.WaitGroup

	for i, peerID := range peers {
		wg.Add(1)

		go func(i int, peerID string) {
			defer wg.Done()

			data, err := n.Request(ctx, peerID, action, version, body)
			if err != nil {
				n.requestFailed(topic, action, peerID, err)

				return
			}
			n.metrics.PeerRequest(action, "ok")
			replies[i] = &Reply{Peer: peerID, Body: data}
		}(i, peerID)
	}
	wg.Wait()

	n.logger.Debug().Str("topic", topic).Str("action", action).Int("peers", len(peers)).Msg("fan-out request done")

	result := make([]Reply, 0, len(peers))

	for _, reply := range replies {
		if reply != nil {
			result = append(result, *reply)
		}
	}
	return result
}

func (n *Node) requestFailed(topic, action, peerID string, err error) {
	outcome := "error"

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.Is(err, ErrNoPeer):
		outcome = "unreachable"
		n.forget(peerID)
	}
	n.metrics.PeerRequest(action, outcome)
	n.logger.Warn().Err(err).Str("peer", peerID).Str("topic", topic).Str("action", action).Msg("peer request failed")
}

func (n *Node) announce(ctx context.Context, kind, topic string) error {
	data, err := json.Marshal(envelope{From: n.id, Kind: kind, Topic: topic})
	if err != nil {
		return err
	}
	target := clusterTopic
	if topic != "" {
		target = controlPrefix + topic
	}
	return n.transport.Publish(ctx, target, data)
}

func (n *Node) dispatch(ctx context.Context, data []byte) ([]byte, error) {
	var req request

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	n.mu.RLock()
	handler, ok := n.handlers[req.Path]
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no handler for %s", req.Path)
	}
	n.touch(req.From)

	return handler(ctx, req.From, req.Body)
}

func (n *Node) handleSync(context.Context, string, []byte) ([]byte, error) {
	return json.Marshal(syncReply{SubscribedTopics: n.Topics()})
}

func (n *Node) observeControl(_ string, data []byte) {
	var env envelope

	if err := json.Unmarshal(data, &env); err != nil || env.From == n.id || env.From == "" {
		return
	}
	n.touch(env.From)

	switch env.Kind {
	case kindSubscribe, kindHeartbeat:
		n.tag(env.Topic, env.From)
	case kindLeave:
		n.untag(env.Topic, env.From)
	}
}

func (n *Node) observeCluster(_ string, data []byte) {
	var env envelope

	if err := json.Unmarshal(data, &env); err != nil || env.From == n.id || env.From == "" {
		return
	}
	switch env.Kind {
	case kindHello:
		if n.touch(env.From) {
			n.logger.Info().Str("peer", env.From).Msg("discovered peer")

			go n.greet(env.From)
		}
	case kindBye:
		n.forget(env.From)
		n.logger.Info().Str("peer", env.From).Msg("peer left")
	}
}

// greet answers a newly seen peer with our own hello and learns which topics
// it already watches.
func (n *Node) greet(peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.RequestTimeout)

	defer cancel()

	if err := n.announce(ctx, kindHello, ""); err != nil {
		n.logger.Debug().Err(err).Msg("failed to answer hello")
	}
	data, err := n.Request(ctx, peerID, ActionSync, 1, nil)
	if err != nil {
		n.logger.Warn().Err(err).Str("peer", peerID).Msg("failed to sync with peer")

		return
	}
	var reply syncReply

	if err := json.Unmarshal(data, &reply); err != nil {
		n.logger.Warn().Err(err).Str("peer", peerID).Msg("malformed sync reply")

		return
	}
	for _, topic := range reply.SubscribedTopics {
		n.tag(topic, peerID)
	}
}

// touch records that peerID is alive and reports whether it was unknown.
func (n *Node) touch(peerID string) bool {
	if peerID == "" || peerID == n.id {
		return false
	}
	n.mu.Lock()

	defer n.mu.Unlock()

	_, known := n.peers[peerID]
	n.peers[peerID] = n.now()

	return !known
}

func (n *Node) tag(topic, peerID string) {
	if topic == "" {
		return
	}
	n.mu.Lock()

	defer n.mu.Unlock()

	if n.watchers[topic] == nil {
		n.watchers[topic] = make(map[string]time.Time)
	}
	n.watchers[topic][peerID] = n.now()
}

func (n *Node) untag(topic, peerID string) {
	n.mu.Lock()

	defer n.mu.Unlock()

	delete(n.watchers[topic], peerID)

	if len(n.watchers[topic]) == 0 {
		delete(n.watchers, topic)
	}
}

func (n *Node) forget(peerID string) {
	n.mu.Lock()

	defer n.mu.Unlock()

	delete(n.peers, peerID)

	for topic, peers := range n.watchers {
		delete(peers, peerID)

		if len(peers) == 0 {
			delete(n.watchers, topic)
		}
	}
}

func (n *Node) prune() {
	n.mu.Lock()

	defer n.mu.Unlock()

	now := n.now()
	watcherCutoff := now.Add(-n.opts.WatcherTTL)
	peerCutoff := now.Add(-(n.opts.WatcherTTL + n.opts.DiscoveryInterval))

	for topic, peers := range n.watchers {
		for peerID, seen := range peers {
			if seen.Before(watcherCutoff) {
				delete(peers, peerID)
			}
		}
		if len(peers) == 0 {
			delete(n.watchers, topic)
		}
	}
	for peerID, seen := range n.peers {
		if seen.Before(peerCutoff) {
			delete(n.peers, peerID)
		}
	}
}
