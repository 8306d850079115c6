// Package broker ties the per application namespaces to the peer network:
// it owns the namespace registry, keeps this node subscribed to the apps it
// serves sockets for, answers namespace calls from peers and drains the node
// on shutdown.
package broker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/pondpush/internal/channels"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/metrics"
	"github.com/eleven-am/pondpush/internal/namespace"
	"github.com/eleven-am/pondpush/internal/peer"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/rs/zerolog"
)

// Evictable sockets release their channels, user entry and timers on Evict.
// Evict must be safe to call more than once.
type Evictable interface {
	Evict(ctx context.Context)
}

type Options struct {
	// HeartbeatInterval is how often a subscribed app is checked for local
	// sockets; without any the node stops watching the app.
	HeartbeatInterval time.Duration
	Metrics           metrics.Sink
}

type Broker struct {
	node     *peer.Node
	registry *channels.Registry
	opts     Options
	logger   zerolog.Logger
	closing  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	namespaces map[string]*namespace.Namespace
	watching   map[string]struct{}
	wg         sync.WaitGroup
}

// New creates a broker on top of node and registers the namespace call
// handler. The node is started and stopped by the caller.
func New(ctx context.Context, node *peer.Node, opts Options) *Broker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(ctx)

	b := &Broker{
		node:       node,
		opts:       opts,
		logger:     logging.WithNodeID(node.ID()).With().Str("component", "broker").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		namespaces: make(map[string]*namespace.Namespace),
		watching:   make(map[string]struct{}),
	}
	b.registry = channels.NewRegistry(b)

	node.HandleRequest(namespace.ActionCallNamespaceFn, 1, b.handleNamespaceCall)

	return b
}

func (b *Broker) NodeID() string {
	return b.node.ID()
}

func (b *Broker) Channels() *channels.Registry {
	return b.registry
}

// Closing reports whether the node is draining.
func (b *Broker) Closing() bool {
	return b.closing.Load()
}

// Namespace returns the namespace of appID, creating it on first use.
func (b *Broker) Namespace(appID string) *namespace.Namespace {
	b.mu.Lock()

	defer b.mu.Unlock()

	ns, ok := b.namespaces[appID]
	if !ok {
		ns = namespace.New(appID, b.node)
		b.namespaces[appID] = ns
	}
	return ns
}

// Namespaces lists the app ids with a namespace on this node.
func (b *Broker) Namespaces() []string {
	b.mu.Lock()

	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.namespaces))

	for id := range b.namespaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// SubscribeToApp makes this node watch appID on the peer network so peers
// include it in fan-outs. It is a no-op while the app is already watched.
func (b *Broker) SubscribeToApp(ctx context.Context, appID string) error {
	b.mu.Lock()

	if _, ok := b.watching[appID]; ok {
		b.mu.Unlock()

		return nil
	}
	b.watching[appID] = struct{}{}
	b.mu.Unlock()

	if _, err := b.node.Subscribe(ctx, namespace.Topic(appID)); err != nil {
		b.mu.Lock()
		delete(b.watching, appID)
		b.mu.Unlock()

		return err
	}
	b.logger.Info().Str("app_id", appID).Msg("subscribed to app")

	b.wg.Add(1)

	go b.watch(appID)

	return nil
}

// Watching reports whether the node currently watches appID.
func (b *Broker) Watching(appID string) bool {
	b.mu.Lock()

	defer b.mu.Unlock()

	_, ok := b.watching[appID]

	return ok
}

func (b *Broker) watch(appID string) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	topic := namespace.Topic(appID)

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.release(appID) {
				return
			}
			if err := b.node.Heartbeat(b.ctx, topic); err != nil {
				b.logger.Warn().Err(err).Str("app_id", appID).Msg("app heartbeat failed")
			}
			b.opts.Metrics.PeersWatching(appID, len(b.node.PeersWatching(topic)))
		}
	}
}

// release stops watching appID when it has no local sockets left. The
// check, the removal and the topic unsubscribe all happen under b.mu, so a
// concurrent SubscribeToApp only runs once the node has left the topic and
// announces a fresh watch.
func (b *Broker) release(appID string) bool {
	b.mu.Lock()

	defer b.mu.Unlock()

	ns, ok := b.namespaces[appID]
	if ok && ns.SocketsCount(b.ctx, true) > 0 {
		return false
	}
	delete(b.watching, appID)

	if err := b.node.Unsubscribe(b.ctx, namespace.Topic(appID)); err != nil {
		b.logger.Warn().Err(err).Str("app_id", appID).Msg("failed to unsubscribe from app")
	}
	b.logger.Info().Str("app_id", appID).Msg("unsubscribed from app")

	return true
}

func (b *Broker) handleNamespaceCall(ctx context.Context, from string, body []byte) ([]byte, error) {
	call, err := namespace.DecodeCall(body)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Str("from", from).Str("app_id", call.AppID).Str("method", string(call.Method)).Msg("namespace call")

	return b.Namespace(call.AppID).Invoke(ctx, call.Method, call.Args)
}

// Drain refuses new sockets, closes every local socket with a reconnect
// code, evicts it and clears the namespaces.
func (b *Broker) Drain(ctx context.Context) {
	if !b.closing.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	namespaces := make([]*namespace.Namespace, 0, len(b.namespaces))

	for _, ns := range b.namespaces {
		namespaces = append(namespaces, ns)
	}
	b.mu.Unlock()

	closed := 0

	for _, ns := range namespaces {
		for _, s := range ns.Sockets() {
			_ = s.SendAndClose(pusher.ServerClosing().Frame(), pusher.CodeServerClosing)

			if e, ok := s.(Evictable); ok {
				e.Evict(ctx)
			}
			closed++
		}
		ns.Clear()
	}
	b.cancel()
	b.wg.Wait()

	b.logger.Info().Int("sockets", closed).Int("apps", len(namespaces)).Msg("drained local sockets")
}
