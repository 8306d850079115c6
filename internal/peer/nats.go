package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSTransport maps topics onto subjects and requests onto NATS native
// request/reply, so no correlation bookkeeping is needed.
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[string][]*nats.Subscription
	servers map[string]*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// NewNATSTransport uses an existing connection. The caller keeps ownership.
func NewNATSTransport(conn *nats.Conn, prefix string) *NATSTransport {
	ctx, cancel := context.WithCancel(context.Background())

	return &NATSTransport{
		conn:    conn,
		prefix:  prefix,
		logger:  logging.WithComponent("peer.nats"),
		subs:    make(map[string][]*nats.Subscription),
		servers: make(map[string]*nats.Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// DialNATS connects to url and returns a transport that closes the
// connection with itself.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSTransport, error) {
	opts = append([]nats.Option{nats.Name("pondpush")}, opts...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	t := NewNATSTransport(conn, prefix)
	t.owned = true

	return t, nil
}

func toSubject(pattern string) string {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return prefix + ".>"
	}
	return pattern
}

func (n *NATSTransport) inboxSubject(nodeID string) string {
	return n.prefix + ".rpc." + nodeID
}

func (n *NATSTransport) Publish(_ context.Context, topic string, data []byte) error {
	if err := n.conn.Publish(topic, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (n *NATSTransport) Subscribe(pattern string, handler MessageHandler) error {
	n.mu.Lock()

	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	sub, err := n.conn.Subscribe(toSubject(pattern), func(msg *nats.Msg) {
		defer func() {
			if rec := recover(); rec != nil {
				n.logger.Error().Interface("panic", rec).Str("topic", msg.Subject).Msg("topic handler panicked")
			}
		}()

		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
	}
	n.subs[pattern] = append(n.subs[pattern], sub)

	return n.conn.Flush()
}

func (n *NATSTransport) Unsubscribe(pattern string) error {
	n.mu.Lock()

	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	var err error

	for _, sub := range n.subs[pattern] {
		if unsubErr := sub.Unsubscribe(); unsubErr != nil {
			err = errors.Join(err, unsubErr)
		}
	}
	delete(n.subs, pattern)

	return err
}

func (n *NATSTransport) Serve(nodeID string, handler RequestHandler) error {
	n.mu.Lock()

	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if _, exists := n.servers[nodeID]; exists {
		return fmt.Errorf("peer: node %s is already served", nodeID)
	}
	sub, err := n.conn.Subscribe(n.inboxSubject(nodeID), func(msg *nats.Msg) {
		go n.answer(msg, handler)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox of %s: %w", nodeID, err)
	}
	n.servers[nodeID] = sub

	return n.conn.Flush()
}

func (n *NATSTransport) answer(msg *nats.Msg, handler RequestHandler) {
	var reply rpcReply

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				reply = rpcReply{Error: fmt.Sprint(rec)}
			}
		}()

		data, err := handler(n.ctx, msg.Data)
		reply = replyFor("", data, err)
	}()

	encoded, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(encoded); err != nil {
		n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to send reply")
	}
}

func (n *NATSTransport) Request(ctx context.Context, nodeID string, data []byte) ([]byte, error) {
	msg, err := n.conn.RequestWithContext(ctx, n.inboxSubject(nodeID), data)

	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoPeer
	case errors.Is(err, nats.ErrConnectionClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, err
	}
	var reply rpcReply

	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply from %s: %w", nodeID, err)
	}
	return reply.result()
}

func (n *NATSTransport) Close() error {
	n.mu.Lock()

	if n.closed {
		n.mu.Unlock()

		return nil
	}
	n.closed = true
	subs := n.subs
	servers := n.servers
	n.subs = make(map[string][]*nats.Subscription)
	n.servers = make(map[string]*nats.Subscription)
	n.mu.Unlock()

	n.cancel()

	for _, list := range subs {
		for _, sub := range list {
			_ = sub.Unsubscribe()
		}
	}
	for _, sub := range servers {
		_ = sub.Unsubscribe()
	}
	if n.owned {
		n.conn.Close()
	}
	return nil
}
