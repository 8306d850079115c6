// This file contains the RedisTransport which carries topics over Redis pattern
// subscriptions and requests over per node inbox channels.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport carries topics over Redis PUBLISH/PSUBSCRIBE. Requests are
// published to the target node's inbox channel and answered on the caller's
// reply channel, matched by correlation id.
type RedisTransport struct {
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	id     string
	logger zerolog.Logger

	mu            sync.RWMutex
	subscriptions map[string][]MessageHandler
	servers       map[string]RequestHandler
	pending       map[string]chan rpcReply

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisTransport connects the transport. prefix namespaces the inbox and
// reply channels so several clusters can share one Redis.
func NewRedisTransport(ctx context.Context, client *redis.Client, prefix string) (*RedisTransport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	transportCtx, cancel := context.WithCancel(context.Background())

	r := &RedisTransport{
		client:        client,
		prefix:        prefix,
		id:            uuid.NewString(),
		logger:        logging.WithComponent("peer.redis"),
		subscriptions: make(map[string][]MessageHandler),
		servers:       make(map[string]RequestHandler),
		pending:       make(map[string]chan rpcReply),
		ctx:           transportCtx,
		cancel:        cancel,
	}
	r.pubsub = client.Subscribe(transportCtx, r.replyChannel())

	if _, err := r.pubsub.Receive(ctx); err != nil {
		cancel()

		_ = r.pubsub.Close()

		return nil, fmt.Errorf("failed to subscribe to reply channel: %w", err)
	}
	r.wg.Add(1)

	go r.handleMessages()

	return r, nil
}

func (r *RedisTransport) replyChannel() string {
	return r.prefix + ".reply." + r.id
}

func (r *RedisTransport) inboxChannel(nodeID string) string {
	return r.prefix + ".rpc." + nodeID
}

func (r *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe registers handler for pattern. Redis glob matching treats the
// trailing ".*" as "any suffix after the dot".
func (r *RedisTransport) Subscribe(pattern string, handler MessageHandler) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.subscriptions[pattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, pattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
	}
	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)

	return nil
}

func (r *RedisTransport) Unsubscribe(pattern string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.subscriptions[pattern]; !exists {
		return nil
	}
	delete(r.subscriptions, pattern)

	if err := r.pubsub.PUnsubscribe(r.ctx, pattern); err != nil {
		return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
	}
	return nil
}

func (r *RedisTransport) Serve(nodeID string, handler RequestHandler) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.servers[nodeID]; exists {
		return fmt.Errorf("peer: node %s is already served", nodeID)
	}
	if err := r.pubsub.Subscribe(r.ctx, r.inboxChannel(nodeID)); err != nil {
		return fmt.Errorf("failed to subscribe to inbox of %s: %w", nodeID, err)
	}
	r.servers[nodeID] = handler

	return nil
}

func (r *RedisTransport) Request(ctx context.Context, nodeID string, data []byte) ([]byte, error) {
	req := rpcRequest{ID: uuid.NewString(), ReplyTo: r.replyChannel(), Data: data}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	result := make(chan rpcReply, 1)

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil, ErrClosed
	}
	r.pending[req.ID] = result
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	receivers, err := r.client.Publish(ctx, r.inboxChannel(nodeID), payload).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", nodeID, err)
	}
	if receivers == 0 {
		return nil, ErrNoPeer
	}
	select {
	case reply := <-result:
		return reply.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrClosed
	}
}

func (r *RedisTransport) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	r.wg.Wait()

	return nil
}

func (r *RedisTransport) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.route(msg)
		}
	}
}

func (r *RedisTransport) route(msg *redis.Message) {
	switch {
	case msg.Channel == r.replyChannel():
		r.resolve([]byte(msg.Payload))
	case msg.Pattern != "":
		r.deliver(msg.Pattern, msg.Channel, []byte(msg.Payload))
	default:
		r.answer(msg.Channel, []byte(msg.Payload))
	}
}

func (r *RedisTransport) resolve(payload []byte) {
	var reply rpcReply

	if err := json.Unmarshal(payload, &reply); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed reply")

		return
	}
	r.mu.RLock()
	result, ok := r.pending[reply.ID]
	r.mu.RUnlock()

	if ok {
		select {
		case result <- reply:
		default:
		}
	}
}

func (r *RedisTransport) deliver(pattern, topic string, data []byte) {
	r.mu.RLock()
	handlers := append([]MessageHandler(nil), r.subscriptions[pattern]...)
	r.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Str("topic", topic).Msg("topic handler panicked")
				}
			}()

			handler(topic, data)
		}()
	}
}

func (r *RedisTransport) answer(channel string, payload []byte) {
	var handler RequestHandler

	r.mu.RLock()
	for nodeID, h := range r.servers {
		if r.inboxChannel(nodeID) == channel {
			handler = h

			break
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	var req rpcRequest

	if err := json.Unmarshal(payload, &req); err != nil {
		r.logger.Warn().Err(err).Msg("dropping malformed request")

		return
	}

	go func() {
		var reply rpcReply

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					reply = rpcReply{ID: req.ID, Error: fmt.Sprint(rec)}
				}
			}()

			data, err := handler(r.ctx, req.Data)
			reply = replyFor(req.ID, data, err)
		}()

		encoded, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := r.client.Publish(r.ctx, req.ReplyTo, encoded).Err(); err != nil {
			r.logger.Warn().Err(err).Str("reply_to", req.ReplyTo).Msg("failed to send reply")
		}
	}()
}
