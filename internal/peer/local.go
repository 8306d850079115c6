// This file contains the LocalBus which connects nodes living in the same process.
// It backs single node deployments and lets tests run a whole cluster in memory.
package peer

import (
	"context"
	"fmt"
	"sync"
)

// LocalBus connects any number of in-process transports. It backs single
// process deployments and lets tests run several nodes side by side.
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[string][]*subscription
	servers    map[string]RequestHandler
	bufferSize int
}

type subscription struct {
	owner   *LocalTransport
	pattern string
	handler MessageHandler
	ch      chan busMessage
	done    chan struct{}
}

type busMessage struct {
	topic string
	data  []byte
}

// NewLocalBus creates a bus whose subscriptions buffer up to bufferSize
// messages. Messages beyond that are dropped for the slow subscriber.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &LocalBus{
		subs:       make(map[string][]*subscription),
		servers:    make(map[string]RequestHandler),
		bufferSize: bufferSize,
	}
}

// Transport returns a new endpoint attached to the bus.
func (b *LocalBus) Transport() *LocalTransport {
	return &LocalTransport{bus: b}
}

func (b *LocalBus) publish(topic string, data []byte) {
	b.mu.RLock()

	defer b.mu.RUnlock()

	msg := busMessage{topic: topic, data: data}

	for pattern, subs := range b.subs {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subs {
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ch:
			s.deliver(msg)
		}
	}
}

func (s *subscription) deliver(msg busMessage) {
	defer func() {
		_ = recover()
	}()

	s.handler(msg.topic, msg.data)
}

// LocalTransport is one node's view of a LocalBus.
type LocalTransport struct {
	bus    *LocalBus
	mu     sync.Mutex
	closed bool
	served []string
}

func (l *LocalTransport) isClosed() bool {
	l.mu.Lock()

	defer l.mu.Unlock()

	return l.closed
}

func (l *LocalTransport) Publish(_ context.Context, topic string, data []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	l.bus.publish(topic, data)

	return nil
}

// Subscribe delivers matching messages to handler in publish order.
func (l *LocalTransport) Subscribe(pattern string, handler MessageHandler) error {
	if l.isClosed() {
		return ErrClosed
	}
	sub := &subscription{
		owner:   l,
		pattern: pattern,
		handler: handler,
		ch:      make(chan busMessage, l.bus.bufferSize),
		done:    make(chan struct{}),
	}
	l.bus.mu.Lock()
	l.bus.subs[pattern] = append(l.bus.subs[pattern], sub)
	l.bus.mu.Unlock()

	go sub.run()

	return nil
}

// Unsubscribe removes this transport's handlers for pattern.
func (l *LocalTransport) Unsubscribe(pattern string) error {
	if l.isClosed() {
		return ErrClosed
	}
	l.bus.mu.Lock()

	defer l.bus.mu.Unlock()

	l.bus.removeOwned(pattern, l)

	return nil
}

func (b *LocalBus) removeOwned(pattern string, owner *LocalTransport) {
	subs := b.subs[pattern]
	kept := subs[:0]

	for _, sub := range subs {
		if sub.owner == owner {
			close(sub.done)

			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(b.subs, pattern)
	} else {
		b.subs[pattern] = kept
	}
}

func (l *LocalTransport) Serve(nodeID string, handler RequestHandler) error {
	if l.isClosed() {
		return ErrClosed
	}
	l.bus.mu.Lock()

	defer l.bus.mu.Unlock()

	if _, exists := l.bus.servers[nodeID]; exists {
		return fmt.Errorf("peer: node %s is already served", nodeID)
	}
	l.bus.servers[nodeID] = handler

	l.mu.Lock()
	l.served = append(l.served, nodeID)
	l.mu.Unlock()

	return nil
}

func (l *LocalTransport) Request(ctx context.Context, nodeID string, data []byte) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	l.bus.mu.RLock()
	handler, ok := l.bus.servers[nodeID]
	l.bus.mu.RUnlock()

	if !ok {
		return nil, ErrNoPeer
	}
	result := make(chan rpcReply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- rpcReply{Error: fmt.Sprint(r)}
			}
		}()

		data, err := handler(ctx, data)
		result <- replyFor("", data, err)
	}()

	select {
	case reply := <-result:
		return reply.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the transport: its subscriptions stop and its nodes are no
// longer reachable.
func (l *LocalTransport) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return nil
	}
	l.closed = true
	served := l.served
	l.mu.Unlock()

	l.bus.mu.Lock()

	defer l.bus.mu.Unlock()

	for pattern := range l.bus.subs {
		l.bus.removeOwned(pattern, l)
	}
	for _, nodeID := range served {
		delete(l.bus.servers, nodeID)
	}
	return nil
}
