// Package peer connects broker nodes. A Transport moves bytes between nodes
// with topic publish/subscribe and addressed request/reply; a Node builds
// watcher tracking, discovery and RPC fan-out on top of it.
package peer

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed = errors.New("peer: transport closed")

	// ErrNoPeer is returned when a request targets a node nobody serves.
	ErrNoPeer = errors.New("peer: no such node")
)

// MessageHandler receives topic messages. Handlers run on the transport's
// delivery goroutine and must not block on further requests.
type MessageHandler func(topic string, data []byte)

// RequestHandler answers one request addressed to this node.
type RequestHandler func(ctx context.Context, data []byte) ([]byte, error)

// Transport is the substrate nodes talk over. Patterns are exact topics or a
// prefix followed by ".*".
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(pattern string, handler MessageHandler) error
	Unsubscribe(pattern string) error

	// Serve routes requests addressed to nodeID to handler.
	Serve(nodeID string, handler RequestHandler) error

	// Request sends data to nodeID and waits for its single reply.
	Request(ctx context.Context, nodeID string, data []byte) ([]byte, error)

	Close() error
}

// RemoteError is an error returned by the remote handler, as opposed to a
// failure to reach it.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "peer: remote error: " + e.Message
}

type rpcRequest struct {
	ID      string `json:"id"`
	ReplyTo string `json:"reply_to,omitempty"`
	Data    []byte `json:"data"`
}

type rpcReply struct {
	ID    string `json:"id,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func replyFor(id string, data []byte, err error) rpcReply {
	reply := rpcReply{ID: id, Data: data}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (r rpcReply) result() ([]byte, error) {
	if r.Error != "" {
		return nil, &RemoteError{Message: r.Error}
	}
	return r.Data, nil
}

// matchTopic reports whether topic matches pattern.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
