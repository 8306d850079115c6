// Package ws runs the client side of the broker: websocket connections
// speaking the Pusher protocol and the per socket state machine behind them.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosing    = errors.New("connection is closing")
	ErrBufferFull = errors.New("send buffer full")
)

type ConnOptions struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
}

func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		MaxMessageSize: 100 * 1024,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
	}
}

type frame struct {
	data      []byte
	closeCode int
	closeText string
}

// Conn owns one websocket. A read pump hands text frames to the message
// handler in arrival order; a write pump drains the send buffer and keeps
// the connection alive with pings.
type Conn struct {
	conn      *websocket.Conn
	opts      ConnOptions
	send      chan frame
	closeChan chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	onMessage func([]byte)
	onClose   func()

	mutex     sync.Mutex
	isClosing bool
	finishing bool
}

func newConn(wsConn *websocket.Conn, opts ConnOptions, onMessage func([]byte), onClose func()) *Conn {
	return &Conn{
		conn:      wsConn,
		opts:      opts,
		send:      make(chan frame, opts.SendBuffer),
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Start runs the pumps. Frames queued before Start are written first.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.conn.SetReadLimit(c.opts.MaxMessageSize)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})

		go c.readPump()

		go c.writePump()
	})
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.onMessage(message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
			if f.closeCode != 0 {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeText))

				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Send queues data without blocking. A client too slow to drain its buffer
// is disconnected.
func (c *Conn) Send(data []byte) error {
	return c.enqueue(frame{data: data}, false)
}

// SendAndClose queues data followed by a close frame with code. Anything
// sent afterwards is refused.
func (c *Conn) SendAndClose(data []byte, code int, text string) error {
	return c.enqueue(frame{data: data, closeCode: code, closeText: text}, true)
}

func (c *Conn) enqueue(f frame, last bool) error {
	c.mutex.Lock()

	if c.isClosing || c.finishing {
		c.mutex.Unlock()

		return ErrClosing
	}
	if last {
		c.finishing = true
	}
	c.mutex.Unlock()

	select {
	case c.send <- f:
		return nil
	default:
		go c.Close()

		return ErrBufferFull
	}
}

// Close tears the connection down and runs the close handler once. It waits
// for the read pump, so the message handler must not call it directly.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.isClosing = true
		c.mutex.Unlock()

		close(c.closeChan)

		_ = c.conn.Close()

		if !fromReader {
			c.waitReader()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// waitReader waits for the read pump when it was started.
func (c *Conn) waitReader() {
	started := true

	c.startOnce.Do(func() { started = false })

	if started {
		<-c.readDone
	}
}
