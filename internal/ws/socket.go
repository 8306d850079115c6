// This file contains the Socket struct which holds the per connection protocol state:
// the resolved app, the signed in user, presence data per channel, and the user
// authentication and idle timers.
package ws

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
)

// sender is the part of Conn a Socket writes through.
type sender interface {
	Send(data []byte) error
	SendAndClose(data []byte, code int, text string) error
}

// Socket is the broker side of one client connection.
type Socket struct {
	id    string
	conn  sender
	sent  func(bytes int)
	evict func(ctx context.Context, s *Socket)

	idleTimeout time.Duration
	evictOnce   sync.Once
	admitted    atomic.Bool

	mu        sync.RWMutex
	app       *apps.App
	userID    string
	user      map[string]interface{}
	presence  map[string]*pusher.PresenceMember
	channels  map[string]struct{}
	authTimer *time.Timer
	idleTimer *time.Timer
}

// NewSocketID returns an id of the form "1234.5678" with both parts drawn
// from [0, 10^10).
func NewSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Int64N(1e10), rand.Int64N(1e10))
}

func newSocket(id string, conn sender, idleTimeout time.Duration) *Socket {
	return &Socket{
		id:          id,
		conn:        conn,
		idleTimeout: idleTimeout,
		presence:    make(map[string]*pusher.PresenceMember),
		channels:    make(map[string]struct{}),
	}
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) App() *apps.App {
	s.mu.RLock()

	defer s.mu.RUnlock()

	return s.app
}

func (s *Socket) setApp(app *apps.App) {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.app = app
}

// User returns the id the socket signed in as.
func (s *Socket) User() (string, bool) {
	s.mu.RLock()

	defer s.mu.RUnlock()

	return s.userID, s.userID != ""
}

func (s *Socket) setUser(id string, user map[string]interface{}) {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.userID = id
	s.user = user
}

func (s *Socket) Presence(channel string) (*pusher.PresenceMember, bool) {
	s.mu.RLock()

	defer s.mu.RUnlock()

	member, ok := s.presence[channel]

	return member, ok
}

func (s *Socket) setPresence(channel string, member *pusher.PresenceMember) {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.presence[channel] = member
}

func (s *Socket) deletePresence(channel string) {
	s.mu.Lock()

	defer s.mu.Unlock()

	delete(s.presence, channel)
}

func (s *Socket) addChannel(channel string) {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.channels[channel] = struct{}{}
}

func (s *Socket) removeChannel(channel string) {
	s.mu.Lock()

	defer s.mu.Unlock()

	delete(s.channels, channel)
}

// Subscribed lists the channels the socket joined, sorted.
func (s *Socket) Subscribed() []string {
	s.mu.RLock()

	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.channels))

	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)

	return out
}

// Send writes msg and restarts the idle timer.
func (s *Socket) Send(msg *pusher.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return err
	}
	if s.sent != nil {
		s.sent(len(data))
	}
	s.resetIdleTimer()

	return nil
}

// SendAndClose writes msg and closes the connection with code.
func (s *Socket) SendAndClose(msg *pusher.Message, code int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.stopTimers()

	return s.conn.SendAndClose(data, code, closeText(msg))
}

func closeText(msg *pusher.Message) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return ""
	}
	return payload.Message
}

func (s *Socket) sendError(e *pusher.Error) {
	_ = s.SendAndClose(e.Frame(), e.Code)
}

// armUserAuthenticationTimeout closes the socket with 4009 unless it signs
// in or joins an authorized channel within d.
func (s *Socket) armUserAuthenticationTimeout(d time.Duration) {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.authTimer = time.AfterFunc(d, func() {
		s.sendError(pusher.Unauthorized("Connection not authorized within timeout."))
	})
}

func (s *Socket) ClearUserAuthenticationTimeout() {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *Socket) resetIdleTimer() {
	if s.idleTimeout <= 0 {
		return
	}
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)

		return
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		_ = s.SendAndClose(pusher.ErrorMessage(pusher.CodeIdleTimeout, "Pong reply not received in time."), pusher.CodeIdleTimeout)
	})
}

func (s *Socket) stopTimers() {
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

// Evict releases everything the socket holds in the broker. It runs once no
// matter how often the connection is closed.
func (s *Socket) Evict(ctx context.Context) {
	s.evictOnce.Do(func() {
		s.stopTimers()

		if s.evict != nil {
			s.evict(ctx, s)
		}
	})
}
