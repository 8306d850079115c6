// Package webhooks notifies applications about channel activity with
// Pusher compatible webhooks.
package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Event is one entry of a webhook payload.
type Event struct {
	Name     string          `json:"name"`
	Channel  string          `json:"channel"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
}

type Payload struct {
	TimeMs int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Job is a payload waiting for delivery. Signature is taken when the job is
// created so tampering on the way through the queue is detected.
type Job struct {
	AppKey    string  `json:"app_key"`
	AppID     string  `json:"app_id"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

// Queue hands jobs to whatever delivers them.
type Queue interface {
	Push(ctx context.Context, job Job) error
	Close() error
}

// Sender turns channel activity into queued webhook jobs. With batching on,
// events of an app are collected for a short window and sent together.
type Sender struct {
	queue         Queue
	batching      bool
	batchDuration time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu      sync.Mutex
	batches map[string]*batch
	closed  bool
}

type batch struct {
	app    *apps.App
	events []Event
	timer  *time.Timer
}

func NewSender(queue Queue, batching bool, batchDuration time.Duration) *Sender {
	return &Sender{
		queue:         queue,
		batching:      batching && batchDuration > 0,
		batchDuration: batchDuration,
		logger:        logging.WithComponent("webhooks"),
		now:           time.Now,
		batches:       make(map[string]*batch),
	}
}

func (s *Sender) SendClientEvent(app *apps.App, channel, event string, data json.RawMessage, socketID, userID string) {
	if !app.HasClientEventWebhooks {
		return
	}
	e := Event{Name: apps.WebhookClientEvent, Channel: channel, Event: event, Data: data, SocketID: socketID}

	if userID != "" && pusher.IsPresenceChannel(channel) {
		e.UserID = userID
	}
	s.send(app, e)
}

func (s *Sender) SendMemberAdded(app *apps.App, channel, userID string) {
	if app.HasMemberAddedWebhooks {
		s.send(app, Event{Name: apps.WebhookMemberAdded, Channel: channel, UserID: userID})
	}
}

func (s *Sender) SendMemberRemoved(app *apps.App, channel, userID string) {
	if app.HasMemberRemovedWebhooks {
		s.send(app, Event{Name: apps.WebhookMemberRemoved, Channel: channel, UserID: userID})
	}
}

func (s *Sender) SendChannelOccupied(app *apps.App, channel string) {
	if app.HasChannelOccupiedWebhooks {
		s.send(app, Event{Name: apps.WebhookChannelOccupied, Channel: channel})
	}
}

func (s *Sender) SendChannelVacated(app *apps.App, channel string) {
	if app.HasChannelVacatedWebhooks {
		s.send(app, Event{Name: apps.WebhookChannelVacated, Channel: channel})
	}
}

func (s *Sender) SendCacheMissed(app *apps.App, channel string) {
	if app.HasCacheMissWebhooks {
		s.send(app, Event{Name: apps.WebhookCacheMiss, Channel: channel})
	}
}

func (s *Sender) send(app *apps.App, event Event) {
	if !s.batching {
		s.dispatch(app, []Event{event})

		return
	}
	s.mu.Lock()

	defer s.mu.Unlock()

	if s.closed {
		return
	}
	b, ok := s.batches[app.ID]
	if !ok {
		b = &batch{app: app}
		b.timer = time.AfterFunc(s.batchDuration, func() { s.flush(app.ID) })
		s.batches[app.ID] = b
	}
	b.events = append(b.events, event)
}

func (s *Sender) flush(appID string) {
	s.mu.Lock()
	b, ok := s.batches[appID]
	delete(s.batches, appID)
	s.mu.Unlock()

	if ok && len(b.events) > 0 {
		s.dispatch(b.app, b.events)
	}
}

func (s *Sender) dispatch(app *apps.App, events []Event) {
	job, err := NewJob(app, Payload{TimeMs: s.now().UnixMilli(), Events: events})
	if err != nil {
		s.logger.Error().Err(err).Str("app_id", app.ID).Msg("failed to build webhook job")

		return
	}
	if err := s.queue.Push(context.Background(), job); err != nil {
		s.logger.Warn().Err(err).Str("app_id", app.ID).Int("events", len(events)).Msg("failed to queue webhook")
	}
}

// Close sends whatever is still batched.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.batches
	s.batches = make(map[string]*batch)
	s.mu.Unlock()

	for _, b := range pending {
		b.timer.Stop()

		if len(b.events) > 0 {
			s.dispatch(b.app, b.events)
		}
	}
}

// NewJob signs payload with the app secret.
func NewJob(app *apps.App, payload Payload) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		AppKey:    app.Key,
		AppID:     app.ID,
		Payload:   payload,
		Signature: pusher.Sign(app.Secret, string(body)),
	}, nil
}
