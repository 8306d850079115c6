// This file contains the Handler which upgrades Pusher websocket connections, admits
// them against their app, and dispatches every client frame: pings, subscriptions,
// user sign in and client events.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/broker"
	"github.com/eleven-am/pondpush/internal/cache"
	"github.com/eleven-am/pondpush/internal/channels"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/metrics"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/eleven-am/pondpush/internal/ratelimit"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Webhooks receives the channel activity apps may subscribe to.
type Webhooks interface {
	SendClientEvent(app *apps.App, channel, event string, data json.RawMessage, socketID, userID string)
	SendMemberAdded(app *apps.App, channel, userID string)
	SendMemberRemoved(app *apps.App, channel, userID string)
	SendChannelOccupied(app *apps.App, channel string)
	SendChannelVacated(app *apps.App, channel string)
	SendCacheMissed(app *apps.App, channel string)
}

// Options tunes the handler. Zero values fall back to the defaults of
// NewHandler.
type Options struct {
	UserAuthTimeout time.Duration
	IdleTimeout     time.Duration
	Conn            ConnOptions
	CheckOrigin     func(r *http.Request) bool
}

// Dependencies are the collaborators every socket uses.
type Dependencies struct {
	Broker   *broker.Broker
	Apps     apps.Manager
	Cache    cache.Manager
	Limiter  ratelimit.Limiter
	Webhooks Webhooks
	Metrics  metrics.Sink
}

// Handler accepts websocket connections and runs the protocol for each.
type Handler struct {
	ctx      context.Context
	deps     Dependencies
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler builds a handler whose sockets live until ctx is done or they
// close. Origins are accepted unless CheckOrigin says otherwise.
func NewHandler(ctx context.Context, deps Dependencies, opts Options) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if opts.UserAuthTimeout <= 0 {
		opts.UserAuthTimeout = 30 * time.Second
	}
	if opts.Conn.SendBuffer <= 0 {
		opts.Conn = DefaultConnOptions()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		ctx:  ctx,
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logging.WithComponent("ws"),
	}
}

// ServeWS upgrades the request and serves the socket of the app with
// appKey. It returns once the socket is admitted or refused; the
// connection lives on in its pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, appKey string) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")

		return
	}
	s := newSocket(NewSocketID(), nil, h.opts.IdleTimeout)
	conn := newConn(wsConn, h.opts.Conn,
		func(data []byte) { h.onMessage(s, data) },
		func() { s.Evict(h.ctx) },
	)
	s.conn = conn
	s.evict = h.evict
	s.sent = func(n int) {
		if app := s.App(); app != nil {
			h.deps.Metrics.SocketSent(app.ID, n)
		}
	}
	h.open(h.ctx, s, appKey)

	conn.Start()
}

func (h *Handler) open(ctx context.Context, s *Socket, appKey string) {
	if h.deps.Broker.Closing() {
		h.refuse(s, pusher.ServerClosing())

		return
	}
	app, err := h.deps.Apps.FindByKey(ctx, appKey)
	if err != nil {
		refusal := pusher.AppNotFound(appKey)

		if !errors.Is(err, apps.ErrNotFound) {
			refusal = refusal.WithCause(err)
			h.logger.Warn().Err(err).Str("app_key", appKey).Msg("failed to resolve app")
		}
		h.refuse(s, refusal)

		return
	}
	if !app.Enabled {
		h.refuse(s, pusher.AppDisabled())

		return
	}
	s.setApp(app)

	if err := h.deps.Broker.SubscribeToApp(ctx, app.ID); err != nil {
		h.logger.Warn().Err(err).Str("app_id", app.ID).Msg("failed to subscribe to app")
	}
	ns := h.deps.Broker.Namespace(app.ID)

	if !ns.AddSocketWithin(ctx, s, app.MaxConnections) {
		h.refuse(s, pusher.OverQuota())

		return
	}
	if app.EnableUserAuthentication {
		s.armUserAuthenticationTimeout(h.opts.UserAuthTimeout)
	}
	s.admitted.Store(true)

	_ = s.Send(pusher.ConnectionEstablished(s.ID()))

	h.deps.Metrics.NewConnection(app.ID)
	h.logger.Debug().Str("app_id", app.ID).Str("socket_id", s.ID()).Msg("socket connected")
}

func (h *Handler) onMessage(s *Socket, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().Interface("panic", rec).Str("socket_id", s.ID()).Msg("socket handler panicked")
		}
	}()

	if !s.admitted.Load() {
		return
	}
	app := s.App()
	h.deps.Metrics.SocketReceived(app.ID, len(raw))

	if h.deps.Broker.Closing() {
		h.refuse(s, pusher.ServerClosing())

		return
	}
	msg, err := pusher.ParseMessage(raw)
	if err != nil {
		h.logger.Debug().Err(err).Str("socket_id", s.ID()).Msg("dropping malformed frame")

		return
	}
	ctx := h.ctx

	switch {
	case msg.Event == pusher.EventPing:
		_ = s.Send(pusher.NewMessage(pusher.EventPong, "", map[string]interface{}{}))
	case msg.Event == pusher.EventSubscribe:
		h.subscribe(ctx, s, msg)
	case msg.Event == pusher.EventUnsubscribe:
		h.unsubscribe(ctx, s, msg)
	case msg.Event == pusher.EventSignin:
		h.signin(ctx, s, msg)
	case pusher.IsClientEvent(msg.Event):
		h.clientEvent(ctx, s, msg)
	default:
		h.logger.Debug().Str("socket_id", s.ID()).Str("event", msg.Event).Msg("ignoring unknown event")
	}
}

func (h *Handler) subscribe(ctx context.Context, s *Socket, msg *pusher.Message) {
	var data pusher.SubscribeData

	if err := msg.DecodeData(&data); err != nil || data.Channel == "" {
		h.logger.Debug().Str("socket_id", s.ID()).Msg("dropping subscribe without channel")

		return
	}
	app := s.App()
	channel := data.Channel

	if len(channel) > app.MaxChannelNameLength {
		_ = s.Send(pusher.SubscriptionError(channel, pusher.ErrorTypeLimitReached,
			fmt.Sprintf("The channel name is longer than the allowed %d characters.", app.MaxChannelNameLength),
			pusher.CodeUnauthorized))

		return
	}
	manager := h.deps.Broker.Channels().For(channel)
	response := manager.Join(ctx, s, channels.JoinRequest{
		Channel:     channel,
		Auth:        data.Auth,
		ChannelData: data.ChannelData,
	})
	if !response.Success {
		if response.AuthError {
			_ = s.Send(pusher.SubscriptionError(channel, pusher.ErrorTypeAuth, response.ErrorMessage, http.StatusUnauthorized))

			return
		}
		_ = s.Send(pusher.SubscriptionError(channel, response.Type, response.ErrorMessage, response.ErrorCode))

		return
	}
	s.addChannel(channel)

	if response.ChannelConnections == 1 {
		h.deps.Webhooks.SendChannelOccupied(app, channel)
	}
	if manager.Kind() != pusher.ChannelPresence {
		_ = s.Send(pusher.NewMessage(pusher.EventSubscriptionSucceeded, channel, nil))

		h.replayCache(ctx, s, app, channel)

		return
	}
	ns := h.deps.Broker.Namespace(app.ID)
	members := ns.ChannelMembers(ctx, channel, false)
	member := response.Member

	s.setPresence(channel, member)

	if _, present := members[member.UserID]; !present {
		h.deps.Webhooks.SendMemberAdded(app, channel, member.UserID)

		ns.BroadcastMessage(ctx, channel, pusher.NewStringMessage(pusher.EventMemberAdded, channel, &pusher.PresenceMember{
			UserID:   member.UserID,
			UserInfo: member.UserInfo,
		}), s.ID(), false)

		members[member.UserID] = member.UserInfo
	}
	_ = s.Send(pusher.NewStringMessage(pusher.EventSubscriptionSucceeded, channel, map[string]interface{}{
		"presence": pusher.NewPresenceData(members),
	}))

	h.replayCache(ctx, s, app, channel)
}

// replayCache sends the last event of a cache channel, or reports the miss
// to the app.
func (h *Handler) replayCache(ctx context.Context, s *Socket, app *apps.App, channel string) {
	if !pusher.IsCacheChannel(channel) || h.deps.Cache == nil {
		return
	}
	cached, ok, err := h.deps.Cache.Get(ctx, cache.ChannelKey(app.ID, channel))
	if err != nil {
		h.logger.Warn().Err(err).Str("app_id", app.ID).Str("channel", channel).Msg("failed to read cache channel")

		return
	}
	if !ok {
		h.deps.Webhooks.SendCacheMissed(app, channel)

		return
	}
	_ = s.Send(pusher.NewMessage(pusher.EventCacheMiss, channel, cached))
}

func (h *Handler) unsubscribe(ctx context.Context, s *Socket, msg *pusher.Message) {
	var data pusher.SubscribeData

	_ = msg.DecodeData(&data)

	channel := data.Channel
	if channel == "" {
		channel = msg.Channel
	}
	if channel == "" {
		return
	}
	h.unsubscribeFromChannel(ctx, s, channel)
}

func (h *Handler) unsubscribeFromChannel(ctx context.Context, s *Socket, channel string) {
	app := s.App()
	ns := h.deps.Broker.Namespace(app.ID)

	if !ns.IsInChannel(s.ID(), channel) {
		s.removeChannel(channel)
		s.deletePresence(channel)

		return
	}
	response := h.deps.Broker.Channels().For(channel).Leave(ctx, s, channel)

	if member := response.Member; member != nil {
		s.deletePresence(channel)

		members := ns.ChannelMembers(ctx, channel, false)

		if _, present := members[member.UserID]; !present {
			h.deps.Webhooks.SendMemberRemoved(app, channel, member.UserID)

			ns.BroadcastMessage(ctx, channel, pusher.NewStringMessage(pusher.EventMemberRemoved, channel, map[string]string{
				"user_id": member.UserID,
			}), s.ID(), false)
		}
	}
	s.removeChannel(channel)

	if response.RemainingConnections == 0 {
		h.deps.Webhooks.SendChannelVacated(app, channel)
	}
}

func (h *Handler) signin(_ context.Context, s *Socket, msg *pusher.Message) {
	var data pusher.SigninData

	if err := msg.DecodeData(&data); err != nil {
		h.refuse(s, pusher.Wrap(err, "Invalid signin payload"))

		return
	}
	app := s.App()

	if !pusher.VerifyToken(app.Key, app.Secret, pusher.UserSignable(s.ID(), data.UserData), data.Auth) {
		h.refuse(s, pusher.Unauthorized("Invalid signature."))

		return
	}
	id, user, err := pusher.ParseUser(data.UserData)
	if err != nil {
		h.refuse(s, pusher.Wrapf(err, "Invalid user data for socket %s", s.ID()))

		return
	}
	ns := h.deps.Broker.Namespace(app.ID)
	ns.RemoveUser(s)

	s.setUser(id, user)
	s.ClearUserAuthenticationTimeout()

	ns.AddUser(s)

	_ = s.Send(pusher.NewMessage(pusher.EventSigninSuccess, "", msg.Data))
}

func (h *Handler) clientEvent(ctx context.Context, s *Socket, msg *pusher.Message) {
	app := s.App()
	channel := msg.Channel

	if !app.EnableClientMessages {
		h.reject(s, channel, pusher.ClientEventRejected("The app does not have client messaging enabled."))

		return
	}
	if len(msg.Event) > app.MaxEventNameLength {
		h.reject(s, channel, pusher.ClientEventRejected(
			fmt.Sprintf("Event name is too long. Maximum allowed size is %d.", app.MaxEventNameLength)))

		return
	}
	if pusher.PayloadKilobytes(msg.Data) > app.MaxEventPayloadInKB {
		h.reject(s, channel, pusher.ClientEventRejected(
			fmt.Sprintf("The event data should be less than %v KB.", app.MaxEventPayloadInKB)))

		return
	}
	ns := h.deps.Broker.Namespace(app.ID)

	if !ns.IsInChannel(s.ID(), channel) {
		h.logger.Debug().Str("socket_id", s.ID()).Str("channel", channel).Msg("dropping client event for unjoined channel")

		return
	}
	if h.deps.Limiter != nil && !h.deps.Limiter.ConsumeFrontendEventPoints(1, app, s.ID()).CanContinue {
		h.reject(s, channel, pusher.ClientEventRejected("The rate limit for sending client events exceeded the quota."))

		return
	}
	var userID string

	if pusher.IsPresenceChannel(channel) {
		if member, ok := s.Presence(channel); ok {
			userID = member.UserID
		}
	}
	ns.BroadcastMessage(ctx, channel, &pusher.Message{
		Event:   msg.Event,
		Channel: channel,
		Data:    msg.Data,
		UserID:  userID,
	}, s.ID(), false)

	h.deps.Webhooks.SendClientEvent(app, channel, msg.Event, msg.Data, s.ID(), userID)
}

// refuse sends e to the socket and closes it with the error's code.
func (h *Handler) refuse(s *Socket, e *pusher.Error) {
	event := h.logger.Debug().Str("socket_id", s.ID()).Int("code", e.Code)

	if cause := e.Unwrap(); cause != nil {
		event = event.AnErr("cause", cause)
	}
	event.Msg(e.Message)

	s.sendError(e)
}

// reject answers a client event with an error scoped to its channel. The
// socket stays open.
func (h *Handler) reject(s *Socket, channel string, e *pusher.Error) {
	h.logger.Debug().Str("socket_id", s.ID()).Str("channel", channel).Msg(e.Message)

	_ = s.Send(e.WithChannel(channel).Frame())
}

// evict runs the leave flow for every joined channel and removes the socket
// from its namespace.
func (h *Handler) evict(ctx context.Context, s *Socket) {
	app := s.App()
	if app == nil {
		return
	}
	ns := h.deps.Broker.Namespace(app.ID)

	if s.admitted.Load() {
		for _, channel := range s.Subscribed() {
			h.unsubscribeFromChannel(ctx, s, channel)
		}
	}
	ns.RemoveUser(s)

	if ns.RemoveSocket(s.ID()) {
		h.deps.Metrics.NewDisconnection(app.ID)
		h.logger.Debug().Str("app_id", app.ID).Str("socket_id", s.ID()).Msg("socket evicted")
	}
	if h.deps.Limiter != nil {
		h.deps.Limiter.Forget(app, s.ID())
	}
}
