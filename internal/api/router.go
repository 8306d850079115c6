// Package api serves the Pusher compatible HTTP API backends use to publish
// events and inspect channels, next to the websocket endpoint and the
// health checks load balancers poll.
package api

import (
	"net/http"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/broker"
	"github.com/eleven-am/pondpush/internal/cache"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/metrics"
	"github.com/eleven-am/pondpush/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// Sockets upgrades websocket requests for an app key.
type Sockets interface {
	ServeWS(w http.ResponseWriter, r *http.Request, appKey string)
}

type Options struct {
	CORSOrigins []string

	// RequestsPerMinute limits each client IP; zero disables the limit.
	RequestsPerMinute int

	// AcceptTrafficMemoryPercent fails /accept-traffic above this heap share.
	AcceptTrafficMemoryPercent float64

	CacheTTL      time.Duration
	MaxBodySizeKB int
	MemoryUsage   func() float64
}

type Dependencies struct {
	Broker  *broker.Broker
	Apps    apps.Manager
	Cache   cache.Manager
	Limiter ratelimit.Limiter
	Sockets Sockets
	Metrics metrics.Sink
}

type Server struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
}

func NewServer(deps Dependencies, opts Options) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if opts.MaxBodySizeKB <= 0 {
		opts.MaxBodySizeKB = 1024
	}
	if opts.MemoryUsage == nil {
		opts.MemoryUsage = heapUsagePercent
	}
	return &Server{
		deps:   deps,
		opts:   opts,
		logger: logging.WithComponent("api"),
	}
}

// Router builds the chi router for every route the broker serves.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Requested-With"},
		MaxAge:         86400,
	}))

	if s.opts.RequestsPerMinute > 0 {
		r.Use(httprate.Limit(
			s.opts.RequestsPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many requests.")
			}),
		))
	}

	r.Get("/", s.health)
	r.Get("/ready", s.ready)
	r.Get("/accept-traffic", s.acceptTraffic)

	r.Get("/app/{appKey}", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Sockets.ServeWS(w, r, chi.URLParam(r, "appKey"))
	})

	r.Route("/apps/{appId}", func(r chi.Router) {
		r.Use(s.readBody)
		r.Use(s.retrieveApp)
		r.Use(s.authenticate)
		r.Use(s.countCall)

		r.With(s.limitReads).Get("/channels", s.channels)
		r.With(s.limitReads).Get("/channels/{channelName}", s.channel)
		r.With(s.limitReads).Get("/channels/{channelName}/users", s.channelUsers)
		r.Post("/events", s.events)
		r.Post("/batch_events", s.batchEvents)
		r.Post("/users/{userId}/terminate_connections", s.terminateUserConnections)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})

	return r
}
