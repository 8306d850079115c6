// Package server assembles a broker node from its configuration: the peer
// transport, the namespaces, the websocket and HTTP endpoints, webhooks and
// metrics, all running under one supervision tree.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/pondpush/internal/api"
	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/broker"
	"github.com/eleven-am/pondpush/internal/cache"
	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/metrics"
	"github.com/eleven-am/pondpush/internal/peer"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/eleven-am/pondpush/internal/ratelimit"
	"github.com/eleven-am/pondpush/internal/webhooks"
	"github.com/eleven-am/pondpush/internal/ws"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

const (
	appLookupTTL     = time.Minute
	cacheSweep       = time.Minute
	webhookQueueSize = 1024
)

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	tree      *suture.Supervisor
	node      *peer.Node
	broker    *broker.Broker
	transport peer.Transport
	redis     *redis.Client
	nats      *natsserver.Server
	cache     cache.Manager
	queue     webhooks.Queue
	sender    *webhooks.Sender
	handler   http.Handler
	http      *http.Server
	metrics   *http.Server

	mutex     sync.Mutex
	isRunning bool
}

// New wires every component described by cfg. Nothing listens until Run.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logging.WithComponent("server"),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.build(); err != nil {
		return nil, pusher.Combine(err, s.release(context.Background()))
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.cfg

	var sink metrics.Sink = metrics.Noop()
	var prom *metrics.Prometheus

	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		sink = prom
	}
	transport, err := s.openTransport()
	if err != nil {
		return err
	}
	s.transport = transport

	s.node = peer.NewNode(transport, peer.Options{
		NodeID:            cfg.Peer.NodeID,
		RequestTimeout:    cfg.Peer.RequestTimeout,
		WatcherTTL:        cfg.Peer.WatcherTTL,
		DiscoveryInterval: cfg.Peer.DiscoveryInterval,
		Metrics:           sink,
	})
	s.broker = broker.New(s.ctx, s.node, broker.Options{
		HeartbeatInterval: cfg.Peer.HeartbeatInterval,
		Metrics:           sink,
	})
	s.logger = logging.WithNodeID(s.node.ID()).With().Str("component", "server").Logger()

	manager, err := s.openApps()
	if err != nil {
		return err
	}

	if s.cache, err = s.openCache(); err != nil {
		return err
	}
	limiter := ratelimit.NewLocal()

	if err := s.openWebhooks(manager); err != nil {
		return err
	}
	conn := ws.DefaultConnOptions()
	if cfg.Server.MaxMessageSizeKB > 0 {
		conn.MaxMessageSize = int64(cfg.Server.MaxMessageSizeKB) * 1024
	}
	sockets := ws.NewHandler(s.ctx, ws.Dependencies{
		Broker:   s.broker,
		Apps:     manager,
		Cache:    s.cache,
		Limiter:  limiter,
		Webhooks: s.sender,
		Metrics:  sink,
	}, ws.Options{
		UserAuthTimeout: cfg.Server.UserAuthTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Conn:            conn,
	})
	s.handler = api.NewServer(api.Dependencies{
		Broker:  s.broker,
		Apps:    manager,
		Cache:   s.cache,
		Limiter: limiter,
		Sockets: sockets,
		Metrics: sink,
	}, api.Options{
		CORSOrigins:                cfg.HTTP.CORSOrigins,
		RequestsPerMinute:          cfg.HTTP.RequestsPerMinute,
		AcceptTrafficMemoryPercent: cfg.HTTP.AcceptTrafficMemoryPercent,
		CacheTTL:                   cfg.Limits.CacheTTL,
	}).Router()

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())

		s.metrics = &http.Server{
			Addr:              net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	s.tree = s.supervise()

	return nil
}

func (s *Server) redisClient() *redis.Client {
	if s.redis == nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
	}
	return s.redis
}

func (s *Server) openTransport() (peer.Transport, error) {
	switch s.cfg.Peer.Driver {
	case "redis":
		transport, err := peer.NewRedisTransport(s.ctx, s.redisClient(), s.cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open redis transport: %w", err)
		}
		return transport, nil
	case "nats":
		url := s.cfg.NATS.URL

		if s.cfg.NATS.Embedded {
			embedded, err := startNATS(s.cfg.NATS)
			if err != nil {
				return nil, err
			}
			s.nats = embedded
			url = embedded.ClientURL()
		}
		transport, err := peer.DialNATS(url, s.cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open nats transport: %w", err)
		}
		return transport, nil
	default:
		return peer.NewLocalBus(0).Transport(), nil
	}
}

// startNATS runs an in-process NATS server so a handful of nodes can form a
// cluster without external infrastructure.
func startNATS(cfg config.NATSConfig) (*natsserver.Server, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "pondpush",
		Host:       cfg.EmbeddedHost,
		Port:       cfg.EmbeddedPort,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()

		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return ns, nil
}

func (s *Server) openApps() (apps.Manager, error) {
	cfg := s.cfg.AppManager

	var inner apps.Manager = apps.NewArrayManager(s.cfg.Apps, s.cfg.Limits)

	if cfg.Driver == "dynamodb" {
		client, err := apps.NewAWSDynamoDB(cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		inner = apps.NewDynamoDBManager(client, cfg.DynamoDB.Table, s.cfg.Limits)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = appLookupTTL
	}
	return apps.NewCachedManager(inner, ttl), nil
}

func (s *Server) openCache() (cache.Manager, error) {
	if s.cfg.Cache.Driver == "redis" {
		return cache.NewRedis(s.redisClient(), s.cfg.Redis.Prefix), nil
	}
	return cache.NewMemory(cacheSweep), nil
}

func (s *Server) openWebhooks(manager apps.Manager) error {
	cfg := s.cfg.Webhooks
	processor := webhooks.NewProcessor(manager, webhooks.ProcessorOptions{
		Lambda:           webhooks.NewAWSLambda(),
		Timeout:          cfg.Timeout,
		MaxRetries:       cfg.MaxRetries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	})

	switch cfg.QueueDriver {
	case "sync":
		s.queue = webhooks.NewSyncQueue(processor.Handle)
	case "sqs":
		client, err := webhooks.NewAWSSQS(cfg.SQS)
		if err != nil {
			return err
		}
		s.queue = webhooks.NewSQSQueue(client, cfg.SQS, processor.Handle)
	default:
		queue, err := webhooks.NewMemoryQueue(cfg.Workers, webhookQueueSize, processor.Handle)
		if err != nil {
			return err
		}
		s.queue = queue
	}
	s.sender = webhooks.NewSender(s.queue, cfg.Batching, cfg.BatchingDuration)

	return nil
}

func (s *Server) supervise() *suture.Supervisor {
	timeout := s.cfg.Server.ShutdownTimeout

	root := suture.New("pondpush", suture.Spec{
		EventHook: eventHook(logging.WithComponent("supervisor")),
		Timeout:   timeout,
	})
	root.Add(&httpService{name: "http-server", server: s.http, shutdownTimeout: timeout})

	if s.metrics != nil {
		root.Add(&httpService{name: "metrics-server", server: s.metrics, shutdownTimeout: timeout})
	}
	root.Add(&loopService{name: "peer-node", serve: s.node.Serve})

	switch queue := s.queue.(type) {
	case *webhooks.MemoryQueue:
		root.Add(&loopService{name: "webhook-workers", serve: queue.Serve})
	case *webhooks.SQSQueue:
		root.Add(&loopService{name: "webhook-sqs-consumer", serve: queue.Serve})
	}
	return root
}

// Handler is the router serving websockets and the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) NodeID() string {
	return s.node.ID()
}

func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// Run starts the node and blocks until ctx is done, then drains the sockets
// and stops every service within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	if err := s.node.Start(ctx); err != nil {
		return pusher.Combine(fmt.Errorf("start peer node: %w", err), s.release(context.Background()))
	}
	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()

	done := s.tree.ServeBackground(treeCtx)

	s.logger.Info().Str("addr", s.http.Addr).Str("peer_driver", s.cfg.Peer.Driver).Msg("pondpush started")

	select {
	case <-ctx.Done():
	case err := <-done:
		return pusher.Combine(fmt.Errorf("supervisor stopped: %w", err), s.release(context.Background()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.broker.Drain(shutdownCtx)
	s.sender.Close()

	stopTree()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn().Msg("services did not stop within the shutdown timeout")
	}
	if err := s.release(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("pondpush stopped with errors")

		return err
	}
	s.logger.Info().Msg("pondpush stopped")

	return nil
}

// release closes the infrastructure in reverse order of creation and
// reports every close that failed.
func (s *Server) release(ctx context.Context) error {
	if s.node != nil {
		s.node.Stop(ctx)
	}
	var err error

	if s.transport != nil {
		err = pusher.AddError(err, wrapClose("peer transport", s.transport.Close()))
	}
	if s.queue != nil {
		err = pusher.AddError(err, wrapClose("webhook queue", s.queue.Close()))
	}
	if s.cache != nil {
		err = pusher.AddError(err, wrapClose("cache", s.cache.Close()))
	}
	if s.redis != nil {
		err = pusher.AddError(err, wrapClose("redis client", s.redis.Close()))
	}
	if s.nats != nil {
		s.nats.Shutdown()
	}
	s.cancel()

	return err
}

func wrapClose(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("close %s: %w", what, err)
}
