// Package config loads the server configuration from layered sources:
// struct defaults, an optional YAML file and PONDPUSH_ prefixed environment
// variables, in increasing order of precedence.
package config

import "time"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	Apps        []AppConfig       `koanf:"apps"`
	AppManager  AppManagerConfig  `koanf:"app_manager"`
	Limits      LimitsConfig      `koanf:"limits"`
	Cache       CacheConfig       `koanf:"cache"`
	RateLimiter RateLimiterConfig `koanf:"rate_limiter"`
	Webhooks    WebhooksConfig    `koanf:"webhooks"`
	Peer        PeerConfig        `koanf:"peer"`
	Redis       RedisConfig       `koanf:"redis"`
	NATS        NATSConfig        `koanf:"nats"`
	HTTP        HTTPConfig        `koanf:"http"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// UserAuthTimeout bounds how long a socket of an app that enforces user
	// authentication may stay connected without signing in.
	UserAuthTimeout time.Duration `koanf:"user_auth_timeout"`

	// IdleTimeout closes sockets that have not been sent anything for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	MaxMessageSizeKB int `koanf:"max_message_size_kb"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// AppConfig describes one tenant. Zero numeric limits inherit the values of
// the limits section.
type AppConfig struct {
	ID                       string          `koanf:"id"`
	Key                      string          `koanf:"key"`
	Secret                   string          `koanf:"secret"`
	Enabled                  *bool           `koanf:"enabled"`
	EnableClientMessages     bool            `koanf:"enable_client_messages"`
	EnableUserAuthentication bool            `koanf:"enable_user_authentication"`
	MaxConnections           int             `koanf:"max_connections"`
	MaxBackendEventsPerSec   int             `koanf:"max_backend_events_per_second"`
	MaxClientEventsPerSec    int             `koanf:"max_client_events_per_second"`
	MaxReadRequestsPerSec    int             `koanf:"max_read_requests_per_second"`
	MaxPresenceMembers       int             `koanf:"max_presence_members_per_channel"`
	MaxPresenceMemberSizeKB  float64         `koanf:"max_presence_member_size_in_kb"`
	MaxChannelNameLength     int             `koanf:"max_channel_name_length"`
	MaxEventChannelsAtOnce   int             `koanf:"max_event_channels_at_once"`
	MaxEventNameLength       int             `koanf:"max_event_name_length"`
	MaxEventPayloadKB        float64         `koanf:"max_event_payload_in_kb"`
	MaxEventBatchSize        int             `koanf:"max_event_batch_size"`
	Webhooks                 []WebhookConfig `koanf:"webhooks"`
}

// WebhookConfig also decodes from JSON, the form app stores such as
// DynamoDB keep it in.
type WebhookConfig struct {
	URL            string            `koanf:"url" json:"url"`
	LambdaFunction string            `koanf:"lambda_function" json:"lambda_function"`
	Lambda         LambdaConfig      `koanf:"lambda" json:"lambda"`
	EventTypes     []string          `koanf:"event_types" json:"event_types"`
	Headers        map[string]string `koanf:"headers" json:"headers"`
	Filter         WebhookFilter     `koanf:"filter" json:"filter"`
}

type LambdaConfig struct {
	Region string `koanf:"region" json:"region"`
	Async  bool   `koanf:"async" json:"async"`
}

type WebhookFilter struct {
	ChannelNameStartsWith string `koanf:"channel_name_starts_with" json:"channel_name_starts_with"`
	ChannelNameEndsWith   string `koanf:"channel_name_ends_with" json:"channel_name_ends_with"`
}

// AppManagerConfig picks where apps are resolved: the apps section
// ("array") or a DynamoDB table.
type AppManagerConfig struct {
	Driver   string         `koanf:"driver"`
	CacheTTL time.Duration  `koanf:"cache_ttl"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
}

type DynamoDBConfig struct {
	Table    string `koanf:"table"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// LimitsConfig holds the values apps inherit when they leave a limit unset.
// Negative connection and rate limits mean unlimited.
type LimitsConfig struct {
	MaxConnections          int           `koanf:"max_connections"`
	MaxBackendEventsPerSec  int           `koanf:"max_backend_events_per_second"`
	MaxClientEventsPerSec   int           `koanf:"max_client_events_per_second"`
	MaxReadRequestsPerSec   int           `koanf:"max_read_requests_per_second"`
	MaxPresenceMembers      int           `koanf:"max_presence_members_per_channel"`
	MaxPresenceMemberSizeKB float64       `koanf:"max_presence_member_size_in_kb"`
	MaxChannelNameLength    int           `koanf:"max_channel_name_length"`
	MaxEventChannelsAtOnce  int           `koanf:"max_event_channels_at_once"`
	MaxEventNameLength      int           `koanf:"max_event_name_length"`
	MaxEventPayloadKB       float64       `koanf:"max_event_payload_in_kb"`
	MaxEventBatchSize       int           `koanf:"max_event_batch_size"`
	CacheTTL                time.Duration `koanf:"cache_ttl"`
}

type CacheConfig struct {
	Driver string `koanf:"driver"`
}

type RateLimiterConfig struct {
	Driver string `koanf:"driver"`
}

type WebhooksConfig struct {
	Batching         bool          `koanf:"batching"`
	BatchingDuration time.Duration `koanf:"batching_duration"`
	QueueDriver      string        `koanf:"queue_driver"`
	Workers          int           `koanf:"workers"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
	SQS              SQSConfig     `koanf:"sqs"`
}

// SQSConfig configures the sqs queue driver. FIFO queues (a .fifo URL) get a
// message group per app so its jobs stay ordered.
type SQSConfig struct {
	URL         string        `koanf:"url"`
	Region      string        `koanf:"region"`
	Endpoint    string        `koanf:"endpoint"`
	BatchSize   int64         `koanf:"batch_size"`
	PollingWait time.Duration `koanf:"polling_wait"`
}

type PeerConfig struct {
	Driver            string        `koanf:"driver"`
	NodeID            string        `koanf:"node_id"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	WatcherTTL        time.Duration `koanf:"watcher_ttl"`
	DiscoveryInterval time.Duration `koanf:"discovery_interval"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type NATSConfig struct {
	URL          string `koanf:"url"`
	Embedded     bool   `koanf:"embedded"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`
}

type HTTPConfig struct {
	CORSOrigins []string `koanf:"cors_origins"`

	// RequestsPerMinute is the per client IP budget; zero disables it.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// AcceptTrafficMemoryPercent makes /accept-traffic fail once heap use
	// crosses this share of the system memory obtained by the runtime.
	AcceptTrafficMemoryPercent float64 `koanf:"accept_traffic_memory_percent"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	enabled := true

	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             6001,
			ShutdownTimeout:  10 * time.Second,
			UserAuthTimeout:  30 * time.Second,
			IdleTimeout:      120 * time.Second,
			MaxMessageSizeKB: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    9601,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Apps: []AppConfig{
			{
				ID:                   "app-id",
				Key:                  "app-key",
				Secret:               "app-secret",
				Enabled:              &enabled,
				EnableClientMessages: false,
			},
		},
		AppManager: AppManagerConfig{
			Driver:   "array",
			CacheTTL: time.Minute,
			DynamoDB: DynamoDBConfig{
				Table:  "apps",
				Region: "us-east-1",
			},
		},
		Limits: LimitsConfig{
			MaxConnections:          -1,
			MaxBackendEventsPerSec:  -1,
			MaxClientEventsPerSec:   -1,
			MaxReadRequestsPerSec:   -1,
			MaxPresenceMembers:      100,
			MaxPresenceMemberSizeKB: 2,
			MaxChannelNameLength:    200,
			MaxEventChannelsAtOnce:  100,
			MaxEventNameLength:      200,
			MaxEventPayloadKB:       100,
			MaxEventBatchSize:       10,
			CacheTTL:                time.Hour,
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		RateLimiter: RateLimiterConfig{
			Driver: "local",
		},
		Webhooks: WebhooksConfig{
			Batching:         false,
			BatchingDuration: 50 * time.Millisecond,
			QueueDriver:      "memory",
			Workers:          4,
			Timeout:          5 * time.Second,
			MaxRetries:       3,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
			SQS: SQSConfig{
				Region:      "us-east-1",
				BatchSize:   1,
				PollingWait: 20 * time.Second,
			},
		},
		Peer: PeerConfig{
			Driver:            "local",
			RequestTimeout:    3 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			WatcherTTL:        15 * time.Second,
			DiscoveryInterval: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "pondpush",
		},
		NATS: NATSConfig{
			URL:          "nats://127.0.0.1:4222",
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
		},
		HTTP: HTTPConfig{
			CORSOrigins:                []string{"*"},
			RequestsPerMinute:          0,
			AcceptTrafficMemoryPercent: 85,
		},
	}
}
