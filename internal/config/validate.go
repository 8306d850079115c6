package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration can run a server.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	if err := c.validatePeer(); err != nil {
		return err
	}
	return c.validateApps()
}

func (c *Config) validateServer() error {
	if err := validatePort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
		if c.Metrics.Port == c.Server.Port && c.Metrics.Host == c.Server.Host {
			return fmt.Errorf("metrics.port must differ from server.port")
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Server.IdleTimeout <= 0 || c.Server.UserAuthTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout and server.user_auth_timeout must be positive")
	}
	return nil
}

func (c *Config) validateDrivers() error {
	if err := oneOf("cache.driver", c.Cache.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("rate_limiter.driver", c.RateLimiter.Driver, "local"); err != nil {
		return err
	}
	if err := oneOf("webhooks.queue_driver", c.Webhooks.QueueDriver, "sync", "memory", "sqs"); err != nil {
		return err
	}
	if err := oneOf("app_manager.driver", c.AppManager.Driver, "array", "dynamodb"); err != nil {
		return err
	}
	if err := oneOf("peer.driver", c.Peer.Driver, "local", "redis", "nats"); err != nil {
		return err
	}
	if err := oneOf("log.format", c.Log.Format, "json", "console"); err != nil {
		return err
	}
	if c.Webhooks.QueueDriver == "memory" && c.Webhooks.Workers <= 0 {
		return fmt.Errorf("webhooks.workers must be positive for the memory queue")
	}
	if c.Webhooks.QueueDriver == "sqs" {
		if c.Webhooks.SQS.URL == "" {
			return fmt.Errorf("webhooks.sqs.url is required for the sqs queue")
		}
		if c.Webhooks.SQS.BatchSize < 1 || c.Webhooks.SQS.BatchSize > 10 {
			return fmt.Errorf("webhooks.sqs.batch_size must be between 1 and 10")
		}
	}
	if c.AppManager.Driver == "dynamodb" && c.AppManager.DynamoDB.Table == "" {
		return fmt.Errorf("app_manager.dynamodb.table is required for the dynamodb driver")
	}
	return nil
}

func (c *Config) validatePeer() error {
	if c.Peer.RequestTimeout <= 0 {
		return fmt.Errorf("peer.request_timeout must be positive")
	}
	if c.Peer.HeartbeatInterval <= 0 {
		return fmt.Errorf("peer.heartbeat_interval must be positive")
	}
	if c.Peer.WatcherTTL <= c.Peer.HeartbeatInterval {
		return fmt.Errorf("peer.watcher_ttl must exceed peer.heartbeat_interval")
	}
	if c.Peer.DiscoveryInterval <= 0 {
		return fmt.Errorf("peer.discovery_interval must be positive")
	}
	if c.NATS.Embedded {
		if err := validatePort("nats.embedded_port", c.NATS.EmbeddedPort); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateApps() error {
	if len(c.Apps) == 0 && c.AppManager.Driver != "dynamodb" {
		return fmt.Errorf("at least one app must be configured")
	}
	ids := make(map[string]struct{}, len(c.Apps))
	keys := make(map[string]struct{}, len(c.Apps))

	for i, app := range c.Apps {
		if app.ID == "" || app.Key == "" || app.Secret == "" {
			return fmt.Errorf("apps[%d]: id, key and secret are required", i)
		}
		if _, exists := ids[app.ID]; exists {
			return fmt.Errorf("apps[%d]: duplicate app id %q", i, app.ID)
		}
		if _, exists := keys[app.Key]; exists {
			return fmt.Errorf("apps[%d]: duplicate app key %q", i, app.Key)
		}
		ids[app.ID] = struct{}{}
		keys[app.Key] = struct{}{}

		for j, hook := range app.Webhooks {
			if hook.URL == "" && hook.LambdaFunction == "" {
				return fmt.Errorf("apps[%d].webhooks[%d]: url or lambda_function is required", i, j)
			}
		}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}
