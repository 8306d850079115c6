// Package cache stores short lived values, such as the last event published
// on a cache channel, in memory or in Redis.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Manager is a string key/value store with per entry expiry.
type Manager interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ChannelKey is where the last event of a cache channel is kept.
func ChannelKey(appID, channel string) string {
	return fmt.Sprintf("app:%s:channel:%s:cache_miss", appID, channel)
}
