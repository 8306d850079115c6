// Package apps models the tenants the broker serves and resolves them by id
// or key.
package apps

import (
	"github.com/eleven-am/pondpush/internal/config"
)

// Webhook event types an app may subscribe to.
const (
	WebhookClientEvent     = "client_event"
	WebhookChannelOccupied = "channel_occupied"
	WebhookChannelVacated  = "channel_vacated"
	WebhookMemberAdded     = "member_added"
	WebhookMemberRemoved   = "member_removed"
	WebhookCacheMiss       = "cache_miss"
)

// App is read only once resolved and is shared freely between goroutines.
type App struct {
	ID     string
	Key    string
	Secret string

	Enabled                  bool
	EnableClientMessages     bool
	EnableUserAuthentication bool

	MaxConnections               int
	MaxBackendEventsPerSecond    int
	MaxClientEventsPerSecond     int
	MaxReadRequestsPerSecond     int
	MaxPresenceMembersPerChannel int
	MaxPresenceMemberSizeInKB    float64
	MaxChannelNameLength         int
	MaxEventChannelsAtOnce       int
	MaxEventNameLength           int
	MaxEventPayloadInKB          float64
	MaxEventBatchSize            int

	Webhooks []Webhook

	HasClientEventWebhooks     bool
	HasChannelOccupiedWebhooks bool
	HasChannelVacatedWebhooks  bool
	HasMemberAddedWebhooks     bool
	HasMemberRemovedWebhooks   bool
	HasCacheMissWebhooks       bool
}

type Webhook struct {
	URL            string
	LambdaFunction string
	LambdaRegion   string
	LambdaAsync    bool
	EventTypes     []string
	Headers        map[string]string
	StartsWith     string
	EndsWith       string
}

// Wants reports whether the webhook subscribed to the event type.
func (w Webhook) Wants(eventType string) bool {
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// FromConfig resolves an app definition against the inherited limits.
func FromConfig(cfg config.AppConfig, limits config.LimitsConfig) *App {
	app := &App{
		ID:                           cfg.ID,
		Key:                          cfg.Key,
		Secret:                       cfg.Secret,
		Enabled:                      cfg.Enabled == nil || *cfg.Enabled,
		EnableClientMessages:         cfg.EnableClientMessages,
		EnableUserAuthentication:     cfg.EnableUserAuthentication,
		MaxConnections:               orInt(cfg.MaxConnections, limits.MaxConnections),
		MaxBackendEventsPerSecond:    orInt(cfg.MaxBackendEventsPerSec, limits.MaxBackendEventsPerSec),
		MaxClientEventsPerSecond:     orInt(cfg.MaxClientEventsPerSec, limits.MaxClientEventsPerSec),
		MaxReadRequestsPerSecond:     orInt(cfg.MaxReadRequestsPerSec, limits.MaxReadRequestsPerSec),
		MaxPresenceMembersPerChannel: orInt(cfg.MaxPresenceMembers, limits.MaxPresenceMembers),
		MaxPresenceMemberSizeInKB:    orFloat(cfg.MaxPresenceMemberSizeKB, limits.MaxPresenceMemberSizeKB),
		MaxChannelNameLength:         orInt(cfg.MaxChannelNameLength, limits.MaxChannelNameLength),
		MaxEventChannelsAtOnce:       orInt(cfg.MaxEventChannelsAtOnce, limits.MaxEventChannelsAtOnce),
		MaxEventNameLength:           orInt(cfg.MaxEventNameLength, limits.MaxEventNameLength),
		MaxEventPayloadInKB:          orFloat(cfg.MaxEventPayloadKB, limits.MaxEventPayloadKB),
		MaxEventBatchSize:            orInt(cfg.MaxEventBatchSize, limits.MaxEventBatchSize),
	}

	for _, hook := range cfg.Webhooks {
		app.Webhooks = append(app.Webhooks, Webhook{
			URL:            hook.URL,
			LambdaFunction: hook.LambdaFunction,
			LambdaRegion:   hook.Lambda.Region,
			LambdaAsync:    hook.Lambda.Async,
			EventTypes:     hook.EventTypes,
			Headers:        hook.Headers,
			StartsWith:     hook.Filter.ChannelNameStartsWith,
			EndsWith:       hook.Filter.ChannelNameEndsWith,
		})
	}
	app.HasClientEventWebhooks = app.hasWebhook(WebhookClientEvent)
	app.HasChannelOccupiedWebhooks = app.hasWebhook(WebhookChannelOccupied)
	app.HasChannelVacatedWebhooks = app.hasWebhook(WebhookChannelVacated)
	app.HasMemberAddedWebhooks = app.hasWebhook(WebhookMemberAdded)
	app.HasMemberRemovedWebhooks = app.hasWebhook(WebhookMemberRemoved)
	app.HasCacheMissWebhooks = app.hasWebhook(WebhookCacheMiss)

	return app
}

func (a *App) hasWebhook(eventType string) bool {
	for _, hook := range a.Webhooks {
		if hook.Wants(eventType) {
			return true
		}
	}
	return false
}

func orInt(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

func orFloat(value, fallback float64) float64 {
	if value == 0 {
		return fallback
	}
	return value
}
