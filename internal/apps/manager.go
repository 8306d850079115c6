package apps

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/pondpush/internal/config"
)

var ErrNotFound = errors.New("app not found")

// Manager resolves applications. Implementations return ErrNotFound when no
// app matches.
type Manager interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
}

// ArrayManager serves the apps listed in the configuration.
type ArrayManager struct {
	byID  *store[*App]
	byKey *store[*App]
}

func NewArrayManager(cfgs []config.AppConfig, limits config.LimitsConfig) *ArrayManager {
	m := &ArrayManager{
		byID:  newStore[*App](),
		byKey: newStore[*App](),
	}
	for _, cfg := range cfgs {
		m.Add(FromConfig(cfg, limits))
	}
	return m
}

// Add registers or replaces an app.
func (m *ArrayManager) Add(app *App) {
	m.byID.Set(app.ID, app, 0)
	m.byKey.Set(app.Key, app, 0)
}

func (m *ArrayManager) FindByID(_ context.Context, id string) (*App, error) {
	if app, ok := m.byID.Read(id); ok {
		return app, nil
	}
	return nil, ErrNotFound
}

func (m *ArrayManager) FindByKey(_ context.Context, key string) (*App, error) {
	if app, ok := m.byKey.Read(key); ok {
		return app, nil
	}
	return nil, ErrNotFound
}

// CachedManager memoizes lookups of a slower Manager for ttl. Misses are not
// cached.
type CachedManager struct {
	inner Manager
	ttl   time.Duration
	byID  *store[*App]
	byKey *store[*App]
}

func NewCachedManager(inner Manager, ttl time.Duration) *CachedManager {
	return &CachedManager{
		inner: inner,
		ttl:   ttl,
		byID:  newStore[*App](),
		byKey: newStore[*App](),
	}
}

func (c *CachedManager) FindByID(ctx context.Context, id string) (*App, error) {
	if app, ok := c.byID.Read(id); ok {
		return app, nil
	}
	app, err := c.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.remember(app)

	return app, nil
}

func (c *CachedManager) FindByKey(ctx context.Context, key string) (*App, error) {
	if app, ok := c.byKey.Read(key); ok {
		return app, nil
	}
	app, err := c.inner.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.remember(app)

	return app, nil
}

func (c *CachedManager) remember(app *App) {
	c.byID.Set(app.ID, app, c.ttl)
	c.byKey.Set(app.Key, app, c.ttl)
}
