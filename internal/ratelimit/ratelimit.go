// Package ratelimit meters backend events, client events and read requests
// per application with token buckets that refill every second.
package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"golang.org/x/time/rate"
)

// ConsumeResponse tells the caller whether to proceed and which headers
// describe the remaining budget.
type ConsumeResponse struct {
	CanContinue bool
	Headers     map[string]string
}

type Limiter interface {
	ConsumeBackendEventPoints(points int, app *apps.App) ConsumeResponse
	ConsumeFrontendEventPoints(points int, app *apps.App, socketID string) ConsumeResponse
	ConsumeReadRequestsPoints(points int, app *apps.App) ConsumeResponse

	// Forget drops the per socket bucket once the socket is gone.
	Forget(app *apps.App, socketID string)
}

type bucket struct {
	limiter *rate.Limiter
	limit   int
}

// Local keeps every bucket in process memory.
type Local struct {
	mutex   sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *Local) ConsumeBackendEventPoints(points int, app *apps.App) ConsumeResponse {
	return l.consume(app.ID+":backend:events", app.MaxBackendEventsPerSecond, points)
}

func (l *Local) ConsumeFrontendEventPoints(points int, app *apps.App, socketID string) ConsumeResponse {
	return l.consume(frontendKey(app, socketID), app.MaxClientEventsPerSecond, points)
}

func (l *Local) ConsumeReadRequestsPoints(points int, app *apps.App) ConsumeResponse {
	return l.consume(app.ID+":backend:request_read", app.MaxReadRequestsPerSecond, points)
}

func (l *Local) Forget(app *apps.App, socketID string) {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	delete(l.buckets, frontendKey(app, socketID))
}

func frontendKey(app *apps.App, socketID string) string {
	return app.ID + ":frontend:events:" + socketID
}

func (l *Local) consume(key string, limit, points int) ConsumeResponse {
	if limit < 0 {
		return ConsumeResponse{CanContinue: true, Headers: map[string]string{}}
	}
	now := l.now()
	b := l.bucketFor(key, limit)

	reservation := b.limiter.ReserveN(now, points)
	if !reservation.OK() {
		return denied(limit, 0, time.Second)
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)

		return denied(limit, remaining(b.limiter, now), delay)
	}
	return ConsumeResponse{
		CanContinue: true,
		Headers: map[string]string{
			"X-RateLimit-Limit":     strconv.Itoa(limit),
			"X-RateLimit-Remaining": strconv.Itoa(remaining(b.limiter, now)),
		},
	}
}

func (l *Local) bucketFor(key string, limit int) *bucket {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(limit), limit),
			limit:   limit,
		}
		l.buckets[key] = b
	}
	return b
}

func remaining(limiter *rate.Limiter, now time.Time) int {
	tokens := limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

func denied(limit, left int, retryAfter time.Duration) ConsumeResponse {
	return ConsumeResponse{
		CanContinue: false,
		Headers: map[string]string{
			"Retry-After":           strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))),
			"X-RateLimit-Limit":     strconv.Itoa(limit),
			"X-RateLimit-Remaining": strconv.Itoa(left),
		},
	}
}
