// This file contains the Processor which delivers webhook jobs. It filters events per
// webhook, signs the body each target receives, and posts it over HTTP or invokes a
// Lambda function.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const userAgent = "PondpushWebhooks/1.0"

var ErrInvalidSignature = errors.New("webhook job signature mismatch")

// LambdaInvoker runs a webhook as an AWS Lambda invocation.
type LambdaInvoker interface {
	Invoke(ctx context.Context, function, region string, async bool, payload []byte) error
}

type ProcessorOptions struct {
	Client           *http.Client
	Lambda           LambdaInvoker
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Processor delivers jobs to the webhooks configured on their app. Every
// target gets its own filtered and signed payload.
type Processor struct {
	apps   apps.Manager
	opts   ProcessorOptions
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewProcessor(manager apps.Manager, opts ProcessorOptions) *Processor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	return &Processor{
		apps:     manager,
		opts:     opts,
		logger:   logging.WithComponent("webhooks.processor"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Handle is a queue Handler. Delivery failures of single targets are logged
// and do not fail the job.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	app, err := p.apps.FindByID(ctx, job.AppID)
	if err != nil {
		return fmt.Errorf("resolve app %s: %w", job.AppID, err)
	}
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(pusher.Sign(app.Secret, string(body))), []byte(job.Signature)) {
		return ErrInvalidSignature
	}

	for _, hook := range app.Webhooks {
		events := filterEvents(hook, job.Payload.Events)
		if len(events) == 0 {
			continue
		}
		payload, err := json.Marshal(Payload{TimeMs: job.Payload.TimeMs, Events: events})
		if err != nil {
			return err
		}
		headers := buildHeaders(app, hook, pusher.Sign(app.Secret, string(payload)))

		if err := p.deliver(ctx, hook, payload, headers); err != nil {
			p.logger.Warn().Err(err).
				Str("app_id", app.ID).
				Str("url", hook.URL).
				Str("lambda", hook.LambdaFunction).
				Int("events", len(events)).
				Msg("webhook delivery failed")
		}
	}
	return nil
}

func filterEvents(hook apps.Webhook, events []Event) []Event {
	var out []Event

	for _, e := range events {
		if !hook.Wants(e.Name) {
			continue
		}
		if hook.StartsWith != "" && !strings.HasPrefix(e.Channel, hook.StartsWith) {
			continue
		}
		if hook.EndsWith != "" && !strings.HasSuffix(e.Channel, hook.EndsWith) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func buildHeaders(app *apps.App, hook apps.Webhook, signature string) map[string]string {
	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}
	for k, v := range hook.Headers {
		headers[k] = v
	}
	headers["X-Pusher-Key"] = app.Key
	headers["X-Pusher-Signature"] = signature

	return headers
}

func (p *Processor) deliver(ctx context.Context, hook apps.Webhook, payload []byte, headers map[string]string) error {
	switch {
	case hook.URL != "":
		return p.post(ctx, hook.URL, payload, headers)
	case hook.LambdaFunction != "":
		if p.opts.Lambda == nil {
			return errors.New("lambda webhooks are not configured")
		}
		body, err := json.Marshal(map[string]interface{}{
			"payload": json.RawMessage(payload),
			"headers": headers,
		})
		if err != nil {
			return err
		}
		return p.opts.Lambda.Invoke(ctx, hook.LambdaFunction, hook.LambdaRegion, hook.LambdaAsync, body)
	default:
		return errors.New("webhook has neither url nor lambda function")
	}
}

// post retries with exponential backoff behind a breaker per url. Client
// errors and an open breaker stop the retries.
func (p *Processor) post(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	cb := p.breaker(url)

	operation := func() error {
		_, err := cb.Execute(func() (struct{}, error) {
			return struct{}{}, p.postOnce(ctx, url, payload, headers)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var status *statusError
		if errors.As(err, &status) && status.code < http.StatusInternalServerError && status.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if p.opts.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(bo, uint64(p.opts.MaxRetries))
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook responded with status %d", e.code)
}

func (p *Processor) postOnce(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (p *Processor) breaker(url string) *gobreaker.CircuitBreaker[struct{}] {
	p.mu.Lock()

	defer p.mu.Unlock()

	if cb, ok := p.breakers[url]; ok {
		return cb
	}
	threshold := p.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     p.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info().Str("url", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook breaker state changed")
		},
	})
	p.breakers[url] = cb

	return cb
}
