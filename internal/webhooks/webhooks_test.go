package webhooks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *recordingQueue) Push(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

type staticApps struct {
	app *apps.App
}

func (s staticApps) FindByID(_ context.Context, id string) (*apps.App, error) {
	if s.app.ID != id {
		return nil, apps.ErrNotFound
	}
	return s.app, nil
}

func (s staticApps) FindByKey(_ context.Context, key string) (*apps.App, error) {
	if s.app.Key != key {
		return nil, apps.ErrNotFound
	}
	return s.app, nil
}

func testApp(hooks ...apps.Webhook) *apps.App {
	return &apps.App{
		ID:                         "app-1",
		Key:                        "key-1",
		Secret:                     "secret-1",
		Enabled:                    true,
		Webhooks:                   hooks,
		HasClientEventWebhooks:     true,
		HasChannelOccupiedWebhooks: true,
		HasChannelVacatedWebhooks:  true,
		HasMemberAddedWebhooks:     true,
		HasMemberRemovedWebhooks:   true,
	}
}

func TestSender(t *testing.T) {
	t.Run("one job per event without batching", func(t *testing.T) {
		queue := &recordingQueue{}
		sender := NewSender(queue, false, 0)
		app := testApp()

		sender.SendChannelOccupied(app, "news")
		sender.SendMemberAdded(app, "presence-room", "u1")
		sender.SendCacheMissed(app, "cache-news")

		jobs := queue.snapshot()
		require.Len(t, jobs, 2, "cache_miss is not subscribed")
		assert.Equal(t, apps.WebhookChannelOccupied, jobs[0].Payload.Events[0].Name)
		assert.Equal(t, "u1", jobs[1].Payload.Events[0].UserID)

		body, err := json.Marshal(jobs[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, pusher.Sign(app.Secret, string(body)), jobs[0].Signature)
	})

	t.Run("client event user id only on presence channels", func(t *testing.T) {
		queue := &recordingQueue{}
		sender := NewSender(queue, false, 0)
		app := testApp()

		sender.SendClientEvent(app, "private-room", "client-typing", json.RawMessage(`{"a":1}`), "1.2", "u1")
		sender.SendClientEvent(app, "presence-room", "client-typing", json.RawMessage(`{"a":1}`), "1.2", "u1")

		jobs := queue.snapshot()
		require.Len(t, jobs, 2)
		assert.Empty(t, jobs[0].Payload.Events[0].UserID)
		assert.Equal(t, "u1", jobs[1].Payload.Events[0].UserID)
		assert.Equal(t, "1.2", jobs[1].Payload.Events[0].SocketID)
	})

	t.Run("batching groups events of an app", func(t *testing.T) {
		queue := &recordingQueue{}
		sender := NewSender(queue, true, 20*time.Millisecond)
		app := testApp()

		sender.SendChannelOccupied(app, "a")
		sender.SendChannelVacated(app, "a")

		assert.Eventually(t, func() bool {
			return len(queue.snapshot()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Len(t, queue.snapshot()[0].Payload.Events, 2)
	})

	t.Run("close flushes pending batches", func(t *testing.T) {
		queue := &recordingQueue{}
		sender := NewSender(queue, true, time.Hour)

		sender.SendChannelOccupied(testApp(), "a")
		sender.Close()

		assert.Len(t, queue.snapshot(), 1)
		sender.SendChannelOccupied(testApp(), "b")
		assert.Len(t, queue.snapshot(), 1)
	})
}

type received struct {
	header http.Header
	body   []byte
}

func hookServer(t *testing.T, status func(hit int) int) (*httptest.Server, func() []received) {
	var (
		mu   sync.Mutex
		hits []received
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		hits = append(hits, received{header: r.Header.Clone(), body: body})
		n := len(hits)
		mu.Unlock()

		w.WriteHeader(status(n))
	}))
	t.Cleanup(server.Close)

	return server, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), hits...)
	}
}

func alwaysOK(int) int { return http.StatusOK }

func mustJob(t *testing.T, app *apps.App, events ...Event) Job {
	job, err := NewJob(app, Payload{TimeMs: 1700000000000, Events: events})
	require.NoError(t, err)
	return job
}

func TestProcessorHTTP(t *testing.T) {
	t.Run("filters and signs per target", func(t *testing.T) {
		server, hits := hookServer(t, alwaysOK)
		app := testApp(apps.Webhook{
			URL:        server.URL,
			EventTypes: []string{apps.WebhookChannelOccupied},
			Headers:    map[string]string{"X-Custom": "yes"},
			StartsWith: "private-",
		})
		p := NewProcessor(staticApps{app}, ProcessorOptions{MaxRetries: 0})

		job := mustJob(t, app,
			Event{Name: apps.WebhookChannelOccupied, Channel: "private-a"},
			Event{Name: apps.WebhookChannelOccupied, Channel: "public-a"},
			Event{Name: apps.WebhookChannelVacated, Channel: "private-a"},
		)
		require.NoError(t, p.Handle(context.Background(), job))

		got := hits()
		require.Len(t, got, 1)

		var payload Payload
		require.NoError(t, json.Unmarshal(got[0].body, &payload))
		require.Len(t, payload.Events, 1)
		assert.Equal(t, "private-a", payload.Events[0].Channel)
		assert.Equal(t, int64(1700000000000), payload.TimeMs)

		assert.Equal(t, "key-1", got[0].header.Get("X-Pusher-Key"))
		assert.Equal(t, pusher.Sign(app.Secret, string(got[0].body)), got[0].header.Get("X-Pusher-Signature"))
		assert.Equal(t, "yes", got[0].header.Get("X-Custom"))
		assert.Equal(t, "application/json", got[0].header.Get("Content-Type"))
	})

	t.Run("nothing sent when every event is filtered", func(t *testing.T) {
		server, hits := hookServer(t, alwaysOK)
		app := testApp(apps.Webhook{URL: server.URL, EventTypes: []string{apps.WebhookMemberAdded}, EndsWith: "-vip"})
		p := NewProcessor(staticApps{app}, ProcessorOptions{})

		require.NoError(t, p.Handle(context.Background(), mustJob(t, app, Event{Name: apps.WebhookMemberAdded, Channel: "presence-room"})))
		assert.Empty(t, hits())
	})

	t.Run("tampered job is rejected", func(t *testing.T) {
		server, hits := hookServer(t, alwaysOK)
		app := testApp(apps.Webhook{URL: server.URL, EventTypes: []string{apps.WebhookChannelOccupied}})
		p := NewProcessor(staticApps{app}, ProcessorOptions{})

		job := mustJob(t, app, Event{Name: apps.WebhookChannelOccupied, Channel: "a"})
		job.Payload.Events[0].Channel = "b"

		assert.ErrorIs(t, p.Handle(context.Background(), job), ErrInvalidSignature)
		assert.Empty(t, hits())
	})

	t.Run("unknown app", func(t *testing.T) {
		p := NewProcessor(staticApps{testApp()}, ProcessorOptions{})
		job := mustJob(t, testApp(), Event{Name: apps.WebhookChannelOccupied, Channel: "a"})
		job.AppID = "other"

		assert.ErrorIs(t, p.Handle(context.Background(), job), apps.ErrNotFound)
	})

	t.Run("server errors are retried", func(t *testing.T) {
		server, hits := hookServer(t, func(hit int) int {
			if hit < 3 {
				return http.StatusBadGateway
			}
			return http.StatusOK
		})
		app := testApp(apps.Webhook{URL: server.URL, EventTypes: []string{apps.WebhookChannelOccupied}})
		p := NewProcessor(staticApps{app}, ProcessorOptions{MaxRetries: 3})

		require.NoError(t, p.Handle(context.Background(), mustJob(t, app, Event{Name: apps.WebhookChannelOccupied, Channel: "a"})))
		assert.Len(t, hits(), 3)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		server, hits := hookServer(t, func(int) int { return http.StatusBadRequest })
		app := testApp(apps.Webhook{URL: server.URL, EventTypes: []string{apps.WebhookChannelOccupied}})
		p := NewProcessor(staticApps{app}, ProcessorOptions{MaxRetries: 3})

		require.NoError(t, p.Handle(context.Background(), mustJob(t, app, Event{Name: apps.WebhookChannelOccupied, Channel: "a"})))
		assert.Len(t, hits(), 1)
	})

	t.Run("breaker opens after consecutive failures", func(t *testing.T) {
		server, hits := hookServer(t, func(int) int { return http.StatusInternalServerError })
		app := testApp(apps.Webhook{URL: server.URL, EventTypes: []string{apps.WebhookChannelOccupied}})
		p := NewProcessor(staticApps{app}, ProcessorOptions{MaxRetries: 0, BreakerThreshold: 2, BreakerTimeout: time.Minute})

		for i := 0; i < 4; i++ {
			require.NoError(t, p.Handle(context.Background(), mustJob(t, app, Event{Name: apps.WebhookChannelOccupied, Channel: "a"})))
		}
		assert.Len(t, hits(), 2)
	})
}

type fakeLambda struct {
	mu    sync.Mutex
	calls []lambdaCall
}

type lambdaCall struct {
	function string
	region   string
	async    bool
	payload  []byte
}

func (f *fakeLambda) Invoke(_ context.Context, function, region string, async bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lambdaCall{function: function, region: region, async: async, payload: payload})
	return nil
}

func TestProcessorLambda(t *testing.T) {
	invoker := &fakeLambda{}
	app := testApp(apps.Webhook{
		LambdaFunction: "notify",
		LambdaRegion:   "eu-west-1",
		LambdaAsync:    true,
		EventTypes:     []string{apps.WebhookMemberRemoved},
	})
	p := NewProcessor(staticApps{app}, ProcessorOptions{Lambda: invoker})

	require.NoError(t, p.Handle(context.Background(), mustJob(t, app, Event{Name: apps.WebhookMemberRemoved, Channel: "presence-a", UserID: "u1"})))

	require.Len(t, invoker.calls, 1)
	call := invoker.calls[0]
	assert.Equal(t, "notify", call.function)
	assert.Equal(t, "eu-west-1", call.region)
	assert.True(t, call.async)

	var body struct {
		Payload Payload           `json:"payload"`
		Headers map[string]string `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(call.payload, &body))
	assert.Equal(t, "u1", body.Payload.Events[0].UserID)
	assert.Equal(t, "key-1", body.Headers["X-Pusher-Key"])
}

func TestMemoryQueue(t *testing.T) {
	var delivered atomic.Int32

	q, err := NewMemoryQueue(3, 16, func(_ context.Context, job Job) error {
		if job.AppID == "app-1" {
			delivered.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Serve(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, mustJob(t, testApp(), Event{Name: apps.WebhookChannelOccupied, Channel: "a"})))
	}
	assert.Eventually(t, func() bool { return delivered.Load() == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}

func TestSyncQueue(t *testing.T) {
	var got Job
	q := NewSyncQueue(func(_ context.Context, job Job) error {
		got = job
		return nil
	})
	job := mustJob(t, testApp(), Event{Name: apps.WebhookChannelVacated, Channel: "a"})

	require.NoError(t, q.Push(context.Background(), job))
	assert.Equal(t, job.Signature, got.Signature)
	require.NoError(t, q.Close())
}

type fakeSQS struct {
	mu       sync.Mutex
	next     int
	messages map[string]*sqs.SendMessageInput
	order    []string
	deleted  map[string]bool
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{messages: make(map[string]*sqs.SendMessageInput), deleted: make(map[string]bool)}
}

func (f *fakeSQS) SendMessageWithContext(_ aws.Context, input *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	id := fmt.Sprintf("m-%d", f.next)
	f.messages[id] = input
	f.order = append(f.order, id)

	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

// ReceiveMessageWithContext hands out every message not yet deleted, as a
// queue with a zero visibility timeout would.
func (f *fakeSQS) ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	out := &sqs.ReceiveMessageOutput{}

	for _, id := range f.order {
		if f.deleted[id] || int64(len(out.Messages)) == aws.Int64Value(input.MaxNumberOfMessages) {
			continue
		}
		out.Messages = append(out.Messages, &sqs.Message{
			MessageId:     aws.String(id),
			ReceiptHandle: aws.String(id),
			Body:          f.messages[id].MessageBody,
		})
	}
	f.mu.Unlock()

	if len(out.Messages) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessageWithContext(_ aws.Context, input *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted[aws.StringValue(input.ReceiptHandle)] = true

	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.order) - len(f.deleted)
}

func TestSQSQueue(t *testing.T) {
	t.Run("fifo queues group jobs per app", func(t *testing.T) {
		client := newFakeSQS()
		q := NewSQSQueue(client, config.SQSConfig{URL: "https://sqs.test/jobs.fifo", BatchSize: 1}, nil)

		job := mustJob(t, testApp(), Event{Name: apps.WebhookChannelOccupied, Channel: "a"})
		require.NoError(t, q.Push(context.Background(), job))

		sent := client.messages["m-1"]
		require.NotNil(t, sent)
		assert.Equal(t, "app-1_webhooks", aws.StringValue(sent.MessageGroupId))
		assert.Len(t, aws.StringValue(sent.MessageDeduplicationId), 64)

		var decoded Job
		require.NoError(t, json.Unmarshal([]byte(aws.StringValue(sent.MessageBody)), &decoded))
		assert.Equal(t, job.Signature, decoded.Signature)
	})

	t.Run("standard queues carry no group", func(t *testing.T) {
		client := newFakeSQS()
		q := NewSQSQueue(client, config.SQSConfig{URL: "https://sqs.test/jobs"}, nil)

		require.NoError(t, q.Push(context.Background(), mustJob(t, testApp(), Event{Name: apps.WebhookChannelVacated, Channel: "a"})))
		assert.Nil(t, client.messages["m-1"].MessageGroupId)
	})

	t.Run("failed jobs stay queued until they succeed", func(t *testing.T) {
		client := newFakeSQS()

		var attempts atomic.Int32
		q := NewSQSQueue(client, config.SQSConfig{URL: "https://sqs.test/jobs", BatchSize: 10}, func(_ context.Context, job Job) error {
			if attempts.Add(1) == 1 {
				return assert.AnError
			}
			return nil
		})
		require.NoError(t, q.Push(context.Background(), mustJob(t, testApp(), Event{Name: apps.WebhookChannelOccupied, Channel: "a"})))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- q.Serve(ctx) }()

		assert.Eventually(t, func() bool { return client.pending() == 0 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), attempts.Load())

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("malformed messages are dropped", func(t *testing.T) {
		client := newFakeSQS()

		var handled atomic.Int32
		q := NewSQSQueue(client, config.SQSConfig{URL: "https://sqs.test/jobs"}, func(context.Context, Job) error {
			handled.Add(1)
			return nil
		})
		_, err := client.SendMessageWithContext(context.Background(), &sqs.SendMessageInput{MessageBody: aws.String("{not json")})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- q.Serve(ctx) }()

		assert.Eventually(t, func() bool { return client.pending() == 0 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, handled.Load())

		cancel()
		<-done
	})
}
