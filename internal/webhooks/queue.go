// This file contains the in process webhook queues: a synchronous one and a buffered
// one drained by a fixed pool of workers.
package webhooks

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler delivers one job.
type Handler func(ctx context.Context, job Job) error

// SyncQueue delivers each job on the caller's goroutine.
type SyncQueue struct {
	handler Handler
	logger  zerolog.Logger
}

func NewSyncQueue(handler Handler) *SyncQueue {
	return &SyncQueue{handler: handler, logger: logging.WithComponent("webhooks.sync")}
}

func (q *SyncQueue) Push(ctx context.Context, job Job) error {
	q.logger.Debug().Str("app_id", job.AppID).Int("events", len(job.Payload.Events)).Msg("processing webhook job")

	return q.handler(ctx, job)
}

func (q *SyncQueue) Close() error {
	return nil
}

// MemoryQueue buffers jobs in a watermill go channel and delivers them with a
// fixed number of workers. Jobs of one app always land on the same worker so
// they are delivered in order.
type MemoryQueue struct {
	pubsub  *gochannel.GoChannel
	handler Handler
	logger  zerolog.Logger
	inputs  []<-chan *message.Message

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue subscribes the workers right away; jobs pushed before Serve
// runs wait in the buffer.
func NewMemoryQueue(workers, buffer int, handler Handler) (*MemoryQueue, error) {
	if workers <= 0 {
		workers = 1
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, logging.NewWatermillAdapter("webhooks.queue"))

	q := &MemoryQueue{
		pubsub:  pubsub,
		handler: handler,
		logger:  logging.WithComponent("webhooks.queue"),
	}
	for i := 0; i < workers; i++ {
		input, err := pubsub.Subscribe(context.Background(), workerTopic(i))
		if err != nil {
			_ = pubsub.Close()

			return nil, fmt.Errorf("subscribe webhook worker %d: %w", i, err)
		}
		q.inputs = append(q.inputs, input)
	}
	return q, nil
}

func workerTopic(i int) string {
	return fmt.Sprintf("webhooks.%d", i)
}

func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(job.AppID))
	topic := workerTopic(int(h.Sum32() % uint32(len(q.inputs))))

	return q.pubsub.Publish(topic, message.NewMessage(uuid.NewString(), payload))
}

// Serve runs the workers until ctx is done.
func (q *MemoryQueue) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, input := range q.inputs {
		wg.Add(1)

		go func(input <-chan *message.Message) {
			defer wg.Done()

			q.work(ctx, input)
		}(input)
	}
	wg.Wait()

	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, input <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-input:
			if !ok {
				return
			}
			q.process(ctx, msg)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error().Interface("panic", rec).Str("message_id", msg.UUID).Msg("webhook job panicked")
		}
	}()

	var job Job

	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		q.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed webhook job")

		return
	}
	if err := q.handler(ctx, job); err != nil {
		q.logger.Warn().Err(err).Str("app_id", job.AppID).Msg("webhook job failed")
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()

	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	return q.pubsub.Close()
}
