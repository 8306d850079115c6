package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const sqsRetryDelay = time.Second

// SQSClient is the part of the SQS API the queue needs.
type SQSClient interface {
	SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error)
	ReceiveMessageWithContext(ctx aws.Context, input *sqs.ReceiveMessageInput, opts ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(ctx aws.Context, input *sqs.DeleteMessageInput, opts ...request.Option) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue ships jobs through an SQS queue so any node polling it may
// deliver them. A message is deleted only after its job was handled; failed
// jobs reappear once the visibility timeout ends.
type SQSQueue struct {
	client      SQSClient
	url         string
	fifo        bool
	batchSize   int64
	pollingWait time.Duration
	handler     Handler
	logger      zerolog.Logger
}

func NewSQSQueue(client SQSClient, cfg config.SQSConfig, handler Handler) *SQSQueue {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &SQSQueue{
		client:      client,
		url:         cfg.URL,
		fifo:        strings.HasSuffix(cfg.URL, ".fifo"),
		batchSize:   batch,
		pollingWait: cfg.PollingWait,
		handler:     handler,
		logger:      logging.WithComponent("webhooks.sqs"),
	}
}

// NewAWSSQS builds a client from the default credential chain.
func NewAWSSQS(cfg config.SQSConfig) (*sqs.SQS, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session for sqs: %w", err)
	}
	return sqs.New(sess), nil
}

func (q *SQSQueue) Push(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		sum := sha256.Sum256(body)
		input.MessageDeduplicationId = aws.String(hex.EncodeToString(sum[:]))
		input.MessageGroupId = aws.String(job.AppID + "_webhooks")
	}
	if _, err := q.client.SendMessageWithContext(ctx, input); err != nil {
		return fmt.Errorf("push webhook job to sqs: %w", err)
	}
	return nil
}

// Serve long polls the queue until ctx is done.
func (q *SQSQueue) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: aws.Int64(q.batchSize),
			WaitTimeSeconds:     aws.Int64(int64(q.pollingWait / time.Second)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn().Err(err).Msg("failed to receive webhook jobs")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sqsRetryDelay):
			}
			continue
		}
		for _, msg := range out.Messages {
			q.process(ctx, msg)
		}
	}
}

func (q *SQSQueue) process(ctx context.Context, msg *sqs.Message) {
	var job Job

	if err := json.Unmarshal([]byte(aws.StringValue(msg.Body)), &job); err != nil {
		q.logger.Warn().Err(err).Str("message_id", aws.StringValue(msg.MessageId)).Msg("dropping malformed webhook job")
		q.delete(ctx, msg)

		return
	}
	if err := q.handler(ctx, job); err != nil {
		q.logger.Warn().Err(err).Str("app_id", job.AppID).Msg("webhook job failed")

		return
	}
	q.delete(ctx, msg)
}

func (q *SQSQueue) delete(ctx context.Context, msg *sqs.Message) {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.Warn().Err(err).Str("message_id", aws.StringValue(msg.MessageId)).Msg("failed to delete webhook job")
	}
}

func (q *SQSQueue) Close() error {
	return nil
}
