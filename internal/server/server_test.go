package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Metrics.Host = "127.0.0.1"
	cfg.Metrics.Port = 0
	cfg.Peer.NodeID = "node-test"

	return cfg
}

func TestNew(t *testing.T) {
	t.Run("serves the health check", func(t *testing.T) {
		s, err := New(testConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.release(context.Background()) })

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "node-test", s.NodeID())
	})

	t.Run("exposes prometheus metrics when enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metrics.Enabled = true

		s, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.release(context.Background()) })
		require.NotNil(t, s.metrics)

		rec := httptest.NewRecorder()
		s.metrics.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("uses the synchronous webhook queue on request", func(t *testing.T) {
		cfg := testConfig()
		cfg.Webhooks.QueueDriver = "sync"

		s, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.release(context.Background()) })

		assert.NotNil(t, s.sender)
		assert.IsType(t, &webhooks.SyncQueue{}, s.queue)
	})

	t.Run("wires the aws backed drivers", func(t *testing.T) {
		cfg := testConfig()
		cfg.Webhooks.QueueDriver = "sqs"
		cfg.Webhooks.SQS.URL = "http://127.0.0.1:1/queue/jobs"
		cfg.Webhooks.SQS.Endpoint = "http://127.0.0.1:1"
		cfg.AppManager.Driver = "dynamodb"
		cfg.AppManager.DynamoDB.Endpoint = "http://127.0.0.1:1"

		s, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.release(context.Background()) })

		assert.IsType(t, &webhooks.SQSQueue{}, s.queue)
	})
}

func TestRun(t *testing.T) {
	t.Run("stops cleanly when the context ends", func(t *testing.T) {
		s, err := New(testConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)

		go func() { result <- s.Run(ctx) }()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
		assert.True(t, s.Broker().Closing())
	})

	t.Run("refuses to run twice", func(t *testing.T) {
		s, err := New(testConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)

		go func() { result <- s.Run(ctx) }()

		require.Eventually(t, func() bool {
			s.mutex.Lock()

			defer s.mutex.Unlock()

			return s.isRunning
		}, 2*time.Second, 10*time.Millisecond)

		assert.Error(t, s.Run(context.Background()))

		cancel()
		assert.NoError(t, <-result)
	})
}
