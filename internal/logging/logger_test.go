package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("disabled"))
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer

	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	logger := WithComponent("peer")
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"peer"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)

	buf.Reset()
	node := WithNodeID("node-1")
	node.Info().Msg("up")
	assert.Contains(t, buf.String(), `"node_id":"node-1"`)
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer

	Init(Config{Level: "trace", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	var adapter watermill.LoggerAdapter = NewWatermillAdapter("webhooks")

	adapter = adapter.With(watermill.LogFields{"topic": "jobs"})
	adapter.Error("failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"topic":"jobs"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"error":"boom"`)
}
