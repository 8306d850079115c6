package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/broker"
	"github.com/eleven-am/pondpush/internal/cache"
	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/peer"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/eleven-am/pondpush/internal/ratelimit"
	"github.com/goccy/go-json"
	pusherhttp "github.com/pusher/pusher-http-go/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	id       string
	user     string
	presence map[string]*pusher.PresenceMember

	mu        sync.Mutex
	sent      []*pusher.Message
	closeCode int
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id, presence: make(map[string]*pusher.PresenceMember)}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) User() (string, bool) { return f.user, f.user != "" }

func (f *fakeSocket) Presence(channel string) (*pusher.PresenceMember, bool) {
	member, ok := f.presence[channel]
	return member, ok
}

func (f *fakeSocket) Send(msg *pusher.Message) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)

	return nil
}

func (f *fakeSocket) SendAndClose(msg *pusher.Message, code int) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	f.closeCode = code

	return nil
}

func (f *fakeSocket) messages() []*pusher.Message {
	f.mu.Lock()

	defer f.mu.Unlock()

	return append([]*pusher.Message(nil), f.sent...)
}

func (f *fakeSocket) events() []string {
	out := make([]string, 0)

	for _, msg := range f.messages() {
		out = append(out, msg.Event)
	}
	return out
}

func (f *fakeSocket) code() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return f.closeCode
}

type fakeSockets struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeSockets) ServeWS(w http.ResponseWriter, _ *http.Request, appKey string) {
	f.mu.Lock()
	f.keys = append(f.keys, appKey)
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

type fixture struct {
	server  *httptest.Server
	broker  *broker.Broker
	cache   *cache.Memory
	sockets *fakeSockets
	client  *pusherhttp.Client
}

func newFixture(t *testing.T, opts Options, mutate func(*config.AppConfig)) *fixture {
	t.Helper()

	cfg := config.AppConfig{ID: "app-1", Key: "key-1", Secret: "secret-1"}

	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	transport := peer.NewLocalBus(0).Transport()
	node := peer.NewNode(transport, peer.Options{NodeID: "node-a", RequestTimeout: time.Second})
	b := broker.New(ctx, node, broker.Options{HeartbeatInterval: time.Hour})

	require.NoError(t, node.Start(ctx))

	memory := cache.NewMemory(time.Minute)
	sockets := &fakeSockets{}

	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	server := NewServer(Dependencies{
		Broker:  b,
		Apps:    apps.NewArrayManager([]config.AppConfig{cfg}, config.Default().Limits),
		Cache:   memory,
		Limiter: ratelimit.NewLocal(),
		Sockets: sockets,
	}, opts)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		node.Stop(context.Background())
		_ = transport.Close()
		_ = memory.Close()
	})

	return &fixture{
		server:  srv,
		broker:  b,
		cache:   memory,
		sockets: sockets,
		client: &pusherhttp.Client{
			AppID:  "app-1",
			Key:    "key-1",
			Secret: "secret-1",
			Host:   strings.TrimPrefix(srv.URL, "http://"),
		},
	}
}

// join places a fake socket in channel on the broker node.
func (f *fixture) join(s *fakeSocket, channels ...string) {
	ns := f.broker.Namespace("app-1")
	ns.AddSocket(s)

	for _, channel := range channels {
		ns.AddToChannel(s, channel)
	}
	if s.user != "" {
		ns.AddUser(s)
	}
}

// signed sends a request signed the way backend libraries sign them.
func (f *fixture) signed(t *testing.T, method, path string, extra url.Values, body []byte) (int, []byte) {
	t.Helper()

	query := url.Values{}

	for key, values := range extra {
		query[key] = values
	}
	query.Set("auth_key", "key-1")
	query.Set("auth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	query.Set("auth_version", "1.0")

	if len(body) > 0 {
		query.Set("body_md5", pusher.BodyMD5(body))
	}
	query.Set("auth_signature", pusher.Sign("secret-1", pusher.RequestSignable(method, path, query, body)))

	return f.raw(t, method, path+"?"+query.Encode(), body)
}

func (f *fixture) raw(t *testing.T, method, target string, body []byte) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+target, bytes.NewReader(body))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestHealthChecks(t *testing.T) {
	t.Run("root reports the node", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)

		status, body := f.raw(t, http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, status)

		var health map[string]string
		require.NoError(t, json.Unmarshal(body, &health))
		assert.Equal(t, "OK", health["status"])
		assert.Equal(t, "node-a", health["peer"])
	})

	t.Run("accept-traffic fails above the memory threshold", func(t *testing.T) {
		healthy := newFixture(t, Options{
			AcceptTrafficMemoryPercent: 85,
			MemoryUsage:                func() float64 { return 50 },
		}, nil)

		status, _ := healthy.raw(t, http.MethodGet, "/accept-traffic", nil)
		assert.Equal(t, http.StatusOK, status)

		pressured := newFixture(t, Options{
			AcceptTrafficMemoryPercent: 85,
			MemoryUsage:                func() float64 { return 95 },
		}, nil)

		status, _ = pressured.raw(t, http.MethodGet, "/accept-traffic", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("draining node is not ready", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)

		status, body := f.raw(t, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "OK", string(body))

		f.broker.Drain(context.Background())

		status, _ = f.raw(t, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)

		status, _ = f.raw(t, http.MethodGet, "/accept-traffic", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("websocket path is handed the app key", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)

		f.raw(t, http.MethodGet, "/app/key-1", nil)

		f.sockets.mu.Lock()
		defer f.sockets.mu.Unlock()

		assert.Equal(t, []string{"key-1"}, f.sockets.keys)
	})

	t.Run("unknown routes are 404", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)

		status, _ := f.raw(t, http.MethodGet, "/nowhere", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	t.Run("unknown app", func(t *testing.T) {
		status, _ := f.raw(t, http.MethodGet, "/apps/missing/channels", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("unsigned request", func(t *testing.T) {
		status, _ := f.raw(t, http.MethodGet, "/apps/app-1/channels", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("wrong secret", func(t *testing.T) {
		query := url.Values{}
		query.Set("auth_key", "key-1")
		query.Set("auth_timestamp", "1")
		query.Set("auth_version", "1.0")
		query.Set("auth_signature", pusher.Sign("other", pusher.RequestSignable(http.MethodGet, "/apps/app-1/channels", query, nil)))

		status, _ := f.raw(t, http.MethodGet, "/apps/app-1/channels?"+query.Encode(), nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("tampered body", func(t *testing.T) {
		body := []byte(`{"name":"a","channel":"news","data":"{}"}`)
		query := url.Values{}
		query.Set("auth_key", "key-1")
		query.Set("body_md5", pusher.BodyMD5(body))
		query.Set("auth_signature", pusher.Sign("secret-1", pusher.RequestSignable(http.MethodPost, "/apps/app-1/events", query, body)))

		tampered := []byte(`{"name":"b","channel":"news","data":"{}"}`)
		status, _ := f.raw(t, http.MethodPost, "/apps/app-1/events?"+query.Encode(), tampered)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("backend library requests are accepted", func(t *testing.T) {
		_, err := f.client.Channels(pusherhttp.ChannelsParams{})
		assert.NoError(t, err)
	})
}

func TestEvents(t *testing.T) {
	t.Run("trigger reaches channel members", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		member := newFakeSocket("1.1")
		f.join(member, "news")

		require.NoError(t, f.client.Trigger("news", "headline", map[string]string{"title": "hello"}))

		sent := member.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, "headline", sent[0].Event)
		assert.Equal(t, "news", sent[0].Channel)

		var data string
		require.NoError(t, json.Unmarshal(sent[0].Data, &data))
		assert.JSONEq(t, `{"title":"hello"}`, data)
	})

	t.Run("trigger to several channels", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		a, b := newFakeSocket("1.1"), newFakeSocket("2.2")
		f.join(a, "one")
		f.join(b, "two")

		require.NoError(t, f.client.TriggerMulti([]string{"one", "two"}, "ping", "hi"))

		assert.Equal(t, []string{"ping"}, a.events())
		assert.Equal(t, []string{"ping"}, b.events())
	})

	t.Run("socket_id is excluded", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		author, reader := newFakeSocket("1.1"), newFakeSocket("2.2")
		f.join(author, "news")
		f.join(reader, "news")

		status, _ := f.signed(t, http.MethodPost, "/apps/app-1/events", nil,
			[]byte(`{"name":"edit","channel":"news","data":"{}","socket_id":"1.1"}`))
		require.Equal(t, http.StatusOK, status)

		assert.Empty(t, author.events())
		assert.Equal(t, []string{"edit"}, reader.events())
	})

	t.Run("cache channels remember the last event", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)

		status, _ := f.signed(t, http.MethodPost, "/apps/app-1/events", nil,
			[]byte(`{"name":"price","channel":"cache-prices","data":"{\"usd\":1}"}`))
		require.Equal(t, http.StatusOK, status)

		cached, ok, err := f.cache.Get(context.Background(), cache.ChannelKey("app-1", "cache-prices"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"event":"price","data":"{\"usd\":1}"}`, cached)
	})

	cases := []struct {
		name   string
		mutate func(*config.AppConfig)
		body   string
		status int
	}{
		{
			name:   "missing fields",
			body:   `{"channel":"news"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed json",
			body:   `{"name":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "too many channels",
			mutate: func(cfg *config.AppConfig) { cfg.MaxEventChannelsAtOnce = 1 },
			body:   `{"name":"a","channels":["one","two"],"data":"{}"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "event name too long",
			mutate: func(cfg *config.AppConfig) { cfg.MaxEventNameLength = 3 },
			body:   `{"name":"toolong","channel":"news","data":"{}"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "payload too large",
			mutate: func(cfg *config.AppConfig) { cfg.MaxEventPayloadKB = 1 },
			body:   `{"name":"a","channel":"news","data":"` + strings.Repeat("x", 2048) + `"}`,
			status: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{}, tc.mutate)

			status, body := f.signed(t, http.MethodPost, "/apps/app-1/events", nil, []byte(tc.body))
			assert.Equal(t, tc.status, status, string(body))
		})
	}

	t.Run("backend event rate limit", func(t *testing.T) {
		f := newFixture(t, Options{}, func(cfg *config.AppConfig) { cfg.MaxBackendEventsPerSec = 1 })

		status, _ := f.signed(t, http.MethodPost, "/apps/app-1/events", nil,
			[]byte(`{"name":"a","channels":["one","two"],"data":"{}"}`))
		assert.Equal(t, http.StatusTooManyRequests, status)
	})
}

func TestBatchEvents(t *testing.T) {
	t.Run("delivers every event", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		member := newFakeSocket("1.1")
		f.join(member, "news")

		status, _ := f.signed(t, http.MethodPost, "/apps/app-1/batch_events", nil,
			[]byte(`{"batch":[{"name":"a","channel":"news","data":"1"},{"name":"b","channel":"news","data":"2"}]}`))
		require.Equal(t, http.StatusOK, status)

		assert.Equal(t, []string{"a", "b"}, member.events())
	})

	t.Run("rejects oversized batches", func(t *testing.T) {
		f := newFixture(t, Options{}, func(cfg *config.AppConfig) { cfg.MaxEventBatchSize = 1 })

		status, body := f.signed(t, http.MethodPost, "/apps/app-1/batch_events", nil,
			[]byte(`{"batch":[{"name":"a","channel":"news","data":"1"},{"name":"b","channel":"news","data":"2"}]}`))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, string(body), "Cannot batch-send more than 1 messages at once")
	})

	t.Run("one invalid event fails the batch", func(t *testing.T) {
		f := newFixture(t, Options{}, nil)
		member := newFakeSocket("1.1")
		f.join(member, "news")

		status, _ := f.signed(t, http.MethodPost, "/apps/app-1/batch_events", nil,
			[]byte(`{"batch":[{"name":"a","channel":"news","data":"1"},{"channel":"news"}]}`))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Empty(t, member.events())
	})
}

func TestChannelQueries(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	reader := newFakeSocket("1.1")
	f.join(reader, "news")

	member := newFakeSocket("2.2")
	member.presence["presence-room"] = &pusher.PresenceMember{UserID: "7", UserInfo: json.RawMessage(`{"name":"ada"}`)}
	f.join(member, "presence-room")

	t.Run("lists occupied channels", func(t *testing.T) {
		list, err := f.client.Channels(pusherhttp.ChannelsParams{})
		require.NoError(t, err)

		assert.Len(t, list.Channels, 2)
		assert.Contains(t, list.Channels, "news")
		assert.Contains(t, list.Channels, "presence-room")
	})

	t.Run("filters by prefix", func(t *testing.T) {
		prefix := "presence-"
		list, err := f.client.Channels(pusherhttp.ChannelsParams{FilterByPrefix: &prefix})
		require.NoError(t, err)

		assert.Len(t, list.Channels, 1)
		assert.Contains(t, list.Channels, "presence-room")
	})

	t.Run("presence channel counts users", func(t *testing.T) {
		status, body := f.signed(t, http.MethodGet, "/apps/app-1/channels/presence-room", nil, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"subscription_count":1,"user_count":1,"occupied":true}`, string(body))
	})

	t.Run("empty channel is not occupied", func(t *testing.T) {
		status, body := f.signed(t, http.MethodGet, "/apps/app-1/channels/quiet", nil, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"subscription_count":0,"occupied":false}`, string(body))
	})

	t.Run("lists presence users", func(t *testing.T) {
		users, err := f.client.GetChannelUsers("presence-room")
		require.NoError(t, err)

		require.Len(t, users.List, 1)
		assert.Equal(t, "7", users.List[0].ID)
	})

	t.Run("user info on request", func(t *testing.T) {
		status, body := f.signed(t, http.MethodGet, "/apps/app-1/channels/presence-room/users",
			url.Values{"with_user_info": {"1"}}, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"users":[{"id":"7","user_info":{"name":"ada"}}]}`, string(body))
	})

	t.Run("users of a public channel", func(t *testing.T) {
		status, _ := f.signed(t, http.MethodGet, "/apps/app-1/channels/news/users", nil, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestReadRateLimit(t *testing.T) {
	f := newFixture(t, Options{}, func(cfg *config.AppConfig) { cfg.MaxReadRequestsPerSec = 1 })

	status, _ := f.signed(t, http.MethodGet, "/apps/app-1/channels", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.signed(t, http.MethodGet, "/apps/app-1/channels", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestTerminateUserConnections(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	target := newFakeSocket("1.1")
	target.user = "9"
	f.join(target)

	bystander := newFakeSocket("2.2")
	bystander.user = "10"
	f.join(bystander)

	status, _ := f.signed(t, http.MethodPost, "/apps/app-1/users/9/terminate_connections", nil, []byte(`{}`))
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, pusher.CodeUnauthorized, target.code())
	assert.Zero(t, bystander.code())
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, Options{MaxBodySizeKB: 1}, nil)

	body := []byte(`{"name":"a","channel":"news","data":"` + strings.Repeat("x", 4096) + `"}`)
	status, _ := f.signed(t, http.MethodPost, "/apps/app-1/events", nil, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}
