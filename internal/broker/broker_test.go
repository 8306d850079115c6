package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/pondpush/internal/namespace"
	"github.com/eleven-am/pondpush/internal/peer"
	"github.com/eleven-am/pondpush/internal/pusher"
)

type fakeSocket struct {
	id string

	mu        sync.Mutex
	sent      []*pusher.Message
	closeCode int
	evicted   int
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) User() (string, bool) { return "", false }

func (f *fakeSocket) Presence(string) (*pusher.PresenceMember, bool) { return nil, false }

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

func (f *fakeSocket) Evict(context.Context) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.evicted++
}

func (f *fakeSocket) received() int {
	f.mu.Lock()

	defer f.mu.Unlock()

	return len(f.sent)
}

func newTestBroker(t *testing.T, bus *peer.LocalBus, id string, heartbeat time.Duration) *Broker {
	t.Helper()

	transport := bus.Transport()
	node := peer.NewNode(transport, peer.Options{
		NodeID:            id,
		RequestTimeout:    time.Second,
		WatcherTTL:        time.Minute,
		DiscoveryInterval: time.Minute,
	})
	b := New(context.Background(), node, Options{HeartbeatInterval: heartbeat})

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() {
		b.Drain(context.Background())
		node.Stop(context.Background())
		_ = transport.Close()
	})

	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNamespaces(t *testing.T) {
	t.Run("created once per app", func(t *testing.T) {
		b := newTestBroker(t, peer.NewLocalBus(0), "a", time.Hour)

		if b.Namespace("app-1") != b.Namespace("app-1") {
			t.Error("expected the same namespace for the same app")
		}
		b.Namespace("app-2")

		ids := b.Namespaces()
		if fmt.Sprint(ids) != "[app-1 app-2]" {
			t.Errorf("unexpected namespaces %v", ids)
		}
	})
}

func TestSubscribeToApp(t *testing.T) {
	t.Run("peers learn the watcher", func(t *testing.T) {
		bus := peer.NewLocalBus(0)
		a := newTestBroker(t, bus, "a", time.Hour)
		b := newTestBroker(t, bus, "b", time.Hour)

		if err := a.SubscribeToApp(context.Background(), "app-1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if !a.Watching("app-1") {
			t.Error("expected a to watch app-1")
		}
		waitFor(t, func() bool { return len(b.node.PeersWatching(namespace.Topic("app-1"))) == 1 })
	})

	t.Run("released once no local socket is left", func(t *testing.T) {
		b := newTestBroker(t, peer.NewLocalBus(0), "a", 20*time.Millisecond)

		if err := b.SubscribeToApp(context.Background(), "app-1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		waitFor(t, func() bool {
			return !b.Watching("app-1") && !b.node.Subscribed(namespace.Topic("app-1"))
		})
	})

	t.Run("resubscribing after a release announces a fresh watch", func(t *testing.T) {
		bus := peer.NewLocalBus(0)
		a := newTestBroker(t, bus, "a", time.Hour)
		b := newTestBroker(t, bus, "b", time.Hour)
		topic := namespace.Topic("app-1")

		if err := a.SubscribeToApp(context.Background(), "app-1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		waitFor(t, func() bool { return len(b.node.PeersWatching(topic)) == 1 })

		if !a.release("app-1") {
			t.Fatal("expected an app without sockets to be released")
		}
		if a.node.Subscribed(topic) {
			t.Fatal("expected the topic to be left once release returns")
		}
		waitFor(t, func() bool { return len(b.node.PeersWatching(topic)) == 0 })

		if err := a.SubscribeToApp(context.Background(), "app-1"); err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
		if !a.Watching("app-1") || !a.node.Subscribed(topic) {
			t.Error("expected the broker and the node to watch app-1 again")
		}
		waitFor(t, func() bool { return len(b.node.PeersWatching(topic)) == 1 })
	})

	t.Run("kept while sockets remain", func(t *testing.T) {
		b := newTestBroker(t, peer.NewLocalBus(0), "a", 20*time.Millisecond)
		b.Namespace("app-1").AddSocket(&fakeSocket{id: "1.1"})

		if err := b.SubscribeToApp(context.Background(), "app-1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		time.Sleep(100 * time.Millisecond)

		if !b.Watching("app-1") {
			t.Error("expected the app to stay watched")
		}
	})
}

func TestClusterCalls(t *testing.T) {
	t.Run("broadcasts and counts span nodes", func(t *testing.T) {
		bus := peer.NewLocalBus(0)
		a := newTestBroker(t, bus, "a", time.Hour)
		b := newTestBroker(t, bus, "b", time.Hour)

		remote := &fakeSocket{id: "2.2"}
		nsB := b.Namespace("app-1")
		nsB.AddSocket(remote)
		nsB.AddToChannel(remote, "news")

		for _, br := range []*Broker{a, b} {
			if err := br.SubscribeToApp(context.Background(), "app-1"); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
		}
		waitFor(t, func() bool { return len(a.node.PeersWatching(namespace.Topic("app-1"))) == 1 })

		nsA := a.Namespace("app-1")

		if n := nsA.ChannelSocketsCount(context.Background(), "news", false); n != 1 {
			t.Errorf("expected the remote socket to be counted, got %d", n)
		}
		nsA.BroadcastMessage(context.Background(), "news", pusher.NewMessage("headline", "news", nil), "", false)

		waitFor(t, func() bool { return remote.received() == 1 })
	})
}

func TestDrain(t *testing.T) {
	t.Run("closes and evicts local sockets", func(t *testing.T) {
		b := newTestBroker(t, peer.NewLocalBus(0), "a", time.Hour)

		s := &fakeSocket{id: "1.1"}
		ns := b.Namespace("app-1")
		ns.AddSocket(s)
		ns.AddToChannel(s, "news")

		b.Drain(context.Background())

		if !b.Closing() {
			t.Error("expected the broker to be closing")
		}
		if s.closeCode != pusher.CodeServerClosing {
			t.Errorf("expected close code 4200, got %d", s.closeCode)
		}
		if s.evicted != 1 {
			t.Errorf("expected one eviction, got %d", s.evicted)
		}
		if n := ns.SocketsCount(context.Background(), true); n != 0 {
			t.Errorf("expected no sockets, got %d", n)
		}
	})

	t.Run("runs once", func(t *testing.T) {
		b := newTestBroker(t, peer.NewLocalBus(0), "a", time.Hour)

		s := &fakeSocket{id: "1.1"}
		b.Namespace("app-1").AddSocket(s)

		b.Drain(context.Background())
		b.Drain(context.Background())

		if s.evicted != 1 {
			t.Errorf("expected one eviction, got %d", s.evicted)
		}
	})
}
