package natsrelay

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/polycycle/sleepsync/internal/channel"
)

var bucketKeyPattern = regexp.MustCompile(`^companion\.[A-Za-z0-9_-]+$`)

func TestBucketKey_RoundTrip(t *testing.T) {
	for _, key := range []string{"entry:42", "entry:42:rating", "preferences:owner one", "schedule:ä/ü"} {
		bk := bucketKey("companion", key)
		if !bucketKeyPattern.MatchString(bk) {
			t.Errorf("bucketKey(%q) = %q is not a valid KV key", key, bk)
		}

		got, err := logicalKey("companion", bk)
		if err != nil {
			t.Errorf("logicalKey(%q) failed: %v", bk, err)
			continue
		}
		if got != key {
			t.Errorf("logicalKey(%q) = %q, want %q", bk, got, key)
		}
	}
}

func TestLogicalKey_Rejects(t *testing.T) {
	if _, err := logicalKey("host", bucketKey("companion", "entry:1")); err == nil {
		t.Error("Expected error for another side's key")
	}
	if _, err := logicalKey("host", "host.%%%"); err == nil {
		t.Error("Expected error for an undecodable key")
	}
}

func TestActivate_RejectsSameSide(t *testing.T) {
	r := New(Config{URL: "nats://127.0.0.1:1", Self: "host", Peer: "host"})
	if err := r.Activate(context.Background()); err == nil {
		t.Error("Expected error for identical side names")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestSend_BeforeActivate(t *testing.T) {
	r := New(Config{Self: "host", Peer: "companion"})
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Send(context.Background(), []byte(`{}`)); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("Send() error = %v, want ErrPeerUnreachable", err)
	}
	if err := r.ReplicateContext(context.Background(), "k", []byte(`{}`)); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("ReplicateContext() error = %v, want ErrPeerUnreachable", err)
	}
}

// The tests below need a NATS server with JetStream enabled, e.g.
// `nats-server -js`, and SLEEPSYNC_TEST_NATS_URL pointing at it.

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("SLEEPSYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("SLEEPSYNC_TEST_NATS_URL not set")
	}
	return url
}

func waitFor(t *testing.T, events <-chan channel.Event, match func(channel.Event) bool) channel.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return channel.Event{}
		}
	}
}

func reachable(v bool) func(channel.Event) bool {
	return func(ev channel.Event) bool {
		return ev.Type == channel.EventReachability && ev.Reachable == v
	}
}

func pair(t *testing.T) (cfg Config, host *Relay) {
	t.Helper()
	cfg = Config{
		URL:       natsURL(t),
		Bucket:    "sleepsync-test-" + uuid.NewString()[:8],
		Prefix:    "sleepsync-test-" + uuid.NewString()[:8],
		Heartbeat: 100 * time.Millisecond,
	}
	hc := cfg
	hc.Self, hc.Peer = "host", "companion"
	host = New(hc)
	if err := host.Activate(context.Background()); err != nil {
		t.Fatalf("host Activate() failed: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })
	return cfg, host
}

func start(t *testing.T, cfg Config, self, peer string) *Relay {
	t.Helper()
	cfg.Self, cfg.Peer = self, peer
	r := New(cfg)
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("%s Activate() failed: %v", self, err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRelay_MessagesAndPresence(t *testing.T) {
	cfg, host := pair(t)
	ctx := context.Background()

	if err := host.Send(ctx, []byte(`{}`)); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Fatalf("Send() without peer error = %v, want ErrPeerUnreachable", err)
	}

	companion := New(Config{
		URL: cfg.URL, Bucket: cfg.Bucket, Prefix: cfg.Prefix, Heartbeat: cfg.Heartbeat,
		Self: "companion", Peer: "host",
	})
	if err := companion.Activate(ctx); err != nil {
		t.Fatalf("companion Activate() failed: %v", err)
	}
	waitFor(t, host.Events(), reachable(true))
	waitFor(t, companion.Events(), reachable(true))

	if err := host.Send(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	ev := waitFor(t, companion.Events(), func(ev channel.Event) bool { return ev.Type == channel.EventMessage })
	if string(ev.Data) != `{"n":1}` {
		t.Errorf("Data = %s, want {\"n\":1}", ev.Data)
	}

	if err := companion.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	waitFor(t, host.Events(), reachable(false))
}

func TestRelay_ContextLatestWins(t *testing.T) {
	cfg, host := pair(t)
	ctx := context.Background()

	for _, v := range []string{`{"v":1}`, `{"v":2}`} {
		if err := host.ReplicateContext(ctx, "schedule:s-1", []byte(v)); err != nil {
			t.Fatalf("ReplicateContext() failed: %v", err)
		}
	}

	companion := start(t, cfg, "companion", "host")
	ev := waitFor(t, companion.Events(), func(ev channel.Event) bool { return ev.Type == channel.EventContext })
	if ev.Key != "schedule:s-1" || string(ev.Data) != `{"v":2}` {
		t.Errorf("got %q %s, want schedule:s-1 {\"v\":2}", ev.Key, ev.Data)
	}
}
