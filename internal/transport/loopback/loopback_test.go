package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polycycle/sleepsync/internal/channel"
)

func next(t *testing.T, tr *Transport) channel.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return channel.Event{}
	}
}

func expectReachable(t *testing.T, tr *Transport, want bool) {
	t.Helper()
	if ev := next(t, tr); ev.Type != channel.EventReachability || ev.Reachable != want {
		t.Fatalf("got event %+v, want reachability %v", ev, want)
	}
}

func activate(t *testing.T, host, comp *Transport) {
	t.Helper()
	ctx := context.Background()
	if err := host.Activate(ctx); err != nil {
		t.Fatalf("host Activate() failed: %v", err)
	}
	if err := comp.Activate(ctx); err != nil {
		t.Fatalf("companion Activate() failed: %v", err)
	}
	// host sees false on its own activation, then true once the companion joins
	expectReachable(t, host, false)
	expectReachable(t, host, true)
	expectReachable(t, comp, true)
}

func TestSend_RequiresReachablePeer(t *testing.T) {
	host, comp := NewPair()
	ctx := context.Background()

	if err := host.Send(ctx, []byte("x")); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("Send() before activation error = %v, want ErrPeerUnreachable", err)
	}

	activate(t, host, comp)
	if err := host.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	ev := next(t, comp)
	if ev.Type != channel.EventMessage || string(ev.Data) != "hello" {
		t.Errorf("got %+v, want message hello", ev)
	}

	host.SetReachable(false)
	expectReachable(t, host, false)
	expectReachable(t, comp, false)
	if err := host.Send(ctx, []byte("lost")); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("Send() while down error = %v, want ErrPeerUnreachable", err)
	}
}

func TestReplicateContext_LatestPerKey(t *testing.T) {
	host, comp := NewPair()
	ctx := context.Background()

	if err := host.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	next(t, host)

	for _, kv := range [][2]string{{"schedule:1", "v1"}, {"schedule:1", "v2"}, {"entry:9", "e"}} {
		if err := host.ReplicateContext(ctx, kv[0], []byte(kv[1])); err != nil {
			t.Fatalf("ReplicateContext(%s) failed: %v", kv[0], err)
		}
	}
	if n := comp.PendingContext(); n != 2 {
		t.Errorf("PendingContext() = %d, want 2", n)
	}

	if err := comp.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	expectReachable(t, comp, true)
	first, second := next(t, comp), next(t, comp)
	if first.Key != "entry:9" {
		t.Errorf("first key = %q, want entry:9", first.Key)
	}
	if second.Key != "schedule:1" || string(second.Data) != "v2" {
		t.Errorf("second = %q %q, want schedule:1 v2", second.Key, second.Data)
	}
	if n := comp.PendingContext(); n != 0 {
		t.Errorf("PendingContext() after delivery = %d, want 0", n)
	}
}

func TestReplicateContext_HeldWhileLinkDown(t *testing.T) {
	host, comp := NewPair()
	ctx := context.Background()
	activate(t, host, comp)

	host.SetReachable(false)
	next(t, host)
	next(t, comp)

	if err := host.ReplicateContext(ctx, "preferences:o", []byte("p")); err != nil {
		t.Fatalf("ReplicateContext() failed: %v", err)
	}
	if n := comp.PendingContext(); n != 1 {
		t.Errorf("PendingContext() = %d, want 1", n)
	}

	host.SetReachable(true)
	expectReachable(t, comp, true)
	ev := next(t, comp)
	if ev.Type != channel.EventContext || ev.Key != "preferences:o" {
		t.Errorf("got %+v, want context for preferences:o", ev)
	}
}

func TestClose(t *testing.T) {
	host, comp := NewPair()
	activate(t, host, comp)

	if err := comp.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := comp.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	expectReachable(t, host, false)

	if _, ok := <-comp.Events(); ok {
		t.Error("Expected closed event channel")
	}
	if err := host.Send(context.Background(), []byte("x")); !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("Send() to a closed peer error = %v, want ErrPeerUnreachable", err)
	}
}
