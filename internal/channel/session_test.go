package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/transport/loopback"
)

var errHandler = errors.New("handler failed")

// recorder collects envelopes delivered to a handler.
type recorder struct {
	mu   sync.Mutex
	envs []channel.Envelope
	fail int
}

func (r *recorder) handle(_ context.Context, env channel.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errHandler
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) first() channel.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[0]
}

// waitUntil polls cond until it holds or a second passes.
func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newPair(t *testing.T) (*channel.Session, *channel.Session, *loopback.Transport, *loopback.Transport) {
	t.Helper()
	ht, ct := loopback.NewPair()
	host := channel.NewSession(ht, channel.SessionOptions{})
	comp := channel.NewSession(ct, channel.SessionOptions{})
	t.Cleanup(func() {
		host.Close()
		comp.Close()
	})
	return host, comp, ht, ct
}

func activate(t *testing.T, sessions ...*channel.Session) {
	t.Helper()
	for _, s := range sessions {
		if err := s.Activate(context.Background()); err != nil {
			t.Fatalf("Activate() failed: %v", err)
		}
	}
	for _, s := range sessions {
		waitUntil(t, s.Reachable, "peer reachability")
	}
}

func marshal(t *testing.T, env channel.Envelope) []byte {
	t.Helper()
	data, err := channel.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	return data
}

func TestSend_BeforeActivate(t *testing.T) {
	host, _, _, _ := newPair(t)
	if host.State() != channel.StateInactive {
		t.Errorf("State() = %v, want inactive", host.State())
	}

	_, err := host.Send(context.Background(), channel.NewEnvelope(channel.SyncRequest{OwnerID: "o"}))
	if !errors.Is(err, channel.ErrNotActivated) {
		t.Errorf("Send() error = %v, want ErrNotActivated", err)
	}
}

func TestActivate_Once(t *testing.T) {
	host, comp, _, _ := newPair(t)
	activate(t, host, comp)
	if err := host.Activate(context.Background()); err != nil {
		t.Fatalf("second Activate() failed: %v", err)
	}
	if host.State() != channel.StateActive {
		t.Errorf("State() = %v, want active", host.State())
	}
}

func TestSend_DeliversToHandler(t *testing.T) {
	host, comp, _, _ := newPair(t)
	rec := &recorder{}
	comp.Handle(channel.KindSleepStarted, rec.handle)
	activate(t, host, comp)

	sent, err := host.Send(context.Background(), channel.NewEnvelope(channel.SleepStarted{
		EntryID: "e1", OwnerID: "o", StartedAt: time.Now().UTC(),
	}))
	if err != nil || !sent {
		t.Fatalf("Send() = %v, %v; want true, nil", sent, err)
	}
	waitUntil(t, func() bool { return rec.count() == 1 }, "delivery")
	if host.LastSync().IsZero() {
		t.Error("Expected LastSync to be set after a send")
	}
}

func TestSend_UnreachableDrops(t *testing.T) {
	host, comp, ht, _ := newPair(t)
	rec := &recorder{}
	comp.Handle(channel.KindSleepStarted, rec.handle)
	activate(t, host, comp)

	ht.SetReachable(false)
	waitUntil(t, func() bool { return !host.Reachable() }, "host to lose the peer")

	sent, err := host.Send(context.Background(), channel.NewEnvelope(channel.SleepStarted{
		EntryID: "e1", OwnerID: "o", StartedAt: time.Now().UTC(),
	}))
	if err != nil || sent {
		t.Fatalf("Send() = %v, %v; want false, nil", sent, err)
	}

	ht.SetReachable(true)
	waitUntil(t, host.Reachable, "host reachability")
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("dropped message must not arrive later, got %d", n)
	}
}

func TestDispatch_DuplicateIgnored(t *testing.T) {
	host, comp, _, ct := newPair(t)
	rec := &recorder{}
	comp.Handle(channel.KindQualityRated, rec.handle)
	activate(t, host, comp)

	data := marshal(t, channel.NewEnvelope(channel.QualityRated{EntryID: "e1", Rating: 3}))
	ct.Inject(data)
	ct.Inject(data)
	ct.Inject(data)
	waitUntil(t, func() bool { return rec.count() == 1 }, "delivery")
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
}

func TestDispatch_FailedHandlerRetriesOnRedelivery(t *testing.T) {
	host, comp, _, ct := newPair(t)
	rec := &recorder{fail: 1}
	comp.Handle(channel.KindQualityRated, rec.handle)
	activate(t, host, comp)

	data := marshal(t, channel.NewEnvelope(channel.QualityRated{EntryID: "e1", Rating: 3}))
	ct.Inject(data)
	ct.Inject(data)
	waitUntil(t, func() bool { return rec.count() == 1 }, "redelivery after a failed handler")
}

func TestDispatch_UndecodableDropped(t *testing.T) {
	host, comp, _, ct := newPair(t)
	rec := &recorder{}
	comp.Handle(channel.KindSyncRequest, rec.handle)
	activate(t, host, comp)

	ct.Inject([]byte(`{"type":"bogus","messageId":"x"}`))
	ct.Inject([]byte(`not json`))
	if _, err := host.Send(context.Background(), channel.NewEnvelope(channel.SyncRequest{OwnerID: "o"})); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	waitUntil(t, func() bool { return rec.count() == 1 }, "the valid message")
}

func TestReplicateContext_ReachesLateActivator(t *testing.T) {
	ctx := context.Background()
	host, comp, _, _ := newPair(t)
	rec := &recorder{}
	comp.Handle(channel.KindPreferencesUpdate, rec.handle)

	if err := host.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	for _, lead := range []int{5, 20} {
		err := host.ReplicateContext(ctx, "preferences:o", channel.NewEnvelope(channel.PreferencesUpdate{
			OwnerID: "o", ReminderLeadMinutes: lead, UpdatedAt: time.Now().UTC(),
		}))
		if err != nil {
			t.Fatalf("ReplicateContext() failed: %v", err)
		}
	}

	if err := comp.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	waitUntil(t, func() bool { return rec.count() == 1 }, "context delivery")

	p, err := rec.first().Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}
	if got := p.(channel.PreferencesUpdate).ReminderLeadMinutes; got != 20 {
		t.Errorf("ReminderLeadMinutes = %d, want the latest value 20", got)
	}
}

func TestRequest_Reply(t *testing.T) {
	host, comp, _, _ := newPair(t)
	comp.Handle(channel.KindSyncRequest, func(ctx context.Context, env channel.Envelope) error {
		p, err := env.Payload()
		if err != nil {
			return err
		}
		_, err = comp.Reply(ctx, env, channel.SyncResponse{
			OwnerID:             p.(channel.SyncRequest).OwnerID,
			ReminderLeadMinutes: 10,
		})
		return err
	})
	activate(t, host, comp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := host.Request(ctx, channel.SyncRequest{OwnerID: "o"})
	if err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if resp.OwnerID != "o" || resp.ReminderLeadMinutes != 10 {
		t.Errorf("Request() = %+v", resp)
	}
}

func TestRequest_Unreachable(t *testing.T) {
	host, comp, ht, _ := newPair(t)
	activate(t, host, comp)
	ht.SetReachable(false)
	waitUntil(t, func() bool { return !host.Reachable() }, "host to lose the peer")

	_, err := host.Request(context.Background(), channel.SyncRequest{OwnerID: "o"})
	if !errors.Is(err, channel.ErrPeerUnreachable) {
		t.Errorf("Request() error = %v, want ErrPeerUnreachable", err)
	}
}

func TestRequest_TimesOut(t *testing.T) {
	host, comp, _, _ := newPair(t)
	activate(t, host, comp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := host.Request(ctx, channel.SyncRequest{OwnerID: "o"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Request() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestWatchReachability(t *testing.T) {
	host, comp, ht, _ := newPair(t)
	ch, stop := host.WatchReachability()
	defer stop()
	activate(t, host, comp)

	waitUntil(t, func() bool {
		select {
		case v := <-ch:
			return v
		default:
			return false
		}
	}, "reachable notification")

	ht.SetReachable(false)
	select {
	case v := <-ch:
		if v {
			t.Error("Expected an unreachable notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no reachability change")
	}
}
