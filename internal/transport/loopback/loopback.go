// Package loopback provides an in-memory pair of channel transports.
//
// The two ends share a link whose reachability is controlled by the test or
// simulation through SetReachable. Durable context written by one end is held
// for the other, latest value per key, and delivered when that end activates
// or the link comes back up.
package loopback

import (
	"context"
	"sort"
	"sync"

	"github.com/polycycle/sleepsync/internal/channel"
)

const eventBuffer = 256

type link struct {
	mu        sync.Mutex
	reachable bool
}

// Transport is one end of a loopback pair.
type Transport struct {
	name string
	link *link
	peer *Transport

	mu      sync.Mutex
	active  bool
	closed  bool
	pending map[string][]byte
	events  chan channel.Event
}

// NewPair returns two connected ends. The link starts reachable.
func NewPair() (host, companion *Transport) {
	l := &link{reachable: true}
	host = newEnd("host", l)
	companion = newEnd("companion", l)
	host.peer = companion
	companion.peer = host
	return host, companion
}

func newEnd(name string, l *link) *Transport {
	return &Transport{
		name:    name,
		link:    l,
		pending: make(map[string][]byte),
		events:  make(chan channel.Event, eventBuffer),
	}
}

// Name returns "host" or "companion".
func (t *Transport) Name() string { return t.name }

// Activate implements channel.Transport.
func (t *Transport) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return channel.ErrPeerUnreachable
	}
	t.active = true
	t.mu.Unlock()

	up := t.reachable()
	t.deliver(channel.Event{Type: channel.EventReachability, Reachable: up})
	t.peer.deliver(channel.Event{Type: channel.EventReachability, Reachable: up})
	t.flushContext()
	if up {
		t.peer.flushContext()
	}
	return nil
}

// SetReachable raises or drops the link. Both active ends are told, and
// held context is delivered when the link comes up.
func (t *Transport) SetReachable(v bool) {
	t.link.mu.Lock()
	changed := t.link.reachable != v
	t.link.reachable = v
	t.link.mu.Unlock()
	if !changed {
		return
	}
	up := t.reachable()
	t.deliver(channel.Event{Type: channel.EventReachability, Reachable: up})
	t.peer.deliver(channel.Event{Type: channel.EventReachability, Reachable: up})
	if up {
		t.flushContext()
		t.peer.flushContext()
	}
}

// Send implements channel.Transport.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.reachable() {
		return channel.ErrPeerUnreachable
	}
	t.peer.deliver(channel.Event{Type: channel.EventMessage, Data: clone(data)})
	return nil
}

// ReplicateContext implements channel.Transport.
func (t *Transport) ReplicateContext(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.peer.mu.Lock()
	t.peer.pending[key] = clone(data)
	t.peer.mu.Unlock()
	if t.reachable() {
		t.peer.flushContext()
	}
	return nil
}

// Inject delivers data to this end as if the peer had sent it, regardless
// of reachability. Tests use it to simulate redelivery.
func (t *Transport) Inject(data []byte) {
	t.deliver(channel.Event{Type: channel.EventMessage, Data: clone(data)})
}

// PendingContext returns the number of context values held for this end.
func (t *Transport) PendingContext() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Events implements channel.Transport.
func (t *Transport) Events() <-chan channel.Event { return t.events }

// Close implements channel.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.active = false
	close(t.events)
	t.mu.Unlock()

	t.peer.deliver(channel.Event{Type: channel.EventReachability, Reachable: false})
	return nil
}

func (t *Transport) reachable() bool {
	t.link.mu.Lock()
	up := t.link.reachable
	t.link.mu.Unlock()
	return up && t.isActive() && t.peer.isActive()
}

func (t *Transport) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// flushContext delivers held context to this end, in key order.
func (t *Transport) flushContext() {
	t.mu.Lock()
	if !t.active || len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	evs := make([]channel.Event, 0, len(keys))
	for _, k := range keys {
		evs = append(evs, channel.Event{Type: channel.EventContext, Key: k, Data: t.pending[k]})
		delete(t.pending, k)
	}
	t.mu.Unlock()

	for _, ev := range evs {
		t.deliver(ev)
	}
}

func (t *Transport) deliver(ev channel.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.closed {
		return
	}
	t.events <- ev
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

var _ channel.Transport = (*Transport)(nil)
