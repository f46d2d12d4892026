package channel

import "context"

// EventType distinguishes transport events.
type EventType int

const (
	// EventReachability reports that the peer became reachable or not.
	EventReachability EventType = iota + 1
	// EventMessage delivers a best-effort message.
	EventMessage
	// EventContext delivers the latest durable value for a key.
	EventContext
)

// Event is emitted by a Transport.
type Event struct {
	Type      EventType
	Reachable bool
	Key       string
	Data      []byte
}

// Transport moves encoded envelopes between the two peers.
//
// Implementations must be safe for concurrent use. They are not required to
// deduplicate: the same message may be delivered more than once, and durable
// context values may be delivered again after a restart.
type Transport interface {
	// Activate connects the transport. After a successful Activate the
	// transport emits an EventReachability with the initial state, followed
	// by an EventContext for every durable value the peer stored while this
	// process was not running.
	//
	// Example:
	//   if err := t.Activate(ctx); err != nil {
	//       return err
	//   }
	Activate(ctx context.Context) error

	// Send delivers data to the peer if it is currently reachable.
	//
	// Returns ErrPeerUnreachable when the peer is not connected. Send must
	// not block waiting for the peer to appear.
	Send(ctx context.Context, data []byte) error

	// ReplicateContext stores data under key for the peer to pick up, now
	// or the next time it connects. A later value for the same key replaces
	// the earlier one; the peer only ever sees the latest.
	ReplicateContext(ctx context.Context, key string, data []byte) error

	// Events returns the channel of inbound events. It is closed when the
	// transport is closed.
	Events() <-chan Event

	// Close releases the transport. It is safe to call more than once.
	Close() error
}
