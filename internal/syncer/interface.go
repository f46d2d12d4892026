// Package syncer applies changes received from the peer and publishes local
// changes to it.
package syncer

import (
	"context"

	"github.com/polycycle/sleepsync/internal/channel"
)

// Applier writes envelopes received from the peer through the Repository.
//
// Every apply is an upsert keyed by the entity id, and every envelope is
// recorded in the processed-message ledger once applied. Delivering the same
// envelope twice, or the same logical event under two envelopes, leaves the
// store in the state a single delivery would.
type Applier interface {
	// Apply applies one envelope.
	//
	// Envelopes whose message id is already in the ledger are skipped and
	// return nil. Returns an error when the payload cannot be decoded or the
	// Repository rejects the write; the envelope is then not recorded, so a
	// redelivery tries again.
	//
	// Example:
	//   err := applier.Apply(ctx, env)
	Apply(ctx context.Context, env channel.Envelope) error

	// Register installs Apply as the handler for every kind the peer may
	// send, except syncResponse, which the Session routes to the waiting
	// Request.
	//
	// Example:
	//   applier.Register(session)
	Register(r Registrar)
}

// Registrar accepts per-kind handlers. *channel.Session implements it.
type Registrar interface {
	Handle(kind channel.Kind, h channel.Handler)
}

// Replier answers a syncRequest. *channel.Session implements it.
type Replier interface {
	Reply(ctx context.Context, req channel.Envelope, resp channel.SyncResponse) (bool, error)
}

// Sender is the outbound side of a Session.
type Sender interface {
	Send(ctx context.Context, env channel.Envelope) (bool, error)
	ReplicateContext(ctx context.Context, key string, env channel.Envelope) error
	Reachable() bool
}
