// Package channel carries typed envelopes between the host and companion
// processes.
//
// An Envelope has a closed set of kinds, each with a typed payload. Payloads
// are converted to the wire's string-keyed map only at the channel boundary
// (Marshal and Unmarshal); everything inside the process works with the
// typed structs.
//
// A Session drives one Transport through inactive, activating and active
// states, tracks whether the peer is reachable and when the last exchange
// succeeded, and dispatches received envelopes to per-kind handlers on a
// single goroutine. Two delivery modes exist:
//
//   - Send is best effort. While the peer is unreachable the envelope is
//     dropped and Send reports false; the caller falls back to
//     ReplicateContext or queues the change.
//   - ReplicateContext hands the envelope to the transport's durable
//     context under a logical key. The peer receives the latest value per
//     key even if it was not running at send time.
//
// Basic usage:
//
//	sess := channel.NewSession(transport, channel.SessionOptions{Logger: logger})
//	sess.Handle(channel.KindSleepStarted, applier.SleepStarted)
//	if err := sess.Activate(ctx); err != nil {
//	    return err
//	}
//	defer sess.Close()
package channel
