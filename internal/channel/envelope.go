package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the envelope kinds.
type Kind string

const (
	KindSleepStarted      Kind = "sleepStarted"
	KindSleepEnded        Kind = "sleepEnded"
	KindQualityRated      Kind = "qualityRated"
	KindScheduleUpdate    Kind = "scheduleUpdate"
	KindPreferencesUpdate Kind = "preferencesUpdate"
	KindSyncRequest       Kind = "syncRequest"
	KindSyncResponse      Kind = "syncResponse"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindSleepStarted, KindSleepEnded, KindQualityRated, KindScheduleUpdate,
	KindPreferencesUpdate, KindSyncRequest, KindSyncResponse,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Errors returned by the codec and the Session.
var (
	ErrUnknownKind       = errors.New("unknown message kind")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrNotActivated      = errors.New("session not activated")
	ErrNoHandler         = errors.New("no handler registered")
	ErrPeerUnreachable   = errors.New("peer unreachable")
)

// keyReplyTo carries the id of the request a syncResponse answers.
const keyReplyTo = "replyTo"

// Envelope is one unit of cross-device communication. ID is unique per
// logical event; receiving the same ID twice must not change state twice.
type Envelope struct {
	ID        string
	Kind      Kind
	Data      map[string]string
	Timestamp time.Time
}

// NewEnvelope wraps p in an envelope with a fresh id and the current time.
func NewEnvelope(p Payload) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Kind:      p.Kind(),
		Data:      p.encode(),
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

// ReplyTo returns the request id a response answers, or "".
func (e Envelope) ReplyTo() string {
	return e.Data[keyReplyTo]
}

// Payload decodes the typed payload.
func (e Envelope) Payload() (Payload, error) {
	p, err := decodePayload(e.Kind, e.Data)
	if err != nil {
		return nil, fmt.Errorf("envelope %s (%s): %w", e.ID, e.Kind, err)
	}
	return p, nil
}

// wireEnvelope is the on-the-wire shape.
type wireEnvelope struct {
	Type      string            `json:"type"`
	Data      map[string]string `json:"data"`
	Timestamp int64             `json:"timestamp"`
	MessageID string            `json:"messageId"`
}

// Marshal encodes e in the wire format. Timestamps are whole seconds.
func Marshal(e Envelope) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedEnvelope)
	}
	data := e.Data
	if data == nil {
		data = map[string]string{}
	}
	b, err := json.Marshal(wireEnvelope{
		Type:      string(e.Kind),
		Data:      data,
		Timestamp: e.Timestamp.Unix(),
		MessageID: e.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a wire envelope. Unknown kinds fail with ErrUnknownKind;
// missing ids and undecodable input fail with ErrMalformedEnvelope.
func Unmarshal(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: missing messageId", ErrMalformedEnvelope)
	}
	kind := Kind(w.Type)
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	if w.Data == nil {
		w.Data = map[string]string{}
	}
	return Envelope{
		ID:        w.MessageID,
		Kind:      kind,
		Data:      w.Data,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}, nil
}
