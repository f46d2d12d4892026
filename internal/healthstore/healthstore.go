// Package healthstore defines the external health-data store the repository
// exports sleep sessions to and imports them from.
//
// The platform bridge itself lives outside this module; Memory is an
// in-process implementation used by tests and by processes that run without
// a platform store.
package healthstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a sleep interval.
type Kind string

const (
	KindAsleep Kind = "asleep"
	KindCore   Kind = "core"
	KindNap    Kind = "nap"
	KindInBed  Kind = "in_bed"
)

// Source tags samples written by this application.
const Source = "sleepsync"

// Errors reported by Store implementations.
var (
	ErrNotAuthorized = errors.New("health store access not authorized")
	ErrUnavailable   = errors.New("health store unavailable")
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the interval is non-empty.
func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return fmt.Errorf("interval bounds are required")
	}
	if !iv.End.After(iv.Start) {
		return fmt.Errorf("interval end %s is not after start %s", iv.End.Format(time.RFC3339), iv.Start.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports whether iv and other share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Sample is one stored sleep interval.
type Sample struct {
	ID       string   `json:"id"`
	Interval Interval `json:"interval"`
	Kind     Kind     `json:"kind"`
	Source   string   `json:"source,omitempty"`
}

// Store is the external health store contract.
type Store interface {
	// RequestAuthorization asks for read/write access. It returns false with
	// a nil error when the user declines.
	RequestAuthorization(ctx context.Context) (bool, error)

	// Save writes one interval.
	Save(ctx context.Context, iv Interval, kind Kind) error

	// Fetch returns samples overlapping rng, oldest first.
	Fetch(ctx context.Context, rng Interval) ([]Sample, error)
}

// Memory is an in-memory Store.
type Memory struct {
	mu         sync.Mutex
	authorized bool
	deny       bool
	source     string
	samples    []Sample
}

// NewMemory returns an empty store. When deny is true every authorization
// request is declined.
func NewMemory(deny bool) *Memory {
	return &Memory{deny: deny, source: Source}
}

// RequestAuthorization implements Store.
func (m *Memory) RequestAuthorization(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorized = !m.deny
	return m.authorized, nil
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, iv Interval, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := iv.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.authorized {
		return ErrNotAuthorized
	}
	m.samples = append(m.samples, Sample{ID: uuid.NewString(), Interval: iv, Kind: kind, Source: m.source})
	return nil
}

// Fetch implements Store.
func (m *Memory) Fetch(ctx context.Context, rng Interval) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.authorized {
		return nil, ErrNotAuthorized
	}

	var out []Sample
	for _, s := range m.samples {
		if s.Interval.Overlaps(rng) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start.Before(out[j].Interval.Start) })
	return out, nil
}

// Add inserts a sample directly, bypassing authorization. Used to seed data
// written by other apps.
func (m *Memory) Add(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.samples = append(m.samples, s)
}

// Len returns the number of stored samples.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}
