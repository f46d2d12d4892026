package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
)

// State is the activation state of a Session.
type State int

const (
	StateInactive State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// Handler applies one received envelope. Handlers run one at a time on the
// session's receive goroutine and must not call Request.
type Handler func(ctx context.Context, env Envelope) error

// DefaultRecentIDs bounds the in-memory duplicate filter.
const DefaultRecentIDs = 1024

// SessionOptions configure a Session.
type SessionOptions struct {
	Logger  *zap.SugaredLogger
	Metrics metrics.Recorder
	// RecentIDs is the number of message ids remembered for duplicate
	// filtering (default DefaultRecentIDs)
	RecentIDs int
	// OnSync is called after every successful exchange with the peer
	OnSync func(at time.Time)
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Session drives one Transport.
type Session struct {
	transport Transport
	logger    *zap.SugaredLogger
	metrics   metrics.Recorder
	onSync    func(time.Time)
	now       func() time.Time

	activateOnce sync.Once
	activateErr  error

	mu        sync.RWMutex
	state     State
	reachable bool
	lastSync  time.Time
	handlers  map[Kind]Handler
	waiters   map[string]chan Envelope
	watchers  map[int]chan bool
	nextWatch int
	recent    *recentIDs

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession returns an inactive session over t.
func NewSession(t Transport, opts SessionOptions) *Session {
	size := opts.RecentIDs
	if size <= 0 {
		size = DefaultRecentIDs
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Session{
		transport: t,
		logger:    logging.Named(opts.Logger, "channel"),
		metrics:   metrics.OrNoop(opts.Metrics),
		onSync:    opts.OnSync,
		now:       now,
		handlers:  make(map[Kind]Handler),
		waiters:   make(map[string]chan Envelope),
		watchers:  make(map[int]chan bool),
		recent:    newRecentIDs(size),
	}
}

// Handle registers h for kind, replacing any earlier handler.
func (s *Session) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Activate connects the transport and starts dispatching. Activation
// happens at most once per Session; later calls return the first result.
func (s *Session) Activate(ctx context.Context) error {
	s.activateOnce.Do(func() {
		s.setState(StateActivating)
		if err := s.transport.Activate(ctx); err != nil {
			s.setState(StateInactive)
			s.activateErr = fmt.Errorf("failed to activate transport: %w", err)
			s.logger.Warnw("activation failed", "error", err)
			return
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.setState(StateActive)
		s.wg.Add(1)
		go s.receive(loopCtx)
		s.logger.Infow("session active")
	})
	return s.activateErr
}

// Close stops dispatching and closes the transport.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.transport.Close()
	s.wg.Wait()
	s.setState(StateInactive)
	s.setReachable(false)
	return err
}

// State returns the activation state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reachable reports whether the peer is currently reachable.
func (s *Session) Reachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive && s.reachable
}

// LastSync returns the time of the last successful exchange, or the zero
// time if there was none.
func (s *Session) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// WatchReachability returns a channel that receives the new reachability
// after every change, and a function that stops the watch. Only the latest
// value is kept for a slow reader.
func (s *Session) WatchReachability() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan bool, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Send delivers env best effort. When the peer is unreachable, or the
// transport fails, the envelope is dropped and Send returns false with a
// nil error. Errors are returned only for an inactive session or an
// envelope that cannot be encoded.
func (s *Session) Send(ctx context.Context, env Envelope) (bool, error) {
	if s.State() != StateActive {
		return false, ErrNotActivated
	}
	data, err := Marshal(env)
	if err != nil {
		return false, err
	}
	if !s.Reachable() {
		s.metrics.IncMessageDropped(string(env.Kind))
		s.logger.Debugw("peer unreachable, message dropped", "id", env.ID, "kind", env.Kind)
		return false, nil
	}
	if err := s.transport.Send(ctx, data); err != nil {
		s.metrics.IncMessageDropped(string(env.Kind))
		s.logger.Debugw("send failed, message dropped", "id", env.ID, "kind", env.Kind, "error", err)
		if errors.Is(err, ErrPeerUnreachable) {
			s.setReachable(false)
		}
		return false, nil
	}
	s.metrics.IncMessageSent(string(env.Kind))
	s.markSync()
	return true, nil
}

// ReplicateContext hands env to the transport's durable context under key.
func (s *Session) ReplicateContext(ctx context.Context, key string, env Envelope) error {
	if s.State() != StateActive {
		return ErrNotActivated
	}
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	if err := s.transport.ReplicateContext(ctx, key, data); err != nil {
		return fmt.Errorf("failed to replicate %s: %w", key, err)
	}
	s.logger.Debugw("context replicated", "key", key, "kind", env.Kind)
	return nil
}

// Request sends a syncRequest and waits for the syncResponse that answers
// it, bounded by ctx. It fails with ErrPeerUnreachable when the request
// could not be sent.
func (s *Session) Request(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	env := NewEnvelope(req)
	ch := make(chan Envelope, 1)
	s.mu.Lock()
	s.waiters[env.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, env.ID)
		s.mu.Unlock()
	}()

	sent, err := s.Send(ctx, env)
	if err != nil {
		return SyncResponse{}, err
	}
	if !sent {
		return SyncResponse{}, ErrPeerUnreachable
	}

	select {
	case <-ctx.Done():
		return SyncResponse{}, ctx.Err()
	case reply := <-ch:
		p, err := reply.Payload()
		if err != nil {
			return SyncResponse{}, err
		}
		resp, ok := p.(SyncResponse)
		if !ok {
			return SyncResponse{}, fmt.Errorf("%w: reply to %s has kind %s", ErrMalformedEnvelope, env.ID, reply.Kind)
		}
		return resp, nil
	}
}

// Reply answers the request req with resp.
func (s *Session) Reply(ctx context.Context, req Envelope, resp SyncResponse) (bool, error) {
	env := NewEnvelope(resp)
	env.Data[keyReplyTo] = req.ID
	return s.Send(ctx, env)
}

func (s *Session) receive(ctx context.Context) {
	defer s.wg.Done()
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.setReachable(false)
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventReachability:
		s.setReachable(ev.Reachable)
	case EventMessage, EventContext:
		env, err := Unmarshal(ev.Data)
		if err != nil {
			s.logger.Warnw("dropping undecodable message", "key", ev.Key, "error", err)
			return
		}
		s.markSync()
		s.dispatch(ctx, env)
	default:
		s.logger.Warnw("unknown transport event", "type", ev.Type)
	}
}

func (s *Session) dispatch(ctx context.Context, env Envelope) {
	if replyTo := env.ReplyTo(); replyTo != "" {
		s.mu.RLock()
		ch, ok := s.waiters[replyTo]
		s.mu.RUnlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	if !s.recent.add(env.ID) {
		s.metrics.IncMessageDuplicate(string(env.Kind))
		s.logger.Debugw("duplicate message ignored", "id", env.ID, "kind", env.Kind)
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Kind]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debugw("message dropped", "id", env.ID, "kind", env.Kind, "error", ErrNoHandler)
		return
	}

	if err := h(ctx, env); err != nil {
		// Forget the id so that a redelivery gets another chance.
		s.recent.remove(env.ID)
		s.logger.Warnw("handler failed", "id", env.ID, "kind", env.Kind, "error", err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) setReachable(v bool) {
	s.mu.Lock()
	if s.reachable == v {
		s.mu.Unlock()
		return
	}
	s.reachable = v
	watchers := make([]chan bool, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	s.metrics.SetReachable(v)
	s.logger.Infow("peer reachability changed", "reachable", v)
	for _, ch := range watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Session) markSync() {
	at := s.now()
	s.mu.Lock()
	s.lastSync = at
	s.mu.Unlock()
	if s.onSync != nil {
		s.onSync(at)
	}
}

// recentIDs is a fixed-size set of the most recently seen message ids.
// ids maps each id to its slot in order.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]int
	order []string
	next  int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ids: make(map[string]int, size), order: make([]string, size)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.order[r.next]; old != "" && r.ids[old] == r.next {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.ids[id] = r.next
	r.next = (r.next + 1) % len(r.order)
	return true
}

func (r *recentIDs) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.ids[id]; ok {
		r.order[slot] = ""
		delete(r.ids, id)
	}
}
