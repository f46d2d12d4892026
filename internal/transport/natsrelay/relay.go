// Package natsrelay links the two peers through a NATS server.
//
// Messages travel on core NATS subjects, one inbox subject per side.
// Durable context lives in a JetStream key-value bucket that keeps one
// revision per key, so a later value for the same key replaces the earlier
// one even while the receiving side is offline. Each side publishes a
// heartbeat on its presence subject; the peer counts as reachable while
// heartbeats keep arriving.
package natsrelay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
)

// Defaults for Config.
const (
	DefaultBucket    = "sleepsync-context"
	DefaultPrefix    = "sleepsync"
	DefaultHeartbeat = 5 * time.Second

	presenceOnline  = "online"
	presenceOffline = "offline"
	eventBuffer     = 256
)

// Config configures a Relay.
type Config struct {
	URL string
	// Bucket is the key-value bucket holding durable context
	Bucket string
	// Prefix is the subject prefix shared by both sides
	Prefix string
	// Self and Peer name the two sides, e.g. "host" and "companion"
	Self, Peer string
	// Heartbeat is the presence interval; the peer is dropped after
	// three missed beats
	Heartbeat time.Duration
	Logger    *zap.SugaredLogger
}

func (c *Config) applyDefaults() {
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
}

// Relay is one side of a NATS link.
type Relay struct {
	cfg    Config
	logger *zap.SugaredLogger

	conn    *nats.Conn
	kv      jetstream.KeyValue
	subs    []*nats.Subscription
	inbox   chan *nats.Msg
	connEvs chan bool
	watcher jetstream.KeyWatcher

	mu        sync.Mutex
	peerSeen  time.Time
	reachable bool
	connected bool
	closed    bool

	events chan channel.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Relay. It does not connect until Activate.
func New(cfg Config) *Relay {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:     cfg,
		logger:  logging.Named(cfg.Logger, "natsrelay").With("self", cfg.Self),
		inbox:   make(chan *nats.Msg, eventBuffer),
		connEvs: make(chan bool, 8),
		events:  make(chan channel.Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Relay) inboxSubject(side string) string {
	return r.cfg.Prefix + "." + side + ".inbox"
}

func (r *Relay) presenceSubject(side string) string {
	return r.cfg.Prefix + "." + side + ".presence"
}

// Activate implements channel.Transport. It connects, opens the context
// bucket and starts watching the keys addressed to this side.
func (r *Relay) Activate(ctx context.Context) error {
	if r.cfg.Self == "" || r.cfg.Peer == "" || r.cfg.Self == r.cfg.Peer {
		return fmt.Errorf("natsrelay needs two distinct side names (self %q, peer %q)", r.cfg.Self, r.cfg.Peer)
	}

	conn, err := nats.Connect(r.cfg.URL,
		nats.Name("sleepsync-"+r.cfg.Self),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warnw("disconnected from NATS", "error", err)
			r.notifyConn(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			r.logger.Infow("reconnected to NATS")
			r.notifyConn(true)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	kv, err := openBucket(ctx, js, r.cfg.Bucket)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize KV bucket: %w", err)
	}

	for _, subject := range []string{r.inboxSubject(r.cfg.Self), r.presenceSubject(r.cfg.Peer)} {
		sub, err := conn.ChanSubscribe(subject, r.inbox)
		if err != nil {
			r.unsubscribe()
			conn.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	watcher, err := kv.Watch(r.ctx, r.cfg.Self+".*")
	if err != nil {
		r.unsubscribe()
		conn.Close()
		return fmt.Errorf("failed to watch context keys: %w", err)
	}

	r.mu.Lock()
	r.conn, r.kv, r.watcher, r.connected = conn, kv, watcher, true
	r.mu.Unlock()

	r.logger.Infow("NATS relay active", "url", r.cfg.URL, "bucket", r.cfg.Bucket, "peer", r.cfg.Peer)
	r.emit(channel.Event{Type: channel.EventReachability, Reachable: false})
	r.beat(presenceOnline)

	r.wg.Add(2)
	go r.receive()
	go r.watchContext(watcher)
	return nil
}

// openBucket gets the context bucket or creates it with one revision per key.
func openBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "sleepsync durable context",
		History:     1,
	})
}

// Send implements channel.Transport.
func (r *Relay) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	conn, ok := r.conn, r.reachable
	r.mu.Unlock()
	if conn == nil || !ok {
		return channel.ErrPeerUnreachable
	}
	if err := conn.Publish(r.inboxSubject(r.cfg.Peer), data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// ReplicateContext implements channel.Transport.
func (r *Relay) ReplicateContext(ctx context.Context, key string, data []byte) error {
	r.mu.Lock()
	kv := r.kv
	r.mu.Unlock()
	if kv == nil {
		return channel.ErrPeerUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := kv.Put(ctx, bucketKey(r.cfg.Peer, key), data); err != nil {
		return fmt.Errorf("failed to put context %s: %w", key, err)
	}
	return nil
}

// Events implements channel.Transport.
func (r *Relay) Events() <-chan channel.Event { return r.events }

// Close implements channel.Transport. The peer is told this side is going
// away before the connection drains.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn, watcher := r.conn, r.watcher
	r.mu.Unlock()

	var errs []error
	if conn != nil {
		r.beat(presenceOffline)
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop watcher: %w", err))
		}
	}
	r.unsubscribe()
	r.cancel()
	r.wg.Wait()
	if conn != nil {
		conn.Close()
	}
	close(r.events)
	return errors.Join(errs...)
}

// notifyConn runs on a NATS callback goroutine and must not block.
func (r *Relay) notifyConn(up bool) {
	select {
	case r.connEvs <- up:
	default:
	}
}

func (r *Relay) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Relay) beat(state string) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Publish(r.presenceSubject(r.cfg.Self), []byte(state)); err != nil {
		r.logger.Debugw("heartbeat failed", "error", err)
	}
}

func (r *Relay) receive() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case up := <-r.connEvs:
			r.mu.Lock()
			r.connected = up
			r.mu.Unlock()
			if up {
				r.beat(presenceOnline)
			}
			r.refresh(time.Now())

		case msg := <-r.inbox:
			if msg.Subject == r.presenceSubject(r.cfg.Peer) {
				r.onPresence(string(msg.Data))
				continue
			}
			r.emit(channel.Event{Type: channel.EventMessage, Data: msg.Data})

		case now := <-ticker.C:
			r.beat(presenceOnline)
			r.refresh(now)
		}
	}
}

func (r *Relay) onPresence(state string) {
	r.mu.Lock()
	wasReachable := r.reachable
	if state == presenceOffline {
		r.peerSeen = time.Time{}
	} else {
		r.peerSeen = time.Now()
	}
	r.mu.Unlock()

	// Answer a newly arrived peer at once so both sides flip together.
	if state == presenceOnline && !wasReachable {
		r.beat(presenceOnline)
	}
	r.refresh(time.Now())
}

func (r *Relay) refresh(now time.Time) {
	r.mu.Lock()
	v := r.connected && !r.peerSeen.IsZero() && now.Sub(r.peerSeen) < 3*r.cfg.Heartbeat
	changed := v != r.reachable
	r.reachable = v
	r.mu.Unlock()

	if changed {
		r.logger.Debugw("peer presence", "reachable", v)
		r.emit(channel.Event{Type: channel.EventReachability, Reachable: v})
	}
}

// watchContext emits stored context values addressed to this side and
// deletes each one once emitted. The delete is conditional on the revision
// read, so a newer value written meanwhile survives.
func (r *Relay) watchContext(w jetstream.KeyWatcher) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			key, err := logicalKey(r.cfg.Self, entry.Key())
			if err != nil {
				r.logger.Warnw("bad context key", "key", entry.Key(), "error", err)
				continue
			}
			r.emit(channel.Event{Type: channel.EventContext, Key: key, Data: entry.Value()})

			ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
			err = r.kv.Delete(ctx, entry.Key(), jetstream.LastRevision(entry.Revision()))
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Debugw("context value not cleared", "key", key, "error", err)
			}
		}
	}
}

func (r *Relay) emit(ev channel.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// bucketKey maps a logical context key to a bucket key. Bucket keys only
// allow a small alphabet, so the logical key is base64url encoded.
func bucketKey(side, key string) string {
	return side + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func logicalKey(side, bucketKey string) (string, error) {
	enc, ok := strings.CutPrefix(bucketKey, side+".")
	if !ok {
		return "", fmt.Errorf("key %q is not addressed to %s", bucketKey, side)
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("failed to decode key %q: %w", bucketKey, err)
	}
	return string(raw), nil
}

var _ channel.Transport = (*Relay)(nil)
