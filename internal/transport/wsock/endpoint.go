// Package wsock links the host and companion processes over a WebSocket.
//
// The host runs a Server, which also serves /health and /metrics; the
// companion runs a Client that dials the server's /ws route and reconnects
// with backoff. Both implement channel.Transport. Only one peer connection is
// live at a time: a new companion connection replaces the previous one.
//
// Durable context is held in memory per key until the peer acknowledges it,
// and is sent again on every (re)connect. Peers deduplicate by message id.
package wsock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

type frameType string

const (
	frameMessage frameType = "message"
	frameContext frameType = "context"
	frameAck     frameType = "ack"
)

// frame is the unit written to the socket. Data holds an encoded envelope.
type frame struct {
	Type frameType       `json:"type"`
	Key  string          `json:"key,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type heldContext struct {
	seq  uint64
	data []byte
}

// endpoint is the connection-independent half shared by Server and Client.
type endpoint struct {
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn
	held map[string]heldContext
	seq  uint64

	events    chan channel.Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newEndpoint(logger *zap.SugaredLogger) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		logger: logger,
		held:   make(map[string]heldContext),
		events: make(chan channel.Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events implements channel.Transport.
func (e *endpoint) Events() <-chan channel.Event { return e.events }

func (e *endpoint) emit(ev channel.Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *endpoint) current() *websocket.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Send implements channel.Transport.
func (e *endpoint) Send(ctx context.Context, data []byte) error {
	conn := e.current()
	if conn == nil {
		return channel.ErrPeerUnreachable
	}
	if err := e.write(ctx, conn, frame{Type: frameMessage, Data: data}); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReplicateContext implements channel.Transport.
func (e *endpoint) ReplicateContext(ctx context.Context, key string, data []byte) error {
	e.mu.Lock()
	e.seq++
	h := heldContext{seq: e.seq, data: append([]byte(nil), data...)}
	e.held[key] = h
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := e.write(ctx, conn, frame{Type: frameContext, Key: key, Seq: h.seq, Data: h.data}); err != nil {
		e.logger.Debugw("context held for next connection", "key", key, "error", err)
	}
	return nil
}

// HeldContext returns the number of context values not yet acknowledged.
func (e *endpoint) HeldContext() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.held)
}

func (e *endpoint) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// serve makes conn the live peer connection and reads from it until it
// fails or the endpoint closes. A previous connection is closed.
func (e *endpoint) serve(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)

	e.mu.Lock()
	prev := e.conn
	e.conn = conn
	frames := make([]frame, 0, len(e.held))
	for key, h := range e.held {
		frames = append(frames, frame{Type: frameContext, Key: key, Seq: h.seq, Data: h.data})
	}
	e.mu.Unlock()

	if prev != nil {
		_ = prev.Close(websocket.StatusGoingAway, "replaced by a newer connection")
	} else {
		e.emit(channel.Event{Type: channel.EventReachability, Reachable: true})
	}
	e.logger.Infow("peer connected", "held_context", len(frames))

	for _, f := range frames {
		if err := e.write(e.ctx, conn, f); err != nil {
			e.logger.Warnw("failed to send held context", "key", f.Key, "error", err)
			break
		}
	}

	e.readLoop(conn)

	e.mu.Lock()
	lost := e.conn == conn
	if lost {
		e.conn = nil
	}
	e.mu.Unlock()
	_ = conn.CloseNow()
	if lost {
		e.logger.Infow("peer disconnected")
		e.emit(channel.Event{Type: channel.EventReachability, Reachable: false})
	}
}

func (e *endpoint) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(e.ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && e.ctx.Err() == nil {
				e.logger.Debugw("read failed", "error", err)
			}
			return
		}

		switch f.Type {
		case frameMessage:
			e.emit(channel.Event{Type: channel.EventMessage, Data: f.Data})
		case frameContext:
			e.emit(channel.Event{Type: channel.EventContext, Key: f.Key, Data: f.Data})
			if err := e.write(e.ctx, conn, frame{Type: frameAck, Key: f.Key, Seq: f.Seq}); err != nil {
				e.logger.Debugw("failed to ack context", "key", f.Key, "error", err)
			}
		case frameAck:
			e.mu.Lock()
			if h, ok := e.held[f.Key]; ok && h.seq == f.Seq {
				delete(e.held, f.Key)
			}
			e.mu.Unlock()
		default:
			e.logger.Warnw("unknown frame", "type", f.Type)
		}
	}
}

// shutdown stops reading, closes the live connection and, once every
// reader has returned, the event channel.
func (e *endpoint) shutdown() {
	e.closeOnce.Do(func() {
		e.cancel()
		if conn := e.current(); conn != nil {
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		}
		e.wg.Wait()
		close(e.events)
	})
}
