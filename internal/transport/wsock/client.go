package wsock

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/retry"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the host's /ws route, e.g. "ws://127.0.0.1:8787/ws"
	URL string
	// Backoff between reconnect attempts (default: exponential 500ms..30s)
	Backoff *retry.Policy
	// DialTimeout bounds one connection attempt (default 10s)
	DialTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// Client is the companion end of the WebSocket link. It keeps dialing the
// host until closed.
type Client struct {
	*endpoint

	url         string
	backoff     retry.Policy
	dialTimeout time.Duration
}

// NewClient creates a Client. It does not dial until Activate.
func NewClient(cfg ClientConfig) *Client {
	backoff := retry.NewPolicy(retry.Exponential, 500*time.Millisecond, 30*time.Second, 0)
	if cfg.Backoff != nil {
		backoff = *cfg.Backoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		endpoint:    newEndpoint(logging.Named(cfg.Logger, "wsock")),
		url:         cfg.URL,
		backoff:     backoff,
		dialTimeout: cfg.DialTimeout,
	}
}

// Activate implements channel.Transport. The host need not be up yet; the
// client reports unreachable and keeps trying in the background.
func (c *Client) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.emit(channel.Event{Type: channel.EventReachability, Reachable: false})
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close implements channel.Transport.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	failures := 0
	for {
		conn, err := c.dial()
		if err != nil {
			failures++
			delay := c.backoff.Delay(failures)
			c.logger.Debugw("dial failed", "url", c.url, "attempt", failures, "retry_in", delay, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	return conn, err
}

var _ channel.Transport = (*Client)(nil)
