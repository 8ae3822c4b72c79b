package p2p

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

// IngestFunc receives each inbound envelope exactly once per physical
// delivery. The reconciler's dedup is the authoritative backstop for
// anything the daemon re-delivers.
type IngestFunc func(ctx context.Context, env *Envelope) error

// Client maintains a websocket session with the local messaging daemon: it
// publishes outbound envelopes and feeds inbound frames to the ingest
// function. It is a single scoped background task with an explicit
// start/stop lifecycle and an injected sleep source for tests.
type Client struct {
	url     string
	ingest  IngestFunc
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(url string, ingest IngestFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		ingest:  ingest,
		logger:  logger,
		sleepFn: sleepCtx,
	}
}

// SetSleepFunc overrides the reconnect delay source, for deterministic
// tests. The function reports false when the context ended during the wait.
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) bool) {
	if fn != nil {
		c.sleepFn = fn
	}
}

// Start launches the read loop. It returns immediately; dialing and
// reconnecting happen in the background until Stop or context cancellation.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Stop terminates the session and waits for the read loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	if done != nil {
		<-done
	}
}

// Send implements Broadcaster over the active session.
func (c *Client) Send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}

func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("messaging daemon dial failed", slog.String("url", c.url), slog.Any("error", err))
			if !c.sleepFn(ctx, defaultReconnectDelay) {
				return
			}
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("connected to messaging daemon", slog.String("url", c.url))

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if !c.sleepFn(ctx, defaultReconnectDelay) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("messaging daemon read failed", slog.Any("error", err))
			}
			return
		}
		env := &Envelope{}
		if err := json.Unmarshal(raw, env); err != nil {
			c.logger.Warn("discarding malformed frame", slog.Any("error", err))
			continue
		}
		if err := c.ingest(ctx, env); err != nil {
			c.logger.Warn("envelope ingestion failed",
				slog.String("kind", env.Kind),
				slog.String("nonce", env.Nonce),
				slog.Any("error", err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
