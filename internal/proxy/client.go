package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 16 << 20

	DefaultRetryDelay        = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("ws not connected")

// Handler receives the events of a Client.
type Handler interface {
	// OnConnected runs after each successful dial, before messages are read.
	OnConnected(ctx context.Context)
	HandleMessage(ctx context.Context, data []byte)
	Heartbeat()
}

// Client keeps one websocket connection to the orchestrator, redialing
// until its context ends.
type Client struct {
	URL               string
	AuthToken         string
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes msg as one JSON text frame.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run dials, serves and redials until ctx is done. Inbound messages are
// handed to h with ctx, so work they start outlives a dropped connection.
func (c *Client) Run(ctx context.Context, h Handler) error {
	retry := c.RetryDelay
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	for {
		err := c.serve(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger().Warn("orchestrator connection lost", "url", c.URL, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (c *Client) serve(ctx context.Context, h Handler) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	conn.SetReadLimit(wsMaxPayloadBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	c.logger().Info("connected to orchestrator", "url", c.URL)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		// Unblocks ReadMessage on shutdown.
		conn.Close()
	}()

	h.OnConnected(ctx)
	go c.heartbeat(connCtx, h)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		h.HandleMessage(ctx, data)
	}
}

func (c *Client) heartbeat(ctx context.Context, h Handler) {
	interval := c.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Heartbeat()
		}
	}
}
