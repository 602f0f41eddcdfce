package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	c *Client

	mu        sync.Mutex
	connected int
	received  []string
	beats     int
}

func (h *recordingHandler) OnConnected(context.Context) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
	h.c.Send(map[string]string{"type": "register_agent"})
}

func (h *recordingHandler) HandleMessage(_ context.Context, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, string(data))
}

func (h *recordingHandler) Heartbeat() {
	h.mu.Lock()
	h.beats++
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (int, []string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected, append([]string(nil), h.received...), h.beats
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientRegistersAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu      sync.Mutex
		auth    []string
		inbound []string
		dials   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		dials++
		first := dials == 1
		mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		inbound = append(inbound, string(data))
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"acp_open","run_id":"r1"}`))
		if first {
			// Drop the first connection to force a redial.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := &Client{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		AuthToken:         "secret",
		RetryDelay:        10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	h := &recordingHandler{c: c}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()

	waitUntil(t, "two connections", func() bool {
		n, msgs, beats := h.snapshot()
		return n >= 2 && len(msgs) >= 2 && beats > 0
	})
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, a := range auth {
		if a != "Bearer secret" {
			t.Fatalf("Authorization = %q", a)
		}
	}
	if len(inbound) < 2 || inbound[0] != `{"type":"register_agent"}` {
		t.Fatalf("server received %v", inbound)
	}
	if _, msgs, _ := h.snapshot(); msgs[0] != `{"type":"acp_open","run_id":"r1"}` {
		t.Fatalf("handler received %v", msgs)
	}
	if c.Connected() {
		t.Fatal("client still connected after Run returned")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := &Client{URL: "ws://127.0.0.1:1/ws"}
	if err := c.Send(map[string]string{"type": "heartbeat"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}
