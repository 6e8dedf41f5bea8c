package docapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
)

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/listen"
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	c, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeMsg(t *testing.T, c *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, c *websocket.Conn) ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestListenWatchDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, env.token(t, "u1"))

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w1", Path: "calls/c1"})
	first := readMsg(t, c)
	if first.Type != MessageTypeDocument || first.ID != "w1" || first.Snapshot == nil || first.Snapshot.Exists {
		t.Fatalf("first=%+v, want missing-document snapshot", first)
	}

	if _, err := env.store.Set(context.Background(), "calls/c1", docstore.Data{"offer": "x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	next := readMsg(t, c)
	if next.Snapshot == nil || !next.Snapshot.Exists || next.Snapshot.Doc.Data["offer"] != "x" {
		t.Fatalf("next=%+v, want offer snapshot", next)
	}
	if env.metrics.Get(metrics.DocumentWatches) != 1 {
		t.Fatalf("document_watches=%d, want 1", env.metrics.Get(metrics.DocumentWatches))
	}
}

func TestListenWatchCollectionAndUnwatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.Add(ctx, "calls/c1/offerCandidates", docstore.Data{"candidate": "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c := env.dial(t, env.token(t, "u1"))

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchCollection, ID: "w1", Path: "calls/c1/offerCandidates"})
	first := readMsg(t, c)
	if first.Type != MessageTypeChanges || len(first.Changes) != 1 || first.Changes[0].Doc.Data["candidate"] != "a" {
		t.Fatalf("first=%+v", first)
	}

	if _, err := env.store.Add(ctx, "calls/c1/offerCandidates", docstore.Data{"candidate": "b"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	next := readMsg(t, c)
	if len(next.Changes) != 1 || next.Changes[0].Type != docstore.ChangeAdded || next.Changes[0].Doc.Data["candidate"] != "b" {
		t.Fatalf("next=%+v", next)
	}

	writeMsg(t, c, ClientMessage{Type: MessageTypeUnwatch, ID: "w1"})
	// A second watch proves the stream is still usable and that nothing from
	// w1 arrives after unwatch.
	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w2", Path: "calls/c1"})
	if msg := readMsg(t, c); msg.ID != "w2" {
		t.Fatalf("msg=%+v, want w2 snapshot", msg)
	}
	if _, err := env.store.Add(ctx, "calls/c1/offerCandidates", docstore.Data{"candidate": "c"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := env.store.Set(ctx, "calls/c1", docstore.Data{"offer": "y"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if msg := readMsg(t, c); msg.ID != "w2" {
		t.Fatalf("msg=%+v, want only w2 after unwatch", msg)
	}
}

func TestListenAuthMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")

	writeMsg(t, c, ClientMessage{Type: MessageTypeAuth, Token: env.token(t, "u1")})
	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w1", Path: "calls/c1"})
	if msg := readMsg(t, c); msg.Type != MessageTypeDocument {
		t.Fatalf("msg=%+v, want document", msg)
	}
}

func TestListenRequiresAuthFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w1", Path: "calls/c1"})
	msg := readMsg(t, c)
	if msg.Type != MessageTypeError || msg.Code != "unauthorized" {
		t.Fatalf("msg=%+v, want unauthorized error", msg)
	}
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestListenAuthTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AuthTimeout = 100 * time.Millisecond })
	c := env.dial(t, "")

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
	if env.metrics.Get(metrics.AuthFailure) != 1 {
		t.Fatalf("auth_failure=%d, want 1", env.metrics.Get(metrics.AuthFailure))
	}
}

func TestListenWatchErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, env.token(t, "u1"))

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchCollection, ID: "w1", Path: "accounts"})
	if msg := readMsg(t, c); msg.Type != MessageTypeError || msg.ID != "w1" || msg.Code != "permission_denied" {
		t.Fatalf("msg=%+v, want permission_denied", msg)
	}

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w2", Path: "calls"})
	if msg := readMsg(t, c); msg.Type != MessageTypeError || msg.ID != "w2" || msg.Code != "invalid_path" {
		t.Fatalf("msg=%+v, want invalid_path", msg)
	}

	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w3", Path: "calls/c1"})
	readMsg(t, c)
	writeMsg(t, c, ClientMessage{Type: MessageTypeWatchDocument, ID: "w3", Path: "calls/c2"})
	if msg := readMsg(t, c); msg.Type != MessageTypeError || msg.ID != "w3" {
		t.Fatalf("msg=%+v, want duplicate id error", msg)
	}
}

func TestListenRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxMessagesPerSecond = 2 })
	c := env.dial(t, env.token(t, "u1"))

	for i := 0; i < 5; i++ {
		writeMsg(t, c, ClientMessage{Type: MessageTypeUnwatch, ID: "nope"})
	}
	msg := readMsg(t, c)
	if msg.Type != MessageTypeError || msg.Code != "rate_limited" {
		t.Fatalf("msg=%+v, want rate_limited", msg)
	}
	if env.metrics.Get(metrics.ListenRateLimited) != 1 {
		t.Fatalf("listen_rate_limited=%d, want 1", env.metrics.Get(metrics.ListenRateLimited))
	}
}

func TestListenIdleTimeoutWithoutPong(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})
	c := env.dial(t, env.token(t, "u1"))
	c.SetPingHandler(func(string) error { return nil })

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal closure", err)
	}
}

func TestListenPongKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})
	c := env.dial(t, env.token(t, "u1"))

	// The default ping handler answers with a pong. Reading keeps it running.
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		t.Fatalf("connection closed early: %v", err)
	case <-time.After(900 * time.Millisecond):
	}
}
