package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaballahchat/chatcall/internal/chat"
	"github.com/jaballahchat/chatcall/internal/client"
	"github.com/jaballahchat/chatcall/internal/config"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/httpserver"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/remote"
)

func testServerConfig(t *testing.T) config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		StoreDriver:     config.StoreSQLite,
		SQLitePath:      filepath.Join(t.TempDir(), "chatcall.db"),
		JWTSecret:       "test-secret",
		TokenTTL:        time.Hour,
		AdminAPIKey:     "admin-key",
	}
}

// startServer wires the server the way main does and returns its base URL.
func startServer(t *testing.T, cfg config.Config) (string, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "test"})
	srv.SetMetrics(m)
	newDocAPI(cfg, store, logger, m, srv).RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
		_ = store.Close()
	})
	return "http://" + ln.Addr().String(), m
}

func TestServerWiring(t *testing.T) {
	baseURL, m := startServer(t, testServerConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc := remote.New(baseURL, nil)
	defer rc.Store().Close()
	c := client.New(rc, rc.Store(), nil)
	u, err := c.Register(ctx, "alice@example.com", "secret1", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	room := chat.New(rc.Store())
	msg, err := room.Send(ctx, chat.AuthorFrom(u.Profile), "**hi**")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.UID != u.UID() || msg.HTML == "" {
		t.Fatalf("message=%+v", msg)
	}

	admin := remote.New(baseURL, nil)
	admin.SetToken("admin-key")
	if err := admin.SetChatEnabled(ctx, false); err != nil {
		t.Fatalf("SetChatEnabled: %v", err)
	}
	if _, err := room.Send(ctx, chat.AuthorFrom(u.Profile), "still here?"); !errors.Is(err, chat.ErrChatDisabled) {
		t.Fatalf("err=%v, want ErrChatDisabled", err)
	}

	if got := m.Get(metrics.ChatMessagesPosted); got != 1 {
		t.Fatalf("chat_messages_posted=%d, want 1", got)
	}
	if m.Get(metrics.AuthSignUp) != 1 {
		t.Fatalf("auth_signup=%d, want 1", m.Get(metrics.AuthSignUp))
	}
}

func TestOpenStoreSQLitePersists(t *testing.T) {
	cfg := testServerConfig(t)
	ctx := context.Background()

	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if _, err := store.Set(ctx, "config/chat", docstore.Data{"enabled": false}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = openStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	enabled, err := chat.Enabled(ctx, store)
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if enabled {
		t.Fatalf("enabled=true after reopen, want persisted false")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.StoreDriver = config.StoreMemory
	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()
	if _, err := store.Get(context.Background(), "config/chat"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}
