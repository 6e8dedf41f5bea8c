package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaballahchat/chatcall/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	return slog.New(h), func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

// safeConfig produces no warnings.
func safeConfig() config.Config {
	return config.Config{
		Mode:                  config.ModeProd,
		StoreDriver:           config.StoreSQLite,
		JWTSecret:             "a-real-secret-from-the-environment",
		AdminAPIKey:           "0123456789abcdef0123",
		TokenTTL:              config.DefaultTokenTTL,
		AllowedOrigins:        []string{"https://chat.example.com"},
		MaxListenMessageBytes: config.DefaultMaxListenMessageBytes,
		PublicBaseURL:         "https://chat.example.com",
	}
}

func TestStartupSecurityWarnings_SafeConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, safeConfig())
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("warnings=%v, want none", codes)
	}
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		code   string
		mutate func(*config.Config)
	}{
		{"jwt_dev_secret", func(c *config.Config) { c.Mode = config.ModeDev; c.JWTSecret = config.DevJWTSecret }},
		{"allowed_origins_wildcard", func(c *config.Config) { c.AllowedOrigins = []string{"*"} }},
		{"admin_api_key_unset", func(c *config.Config) { c.AdminAPIKey = "" }},
		{"admin_api_key_short_in_prod", func(c *config.Config) { c.AdminAPIKey = "short" }},
		{"memory_store_in_prod", func(c *config.Config) { c.StoreDriver = config.StoreMemory }},
		{"mdns_in_prod", func(c *config.Config) { c.MDNS = true; c.MDNSInstance = "chatcall" }},
		{"token_ttl_long", func(c *config.Config) { c.TokenTTL = 30 * 24 * time.Hour }},
		{"listen_max_message_large", func(c *config.Config) { c.MaxListenMessageBytes = 8 << 20 }},
		{"public_base_url_insecure", func(c *config.Config) { c.PublicBaseURL = "http://chat.example.com" }},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := safeConfig()
			tc.mutate(&cfg)

			logStartupSecurityWarnings(logger, cfg)

			codes := warningCodes(records())
			if _, ok := codes[tc.code]; !ok {
				t.Fatalf("expected warning_code=%s, got %#v", tc.code, records())
			}
			if len(codes) != 1 {
				t.Fatalf("warnings=%v, want only %s", codes, tc.code)
			}
		})
	}
}

func TestStartupSecurityWarnings_ShortKeyOnlyInProd(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeConfig()
	cfg.Mode = config.ModeDev
	cfg.AdminAPIKey = "short"

	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["admin_api_key_short_in_prod"]; ok {
		t.Fatalf("short admin key warned in dev mode")
	}
}

func TestSafeURLHost(t *testing.T) {
	if got := safeURLHost(" https://user:pw@chat.example.com:8443/x "); got != "chat.example.com:8443" {
		t.Fatalf("safeURLHost=%q", got)
	}
	if got := safeURLHost("://bad"); got != "" {
		t.Fatalf("safeURLHost=%q, want empty", got)
	}
}
