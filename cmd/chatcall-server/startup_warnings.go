package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.UsingDevJWTSecret() {
		logger.Warn("startup security warning: using the built-in development JWT secret (anyone can mint ID tokens)",
			"warning_code", "jwt_dev_secret",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: CHATCALL_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminAPIKey == "" {
		logger.Warn("startup warning: CHATCALL_ADMIN_API_KEY is unset (moderation routes reject every caller)",
			"warning_code", "admin_api_key_unset",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.AdminAPIKey) < 16 {
		logger.Warn("startup security warning: CHATCALL_ADMIN_API_KEY is short while --mode=prod",
			"warning_code", "admin_api_key_short_in_prod",
			"admin_api_key_len", len(cfg.AdminAPIKey),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreDriver == config.StoreMemory {
		logger.Warn("startup warning: CHATCALL_STORE=memory while --mode=prod (all data is lost on restart)",
			"warning_code", "memory_store_in_prod",
			"store", cfg.StoreDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MDNS {
		logger.Warn("startup security warning: mDNS advertisement is enabled while --mode=prod (announces the server on the local network)",
			"warning_code", "mdns_in_prod",
			"mdns_instance", cfg.MDNSInstance,
			"mode", cfg.Mode,
		)
	}

	if cfg.TokenTTL > 7*24*time.Hour {
		logger.Warn("startup security warning: CHATCALL_TOKEN_TTL is very long (leaked ID tokens stay valid)",
			"warning_code", "token_ttl_long",
			"token_ttl", cfg.TokenTTL,
			"mode", cfg.Mode,
		)
	}

	// Large listen frames weaken the realtime endpoint's DoS hardening.
	if cfg.MaxListenMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: CHATCALL_MAX_LISTEN_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "listen_max_message_large",
			"max_listen_message_bytes", cfg.MaxListenMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.PublicBaseURL != "" && cfg.Mode == config.ModeProd && strings.EqualFold(urlScheme(cfg.PublicBaseURL), "http") {
		logger.Warn("startup security warning: CHATCALL_PUBLIC_BASE_URL uses http while --mode=prod (ID tokens travel in cleartext)",
			"warning_code", "public_base_url_insecure",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
