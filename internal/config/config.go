package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CHATCALL_LISTEN_ADDR"
	envVarPublicBaseURL   = "CHATCALL_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "CHATCALL_ALLOWED_ORIGINS"
	envVarLogFormat       = "CHATCALL_LOG_FORMAT"
	envVarLogLevel        = "CHATCALL_LOG_LEVEL"
	envVarShutdownTimeout = "CHATCALL_SHUTDOWN_TIMEOUT"
	envVarMode            = "CHATCALL_MODE"

	envVarStoreDriver = "CHATCALL_STORE"
	envVarSQLitePath  = "CHATCALL_SQLITE_PATH"

	envVarJWTSecret   = "CHATCALL_JWT_SECRET"
	envVarTokenTTL    = "CHATCALL_TOKEN_TTL"
	envVarAdminAPIKey = "CHATCALL_ADMIN_API_KEY"

	envVarListenAuthTimeout          = "CHATCALL_LISTEN_AUTH_TIMEOUT"
	envVarListenIdleTimeout          = "CHATCALL_LISTEN_IDLE_TIMEOUT"
	envVarListenPingInterval         = "CHATCALL_LISTEN_PING_INTERVAL"
	envVarMaxListenMessageBytes      = "CHATCALL_MAX_LISTEN_MESSAGE_BYTES"
	envVarMaxListenMessagesPerSecond = "CHATCALL_MAX_LISTEN_MESSAGES_PER_SECOND"
	envVarMaxRequestBodyBytes        = "CHATCALL_MAX_REQUEST_BODY_BYTES"

	envVarMDNS         = "CHATCALL_MDNS"
	envVarMDNSInstance = "CHATCALL_MDNS_INSTANCE"

	envVarTURNRESTSharedSecret   = "CHATCALL_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "CHATCALL_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "CHATCALL_TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "CHATCALL_TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev
	DefaultSQLitePath      = "chatcall.db"
	DefaultTokenTTL        = 24 * time.Hour
	DefaultMDNSInstance    = "chatcall"

	DefaultListenAuthTimeout          = 5 * time.Second
	DefaultListenIdleTimeout          = 60 * time.Second
	DefaultListenPingInterval         = 20 * time.Second
	DefaultMaxListenMessageBytes      = int64(64 * 1024)
	DefaultMaxListenMessagesPerSecond = 50
	DefaultMaxRequestBodyBytes        = int64(256 * 1024)

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "chatcall"

	// DevJWTSecret is used when no secret is configured in dev mode.
	DevJWTSecret = "chatcall-dev-insecure-secret"
)

type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreSQLite StoreDriver = "sqlite"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Config is the chatcall-server configuration.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	StoreDriver StoreDriver
	SQLitePath  string

	JWTSecret   string
	TokenTTL    time.Duration
	AdminAPIKey string

	ListenAuthTimeout          time.Duration
	ListenIdleTimeout          time.Duration
	ListenPingInterval         time.Duration
	MaxListenMessageBytes      int64
	MaxListenMessagesPerSecond int
	MaxRequestBodyBytes        int64

	MDNS         bool
	MDNSInstance string

	// ICEServers is the client-facing ICE list served from /webrtc/ice.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

// UsingDevJWTSecret reports whether the built-in development secret is active.
func (c Config) UsingDevJWTSecret() bool {
	return c.JWTSecret == DevJWTSecret
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := envReader{lookup: lookup}

	modeDefault := env.str(envVarMode, string(DefaultMode))
	logFormatDefault := env.str(envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := env.str(envVarLogLevel, defaultLogLevelForMode(modeDefault))

	cfg := Config{
		ListenAddr:    env.str(envVarListenAddr, DefaultListenAddr),
		PublicBaseURL: env.str(envVarPublicBaseURL, ""),
		SQLitePath:    env.str(envVarSQLitePath, DefaultSQLitePath),
		JWTSecret:     env.str(envVarJWTSecret, ""),
		AdminAPIKey:   env.str(envVarAdminAPIKey, ""),
		MDNSInstance:  env.str(envVarMDNSInstance, DefaultMDNSInstance),
		TURNREST: TurnRESTConfig{
			SharedSecret:   env.str(envVarTURNRESTSharedSecret, ""),
			UsernamePrefix: env.str(envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          env.str(envVarTURNRESTRealm, ""),
		},
	}
	allowedOriginsStr := env.str(envVarAllowedOrigins, "")
	storeDriverStr := env.str(envVarStoreDriver, string(StoreMemory))
	cfg.ShutdownTimeout = env.duration(envVarShutdownTimeout, DefaultShutdown)
	cfg.TokenTTL = env.duration(envVarTokenTTL, DefaultTokenTTL)
	cfg.ListenAuthTimeout = env.duration(envVarListenAuthTimeout, DefaultListenAuthTimeout)
	cfg.ListenIdleTimeout = env.duration(envVarListenIdleTimeout, DefaultListenIdleTimeout)
	cfg.ListenPingInterval = env.duration(envVarListenPingInterval, DefaultListenPingInterval)
	cfg.MaxListenMessageBytes = env.int64(envVarMaxListenMessageBytes, DefaultMaxListenMessageBytes)
	cfg.MaxListenMessagesPerSecond = env.int(envVarMaxListenMessagesPerSecond, DefaultMaxListenMessagesPerSecond)
	cfg.MaxRequestBodyBytes = env.int64(envVarMaxRequestBodyBytes, DefaultMaxRequestBodyBytes)
	cfg.MDNS = env.bool(envVarMDNS, false)
	cfg.TURNREST.TTLSeconds = env.int64(envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)

	ice := newICEFlags(env)
	if env.err != nil {
		return Config{}, env.err
	}

	fs := flag.NewFlagSet("chatcall-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "Public base URL (optional; used for logging and mDNS TXT records)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&storeDriverStr, "store", storeDriverStr, "Document store backend: memory or sqlite (env "+envVarStoreDriver+")")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file for --store=sqlite (env "+envVarSQLitePath+")")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for ID tokens (env "+envVarJWTSecret+")")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "ID token lifetime (env "+envVarTokenTTL+")")
	fs.StringVar(&cfg.AdminAPIKey, "admin-api-key", cfg.AdminAPIKey, "API key granting moderation rights; empty disables (env "+envVarAdminAPIKey+")")

	fs.DurationVar(&cfg.ListenAuthTimeout, "listen-auth-timeout", cfg.ListenAuthTimeout, "Realtime WebSocket auth timeout (env "+envVarListenAuthTimeout+")")
	fs.DurationVar(&cfg.ListenIdleTimeout, "listen-idle-timeout", cfg.ListenIdleTimeout, "Close idle realtime WebSocket connections after this duration (env "+envVarListenIdleTimeout+")")
	fs.DurationVar(&cfg.ListenPingInterval, "listen-ping-interval", cfg.ListenPingInterval, "Ping interval on realtime WebSocket connections (must be < --listen-idle-timeout; env "+envVarListenPingInterval+")")
	fs.Int64Var(&cfg.MaxListenMessageBytes, "max-listen-message-bytes", cfg.MaxListenMessageBytes, "Max inbound realtime WebSocket message size in bytes (env "+envVarMaxListenMessageBytes+")")
	fs.IntVar(&cfg.MaxListenMessagesPerSecond, "max-listen-messages-per-second", cfg.MaxListenMessagesPerSecond, "Max inbound realtime WebSocket messages per second (env "+envVarMaxListenMessagesPerSecond+")")
	fs.Int64Var(&cfg.MaxRequestBodyBytes, "max-request-body-bytes", cfg.MaxRequestBodyBytes, "Max HTTP JSON request body size in bytes (env "+envVarMaxRequestBodyBytes+")")

	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "Advertise the server on the LAN via mDNS (env "+envVarMDNS+")")
	fs.StringVar(&cfg.MDNSInstance, "mdns-instance", cfg.MDNSInstance, "mDNS instance name (env "+envVarMDNSInstance+")")

	fs.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", cfg.TURNREST.SharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&cfg.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", cfg.TURNREST.TTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", cfg.TURNREST.UsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&cfg.TURNREST.Realm, "turn-rest-realm", cfg.TURNREST.Realm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")
	ice.register(fs)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	if !env.set(envVarLogFormat) && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !env.set(envVarLogLevel) && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOriginsStr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	switch StoreDriver(strings.ToLower(strings.TrimSpace(storeDriverStr))) {
	case StoreMemory:
		cfg.StoreDriver = StoreMemory
	case StoreSQLite:
		cfg.StoreDriver = StoreSQLite
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return Config{}, fmt.Errorf("%s/--sqlite-path must be set when --store=sqlite", envVarSQLitePath)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s/--store %q (expected %s or %s)", envVarStoreDriver, storeDriverStr, StoreMemory, StoreSQLite)
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		if mode == ModeProd {
			return Config{}, fmt.Errorf("%s/--jwt-secret is required in prod mode", envVarJWTSecret)
		}
		cfg.JWTSecret = DevJWTSecret
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--token-ttl must be > 0", envVarTokenTTL)
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if cfg.ListenAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--listen-auth-timeout must be > 0", envVarListenAuthTimeout)
	}
	if cfg.ListenIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--listen-idle-timeout must be > 0", envVarListenIdleTimeout)
	}
	if cfg.ListenPingInterval <= 0 || cfg.ListenPingInterval >= cfg.ListenIdleTimeout {
		return Config{}, fmt.Errorf("%s/--listen-ping-interval must be > 0 and < --listen-idle-timeout", envVarListenPingInterval)
	}
	if cfg.MaxListenMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-listen-message-bytes must be > 0", envVarMaxListenMessageBytes)
	}
	if cfg.MaxListenMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-listen-messages-per-second must be > 0", envVarMaxListenMessagesPerSecond)
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-request-body-bytes must be > 0", envVarMaxRequestBodyBytes)
	}
	if cfg.MDNS && strings.TrimSpace(cfg.MDNSInstance) == "" {
		return Config{}, fmt.Errorf("%s/--mdns-instance must not be empty when mDNS is enabled", envVarMDNSInstance)
	}

	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
		}
		if strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	servers, err := ice.servers(cfg.TURNREST.Enabled())
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = servers

	return cfg, nil
}
