package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/chat"
	"github.com/jaballahchat/chatcall/internal/config"
	"github.com/jaballahchat/chatcall/internal/discovery"
	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/httpserver"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting chatcall-server",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"store", cfg.StoreDriver,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"mdns", cfg.MDNS,
	)
	logStartupSecurityWarnings(logger, cfg)

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open document store", "err", err)
		os.Exit(2)
	}
	defer store.Close()

	turn, err := turnrest.FromConfig(cfg.TURNREST)
	if err != nil {
		logger.Error("failed to configure turn rest credentials", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	srv.SetMetrics(m)
	srv.SetTURNREST(turn)

	api := newDocAPI(cfg, store, logger, m, srv)
	api.RegisterRoutes(srv.Mux())

	var mdns discovery.Registration
	if cfg.MDNS {
		mdns, err = advertise(cfg, ln.Addr())
		if err != nil {
			// The server stays reachable by address.
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			logger.Info("advertising over mdns", "instance", cfg.MDNSInstance, "service", discovery.ServiceType)
		}
	}
	stopMDNS := func() {
		if mdns != nil {
			mdns.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		stopMDNS()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	stopMDNS()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (*docstore.Local, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		backend, err := docstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := docstore.New(backend, docstore.Options{})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return store, nil
	default:
		return docstore.New(docstore.NewMemoryBackend(), docstore.Options{})
	}
}

// newDocAPI wires accounts, access rules and the chat policy onto store.
func newDocAPI(cfg config.Config, store docstore.Store, logger *slog.Logger, m *metrics.Metrics, srv *httpserver.Server) *docapi.Server {
	tokens := auth.NewJWT(cfg.JWTSecret, cfg.TokenTTL)
	verifier := auth.Chain{tokens}
	if cfg.AdminAPIKey != "" {
		verifier = append(verifier, auth.APIKeyVerifier{Expected: cfg.AdminAPIKey})
	}

	apiCfg := docapi.ConfigFromServer(cfg)
	apiCfg.Store = store
	apiCfg.Accounts = auth.NewProvider(store, tokens)
	apiCfg.Verifier = verifier
	apiCfg.Rules = &docapi.Rules{Hooks: map[string]docapi.WriteHook{
		chat.MessagesCollection: &chat.Policy{Store: store, Metrics: m},
	}}
	apiCfg.Moderator = &chat.Moderation{Store: store, Logger: logger}
	apiCfg.Origin = srv.OriginPolicy()
	apiCfg.Logger = logger
	apiCfg.Metrics = m
	return docapi.NewServer(apiCfg)
}

func advertise(cfg config.Config, addr net.Addr) (discovery.Registration, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("mdns: unsupported listener address %s", addr)
	}
	txt := map[string]string{"mode": string(cfg.Mode)}
	if strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		txt["scheme"] = "https"
	}
	if commit, _ := resolveBuildInfo(buildCommit, buildTime); commit != "" {
		txt["commit"] = commit
	}
	return discovery.Advertise(cfg.MDNSInstance, tcp.Port, txt)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
