// Command chatcall is the terminal client for a chatcall server: accounts,
// the user directory, friends, the chat room, audio calls and moderation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/client"
	"github.com/jaballahchat/chatcall/internal/config"
	"github.com/jaballahchat/chatcall/internal/discovery"
	"github.com/jaballahchat/chatcall/internal/remote"
)

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"register": {"register --email E --password P [--name N]", "create an account and sign in", cmdRegister},
	"login":    {"login --email E --password P", "sign in", cmdLogin},
	"logout":   {"logout", "mark yourself offline and forget the session", cmdLogout},
	"whoami":   {"whoami", "show the signed-in profile", cmdWhoami},
	"name":     {"name <display name>", "change your display name", cmdName},
	"settings": {"settings [--theme T] [--notifications=B] [--tab T]", "show or change your settings", cmdSettings},
	"users":    {"users [--watch]", "list users and who is online", cmdUsers},
	"friends":  {"friends", "list your friends", cmdFriends},
	"requests": {"requests", "list pending friend requests", cmdRequests},
	"friend":   {"friend add|remove|request|accept|decline <uid>", "manage friends", cmdFriend},
	"chat":     {"chat send <text> | history [--limit N] | tail", "use the chat room", cmdChat},
	"events":   {"events", "list events", cmdEvents},
	"call":     {"call start | answer <call id> [--record DIR]", "start or answer an audio call", cmdCall},
	"admin":    {"admin [--api-key K] clear-chat | chat-enabled true|false | timeout <uid> [--minutes N] | event --name N --date YYYY-MM-DD | invite | invites", "moderation and event tools", cmdAdmin},
	"servers":  {"servers", "browse the local network for servers", cmdServers},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := config.LoadClient(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(stderr)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger, err := config.NewLoggerTo(stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	if len(rest) == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		usage(stderr)
		return 2
	}

	a := &app{cfg: cfg, log: logger, out: stdout}
	defer a.close()
	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "usage: chatcall", cmd.usage)
			return 2
		}
		fmt.Fprintln(stderr, "error:", describe(err))
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: chatcall [global flags] <command> [args]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'chatcall -h' for global flags.")
}

var errUsage = errors.New("usage")

// describe turns the errors users hit most into actionable text.
func describe(err error) string {
	switch {
	case errors.Is(err, client.ErrNotSignedIn):
		return "not signed in; run 'chatcall login' first"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid credentials or expired session: " + err.Error()
	case errors.Is(err, discovery.ErrNoServers):
		return "no server found on the local network; pass --server"
	}
	return err.Error()
}

// app holds the per-invocation connection state. Everything is created
// lazily so commands that never reach the server do not need one.
type app struct {
	cfg config.ClientConfig
	log *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	state  savedState
	loaded bool

	rc     *remote.Client
	client *client.Client
}

func (a *app) close() {
	if a.rc != nil {
		_ = a.rc.Store().Close()
	}
}

func (a *app) loadState() (savedState, error) {
	if a.loaded {
		return a.state, nil
	}
	st, err := loadState(a.cfg.StateFile)
	if err != nil {
		return savedState{}, err
	}
	a.state, a.loaded = st, true
	return st, nil
}

// serverURL resolves the server: the --server flag, then the server the saved
// session came from, then the first one found over mDNS.
func (a *app) serverURL(ctx context.Context) (string, error) {
	if a.cfg.ServerURL != "" {
		return a.cfg.ServerURL, nil
	}
	st, err := a.loadState()
	if err != nil {
		return "", err
	}
	if st.Server != "" {
		return st.Server, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DiscoveryTimeout)
	defer cancel()
	srv, err := discovery.First(ctx)
	if err != nil {
		return "", err
	}
	a.log.Info("discovered server", "instance", srv.Instance, "url", srv.URL())
	return srv.URL(), nil
}

// connect returns a client bound to the server without signing in.
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	base, err := a.serverURL(ctx)
	if err != nil {
		return nil, err
	}
	a.rc = remote.New(base, nil)
	a.client = client.New(a.rc, a.rc.Store(), a.log)
	return a.client, nil
}

// user resumes the saved session.
func (a *app) user(ctx context.Context) (*client.User, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if u := c.Current(); u != nil {
		return u, nil
	}
	st, err := a.loadState()
	if err != nil {
		return nil, err
	}
	if !st.signedIn() {
		return nil, client.ErrNotSignedIn
	}
	return c.Resume(ctx, st.Session)
}

func (a *app) remember(u *client.User) error {
	st := savedState{Server: a.rc.BaseURL(), Session: u.Session}
	if err := saveState(a.cfg.StateFile, st); err != nil {
		return err
	}
	a.state, a.loaded = st, true
	return nil
}

func (a *app) forget() error {
	st := savedState{Server: a.state.Server}
	if err := saveState(a.cfg.StateFile, st); err != nil {
		return err
	}
	a.state = st
	return nil
}

// printf is safe for use from call state callbacks.
func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// parseFlags parses a subcommand's flags. Errors go to the logger's writer
// through the caller, so the flag set stays quiet.
func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
