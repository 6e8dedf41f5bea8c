// Package discovery advertises chatcall servers on the local network over
// mDNS/DNS-SD and finds them again from the CLI.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_chatcall._tcp"
	DefaultDomain = "local."
)

var ErrNoServers = errors.New("no chatcall servers found")

// Registrar publishes one service instance.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Registration, error)
}

type Registration interface {
	Shutdown()
}

// Resolver browses for service instances. *zeroconf.Resolver implements it.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Registration, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Advertise publishes a server listening on port. Call Shutdown on the result
// to withdraw it.
func Advertise(instance string, port int, txt map[string]string) (Registration, error) {
	return AdvertiseWith(zeroconfRegistrar{}, instance, port, txt)
}

func AdvertiseWith(r Registrar, instance string, port int, txt map[string]string) (Registration, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	if instance == "" {
		instance = "chatcall"
	}
	reg, err := r.Register(instance, ServiceType, DefaultDomain, port, encodeTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mDNS registration failed: %w", err)
	}
	return reg, nil
}

// Server is one discovered chatcall server.
type Server struct {
	Instance string
	Host     string
	Port     int
	TXT      map[string]string
}

// URL is the server's HTTP base URL, preferring IPv4.
func (s Server) URL() string {
	scheme := s.TXT["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Browse collects servers until ctx is done. Give ctx a deadline.
func Browse(ctx context.Context) ([]Server, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}
	return BrowseWith(ctx, r, 0)
}

// First returns the first server found before ctx is done.
func First(ctx context.Context) (Server, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Server{}, fmt.Errorf("discovery: create resolver: %w", err)
	}
	servers, err := BrowseWith(ctx, r, 1)
	if err != nil {
		return Server{}, err
	}
	if len(servers) == 0 {
		return Server{}, ErrNoServers
	}
	return servers[0], nil
}

// BrowseWith browses using r and returns once ctx is done or, when limit > 0,
// limit servers were found. Duplicate announcements are collapsed by instance.
func BrowseWith(ctx context.Context, r Resolver, limit int) ([]Server, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Browse(ctx, ServiceType, DefaultDomain, entries)
	}()

	var out []Server
	seen := make(map[string]bool)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return out, nil
			}
			srv, ok := fromEntry(e)
			if !ok || seen[srv.Instance] {
				continue
			}
			seen[srv.Instance] = true
			out = append(out, srv)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return out, fmt.Errorf("discovery: browse: %w", err)
			}
			// The resolver returns once browsing has started; keep reading.
			errCh = nil
		case <-ctx.Done():
			return out, nil
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) (Server, bool) {
	if e == nil || e.Port <= 0 {
		return Server{}, false
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Server{}, false
	}
	return Server{Instance: e.Instance, Host: host, Port: e.Port, TXT: decodeTXT(e.Text)}, true
}

func encodeTXT(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for _, k := range slices.Sorted(maps.Keys(txt)) {
		out = append(out, k+"="+txt[k])
	}
	return out
}

func decodeTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, _ := strings.Cut(rec, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}
