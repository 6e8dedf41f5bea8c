package main

import (
	"context"

	"github.com/jaballahchat/chatcall/internal/discovery"
)

func cmdServers(ctx context.Context, a *app, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DiscoveryTimeout)
	defer cancel()
	servers, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return discovery.ErrNoServers
	}
	for _, s := range servers {
		a.printf("%s  %s\n", s.Instance, s.URL())
	}
	return nil
}
