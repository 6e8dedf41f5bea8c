package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/callsignal"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

func cmdCall(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	action, rest := args[0], args[1:]
	var callID string
	if action == "answer" {
		if len(rest) == 0 {
			return errUsage
		}
		callID, rest = rest[0], rest[1:]
	} else if action != "start" {
		return errUsage
	}

	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	recordDir := fs.String("record", "", "write the remote audio to Ogg files in this directory")
	if err := parseFlags(fs, rest); err != nil {
		return err
	}
	if _, err := a.user(ctx); err != nil {
		return err
	}
	coord, err := a.coordinator(ctx, *recordDir)
	if err != nil {
		return err
	}

	var s *callsignal.Session
	if action == "start" {
		s, err = coord.StartCall(ctx)
		if err == nil {
			a.printf("call id: %s\n", s.ID())
			a.printf("share it with the other side: chatcall call answer %s\n", s.ID())
		}
	} else {
		s, err = coord.AnswerCall(ctx, callID)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-s.Done():
	case <-ctx.Done():
		_ = s.Close()
		<-s.Done()
	}
	a.printf("call %s ended: %s\n", s.ID(), s.State())
	if s.State() == callsignal.StateFailed {
		return errors.New("call failed")
	}
	return nil
}

// coordinator builds a call coordinator on the signed-in store. Locally
// configured ICE servers win over the server's list; an empty list from the
// server falls back to the default STUN server.
func (a *app) coordinator(ctx context.Context, recordDir string) (*callsignal.Coordinator, error) {
	ice := a.cfg.ICEServers
	if ice == nil {
		servers, err := a.rc.ICEServers(ctx)
		if err != nil {
			a.log.Warn("could not fetch ICE servers; using defaults", "err", err)
		} else if len(servers) > 0 {
			ice = servers
		}
	}

	media, opts, err := newMediaSource()
	if err != nil {
		return nil, err
	}
	api, err := webrtcpeer.NewAPI(a.cfg.WebRTC, append(opts, webrtcpeer.WithLogger(a.log))...)
	if err != nil {
		return nil, fmt.Errorf("configure webrtc: %w", err)
	}

	var onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	if recordDir != "" {
		if err := os.MkdirAll(recordDir, 0o755); err != nil {
			return nil, fmt.Errorf("create record dir: %w", err)
		}
		rec := &webrtcpeer.OggRecorder{Dir: recordDir, Prefix: "call", Logger: a.log}
		onTrack = rec.HandleTrack
	}

	return callsignal.New(callsignal.Config{
		Store:      a.rc.Store(),
		Peers:      callsignal.PionPeers(&webrtcpeer.Factory{API: api, Logger: a.log}),
		Media:      media,
		ICEServers: ice,
		OnTrack:    onTrack,
		OnState: func(s *callsignal.Session, st callsignal.State) {
			if s.ID() != "" {
				a.printf("call %s: %s\n", s.ID(), st)
			}
		},
		Logger: a.log,
	}), nil
}
