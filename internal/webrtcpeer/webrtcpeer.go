// Package webrtcpeer builds pion PeerConnections for calls and provides the
// local and remote media plumbing around them.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/config"
)

type apiOptions struct {
	logger *slog.Logger
	net    transport.Net
	codecs func(*webrtc.MediaEngine) error
}

// Option customizes NewAPI.
type Option func(*apiOptions)

// WithLogger routes pion's internal logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *apiOptions) { o.logger = logger }
}

// WithNet replaces the OS network stack, e.g. with a vnet.Net in tests.
func WithNet(n transport.Net) Option {
	return func(o *apiOptions) { o.net = n }
}

// WithCodecs replaces the default codec registration. Capture sources that
// bring their own encoders register them here.
func WithCodecs(register func(*webrtc.MediaEngine) error) Option {
	return func(o *apiOptions) { o.codecs = register }
}

func NewAPI(cfg config.WebRTC, opts ...Option) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if o.logger != nil {
		se.LoggerFactory = NewLoggerFactory(o.logger)
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if o.codecs != nil {
		if err := o.codecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTC) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine has no bind-address knob; IPFilter restricts both
	// gathering and socket binding.
	if listenIP := cfg.UDPListenIP; listenIP != nil {
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}
