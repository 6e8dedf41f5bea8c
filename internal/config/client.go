package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarServerURL        = "CHATCALL_SERVER"
	envVarStateFile        = "CHATCALL_STATE_FILE"
	envVarDiscoveryTimeout = "CHATCALL_DISCOVERY_TIMEOUT"

	envVarWebRTCUDPPortMin             = "CHATCALL_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "CHATCALL_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "CHATCALL_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "CHATCALL_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "CHATCALL_WEBRTC_UDP_LISTEN_IP"

	DefaultDiscoveryTimeout = 3 * time.Second
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum: each call may
// bind several UDP ports.
const recommendedWebRTCUDPPortRangeSize = 20

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTC holds the local network settings for peer connections.
type WebRTC struct {
	// UDPPortRange restricts ICE UDP ports. Nil leaves port selection to the
	// OS.
	UDPPortRange           *UDPPortRange
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
	// UDPListenIP restricts ICE sockets to one local address. Nil means all
	// interfaces.
	UDPListenIP net.IP
}

// ClientConfig holds the chatcall CLI's global options.
type ClientConfig struct {
	ServerURL        string
	StateFile        string
	DiscoveryTimeout time.Duration
	LogFormat        LogFormat
	LogLevel         slog.Level

	// ICEServers is nil unless ICE servers were configured locally, in which
	// case they override the list the server hands out.
	ICEServers []webrtc.ICEServer
	WebRTC     WebRTC
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".chatcall-session.json"
	}
	return filepath.Join(dir, "chatcall", "session.json")
}

// LoadClient parses global CLI flags from args and returns the remaining
// arguments (the subcommand and its flags).
func LoadClient(args []string) (ClientConfig, []string, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, []string, error) {
	env := envReader{lookup: lookup}

	cfg := ClientConfig{
		ServerURL: env.str(envVarServerURL, ""),
		StateFile: env.str(envVarStateFile, defaultStateFile()),
	}
	cfg.DiscoveryTimeout = env.duration(envVarDiscoveryTimeout, DefaultDiscoveryTimeout)
	logFormatStr := env.str(envVarLogFormat, string(LogFormatText))
	logLevelStr := env.str(envVarLogLevel, "info")

	portMin := env.uint(envVarWebRTCUDPPortMin, 0)
	portMax := env.uint(envVarWebRTCUDPPortMax, 0)
	natIPsStr := env.str(envVarWebRTCNAT1To1IPs, "")
	natTypeStr := env.str(envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	listenIPStr := env.str(envVarWebRTCUDPListenIP, "")

	ice := newICEFlags(env)
	if env.err != nil {
		return ClientConfig{}, nil, env.err
	}

	fs := flag.NewFlagSet("chatcall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server base URL, e.g. http://127.0.0.1:8080; empty discovers one via mDNS (env "+envVarServerURL+")")
	fs.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Where the signed-in session is stored (env "+envVarStateFile+")")
	fs.DurationVar(&cfg.DiscoveryTimeout, "discovery-timeout", cfg.DiscoveryTimeout, "How long to browse for servers via mDNS (env "+envVarDiscoveryTimeout+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&natIPsStr, "webrtc-nat-1to1-ips", natIPsStr, "Comma-separated public IPs to advertise for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&natTypeStr, "webrtc-nat-1to1-ip-candidate-type", natTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&listenIPStr, "webrtc-udp-listen-ip", listenIPStr, "Local listen IP for ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	ice.register(fs)

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, nil, err
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return ClientConfig{}, nil, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return ClientConfig{}, nil, err
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if strings.TrimSpace(cfg.StateFile) == "" {
		return ClientConfig{}, nil, fmt.Errorf("%s/--state-file must not be empty", envVarStateFile)
	}
	if cfg.DiscoveryTimeout <= 0 {
		return ClientConfig{}, nil, fmt.Errorf("%s/--discovery-timeout must be > 0", envVarDiscoveryTimeout)
	}

	if cfg.WebRTC, err = parseWebRTC(portMin, portMax, natIPsStr, natTypeStr, listenIPStr); err != nil {
		return ClientConfig{}, nil, err
	}

	if ice.configured() {
		if cfg.ICEServers, err = ice.servers(false); err != nil {
			return ClientConfig{}, nil, err
		}
	}
	return cfg, fs.Args(), nil
}

func parseWebRTC(portMin, portMax uint, natIPsStr, natTypeStr, listenIPStr string) (WebRTC, error) {
	var out WebRTC
	switch {
	case portMin == 0 && portMax == 0:
	case portMin == 0 || portMax == 0:
		return WebRTC{}, fmt.Errorf("%s and %s must both be set", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	case portMin > 65535 || portMax > 65535:
		return WebRTC{}, fmt.Errorf("webrtc udp port out of range (1-65535)")
	case portMin > portMax:
		return WebRTC{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	case portMax-portMin+1 < recommendedWebRTCUDPPortRangeSize:
		return WebRTC{}, fmt.Errorf("webrtc udp port range %d-%d is too small (want at least %d ports)", portMin, portMax, recommendedWebRTCUDPPortRangeSize)
	default:
		out.UDPPortRange = &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	if strings.TrimSpace(natIPsStr) != "" {
		for _, raw := range strings.Split(natIPsStr, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			ip := net.ParseIP(raw)
			if ip == nil {
				return WebRTC{}, fmt.Errorf("invalid %s entry %q", envVarWebRTCNAT1To1IPs, raw)
			}
			out.NAT1To1IPs = append(out.NAT1To1IPs, ip.String())
		}
	}

	switch NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(natTypeStr))) {
	case NAT1To1CandidateTypeHost, "":
		out.NAT1To1IPCandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeSrflx:
		out.NAT1To1IPCandidateType = NAT1To1CandidateTypeSrflx
	default:
		return WebRTC{}, fmt.Errorf("invalid %s %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, natTypeStr)
	}

	if s := strings.TrimSpace(listenIPStr); s != "" {
		ip := net.ParseIP(s)
		if ip == nil {
			return WebRTC{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, listenIPStr)
		}
		if !ip.IsUnspecified() {
			out.UDPListenIP = ip
		}
	}
	return out, nil
}
