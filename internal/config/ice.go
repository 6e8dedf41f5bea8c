package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CHATCALL_ICE_SERVERS_JSON"
	envStunURLs       = "CHATCALL_STUN_URLS"
	envTurnURLs       = "CHATCALL_TURN_URLS"
	envTurnUsername   = "CHATCALL_TURN_USERNAME"
	envTurnCredential = "CHATCALL_TURN_CREDENTIAL"

	// DefaultSTUNURL is used when no ICE servers are configured.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

// DefaultICEServers returns the public STUN configuration.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
}

// iceFlags collects the ICE server settings shared by the server and the CLI.
type iceFlags struct {
	json, stun, turn, turnUsername, turnCredential string
	noDefault                                     bool
}

func newICEFlags(env envReader) *iceFlags {
	return &iceFlags{
		json:           env.str(envICEServersJSON, ""),
		stun:           env.str(envStunURLs, ""),
		turn:           env.str(envTurnURLs, ""),
		turnUsername:   env.str(envTurnUsername, ""),
		turnCredential: env.str(envTurnCredential, ""),
	}
}

func (f *iceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.json, "ice-servers-json", f.json, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&f.stun, "stun-urls", f.stun, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&f.turn, "turn-urls", f.turn, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", f.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", f.turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.BoolVar(&f.noDefault, "no-default-stun", f.noDefault, "Do not fall back to "+DefaultSTUNURL+" when no ICE servers are configured")
}

func (f *iceFlags) configured() bool {
	return strings.TrimSpace(f.json) != "" || strings.TrimSpace(f.stun) != "" || strings.TrimSpace(f.turn) != ""
}

func (f *iceFlags) servers(turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var (
		servers []webrtc.ICEServer
		err     error
	)
	if raw := strings.TrimSpace(f.json); raw != "" {
		servers, err = ParseICEServersJSON(raw, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
	} else {
		servers, err = ParseICEServersFromConvenienceEnv(f.stun, f.turn, f.turnUsername, f.turnCredential, turnRESTEnabled)
		if err != nil {
			return nil, err
		}
	}
	if len(servers) == 0 && !f.noDefault {
		servers = DefaultICEServers()
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer list. When
// turnRESTEnabled is set, TURN entries may omit credentials because they are
// minted per request.
func ParseICEServersJSON(raw string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(server.URLs, ",")),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}
		if err := validateICEServer(pcServer, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN/TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		server := webrtc.ICEServer{URLs: turnList}
		if turnUsername != "" || turnCredential != "" || !turnRESTEnabled {
			if turnUsername == "" || turnCredential == "" {
				return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
			}
			server.Username = turnUsername
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnRESTEnabled bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if IsTURNURL(url) {
			requiresTurnCreds = true
		}
	}
	if !requiresTurnCreds || turnRESTEnabled {
		return nil
	}
	if strings.TrimSpace(server.Username) == "" {
		return errors.New("turn urls require username")
	}
	cred, ok := server.Credential.(string)
	if !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func isAllowedICEScheme(url string) bool {
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

// IsTURNURL reports whether url uses a turn: or turns: scheme.
func IsTURNURL(url string) bool {
	url = strings.ToLower(strings.TrimSpace(url))
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
