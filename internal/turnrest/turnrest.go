// Package turnrest issues short-lived coturn "use-auth-secret" credentials.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is now (UTC) plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/config"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrInvalidSession = errors.New("turnrest: session id must be non-empty and contain no ':'")
)

type Options struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// NewSessionID defaults to a random uuid without dashes.
	NewSessionID func() string
}

type Generator struct {
	secret       []byte
	ttlSeconds   int64
	prefix       string
	now          func() time.Time
	newSessionID func() string
}

// Credentials for one client. ExpiresAt is unix seconds.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func NewGenerator(opts Options) (*Generator, error) {
	if opts.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if opts.TTLSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if opts.UsernamePrefix == "" || strings.Contains(opts.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return &Generator{
		secret:       []byte(opts.SharedSecret),
		ttlSeconds:   opts.TTLSeconds,
		prefix:       opts.UsernamePrefix,
		now:          opts.Now,
		newSessionID: opts.NewSessionID,
	}, nil
}

// FromConfig returns nil, nil when TURN REST is disabled.
func FromConfig(cfg config.TurnRESTConfig) (*Generator, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return NewGenerator(Options{
		SharedSecret:   cfg.SharedSecret,
		TTLSeconds:     cfg.TTLSeconds,
		UsernamePrefix: cfg.UsernamePrefix,
	})
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSession
	}
	expires := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expires, g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiresAt:  expires,
	}, nil
}

// GenerateRandom issues credentials for a fresh session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newSessionID())
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries are left untouched. An empty input is returned as is so it still
// encodes as [] rather than null.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

// WithoutIncompleteTURN drops TURN entries that lack credentials. Pion refuses
// to build a peer connection from them.
func WithoutIncompleteTURN(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if hasTURNURL(server) {
			cred, _ := server.Credential.(string)
			if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
				continue
			}
		}
		out = append(out, server)
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if config.IsTURNURL(u) {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
