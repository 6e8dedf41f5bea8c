// Package auth is the identity provider: email/password accounts, signed ID
// tokens, and credential verification for HTTP and WebSocket requests.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredentials
	}
	for _, v := range c {
		if v == nil {
			continue
		}
		p, err := v.Verify(ctx, credential)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrInvalidCredentials) {
			return Principal{}, err
		}
	}
	return Principal{}, ErrInvalidCredentials
}

// CredentialFromRequest extracts a credential from, in order, an
// "Authorization: Bearer" header, an X-API-Key header, and the token/apiKey
// query parameters.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
		return "", ErrInvalidCredentials
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	return CredentialFromQuery(r.URL.Query())
}

func CredentialFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	if apiKey := q.Get("apiKey"); apiKey != "" {
		return apiKey, nil
	}
	return "", ErrMissingCredentials
}

// WireAuthMessage is the first-message authentication frame accepted on
// realtime connections.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(msg WireAuthMessage) (string, error) {
	if msg.Token != "" {
		return msg.Token, nil
	}
	if msg.APIKey != "" {
		return msg.APIKey, nil
	}
	return "", ErrMissingCredentials
}
