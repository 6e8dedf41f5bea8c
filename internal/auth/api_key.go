package auth

import (
	"context"
	"crypto/subtle"
)

// AdminUID is the principal UID granted to API key holders.
const AdminUID = "admin"

// APIKeyVerifier accepts one static key and yields an admin principal. It is
// meant for moderation tooling, not end users.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(_ context.Context, apiKey string) (Principal, error) {
	if apiKey == "" || v.Expected == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{UID: AdminUID, Admin: true}, nil
}
