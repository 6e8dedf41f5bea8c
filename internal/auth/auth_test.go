package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

func TestCredentialFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		headers map[string]string
		want    string
		wantErr error
	}{
		{name: "bearer", target: "/", headers: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "bearer case-insensitive", target: "/", headers: map[string]string{"Authorization": "bearer abc"}, want: "abc"},
		{name: "bad scheme", target: "/", headers: map[string]string{"Authorization": "Basic abc"}, wantErr: ErrInvalidCredentials},
		{name: "api key header", target: "/", headers: map[string]string{"X-API-Key": "k"}, want: "k"},
		{name: "token query", target: "/?token=t", want: "t"},
		{name: "apiKey query", target: "/?apiKey=k", want: "k"},
		{name: "missing", target: "/", wantErr: ErrMissingCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			got, err := CredentialFromRequest(r)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err=%v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got != tc.want {
				t.Fatalf("credential=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}
	p, err := v.Verify(context.Background(), "secret")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !p.Admin || p.UID != AdminUID {
		t.Fatalf("principal=%+v, want admin", p)
	}
	if _, err := v.Verify(context.Background(), "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if _, err := (APIKeyVerifier{}).Verify(context.Background(), ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty key err=%v", err)
	}
}

func TestJWT_IssueVerify(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)
	now := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time { return now }

	token, exp, err := j.Issue(Principal{UID: "u1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("exp=%v", exp)
	}
	p, err := j.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UID != "u1" || p.Email != "a@example.com" || p.Admin {
		t.Fatalf("principal=%+v", p)
	}

	t.Run("expired", func(t *testing.T) {
		j.now = func() time.Time { return now.Add(2 * time.Hour) }
		defer func() { j.now = func() time.Time { return now } }()
		if _, err := j.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWT("other", time.Hour)
		other.now = j.now
		if _, err := other.Verify(context.Background(), token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("alg none rejected", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "u1",
			"iss": tokenIssuer,
			"exp": now.Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign none: %v", err)
		}
		if _, err := j.Verify(context.Background(), unsigned); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := j.Verify(context.Background(), "a.b.c"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})
}

func TestChain(t *testing.T) {
	j := NewJWT("s", time.Hour)
	token, _, err := j.Issue(Principal{UID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c := Chain{APIKeyVerifier{Expected: "admin-key"}, j}

	if p, err := c.Verify(context.Background(), "admin-key"); err != nil || !p.Admin {
		t.Fatalf("api key: p=%+v err=%v", p, err)
	}
	if p, err := c.Verify(context.Background(), token); err != nil || p.UID != "u1" {
		t.Fatalf("jwt: p=%+v err=%v", p, err)
	}
	if _, err := c.Verify(context.Background(), "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if _, err := c.Verify(context.Background(), ""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
}

func newTestProvider(t *testing.T) (*Provider, *docstore.Local) {
	t.Helper()
	store := docstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	p := NewProvider(store, NewJWT("test-secret", time.Hour))
	p.cost = bcrypt.MinCost
	return p, store
}

func TestProvider_SignUpSignIn(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProvider(t)

	sess, err := p.SignUp(ctx, "  Alice@Example.com ", "hunter22")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if sess.Email != "alice@example.com" || sess.UID == "" || sess.Token == "" {
		t.Fatalf("session=%+v", sess)
	}

	doc, err := store.Get(ctx, accountPath("alice@example.com"))
	if err != nil {
		t.Fatalf("account doc: %v", err)
	}
	if hash, _ := doc.Data["passwordHash"].(string); hash == "" || strings.Contains(hash, "hunter22") {
		t.Fatalf("passwordHash=%q", hash)
	}

	if _, err := p.SignUp(ctx, "alice@example.com", "another1"); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("duplicate SignUp err=%v, want ErrEmailInUse", err)
	}

	in, err := p.SignIn(ctx, "ALICE@example.com", "hunter22")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if in.UID != sess.UID {
		t.Fatalf("SignIn uid=%q, want %q", in.UID, sess.UID)
	}

	principal, err := p.tokens.Verify(ctx, in.Token)
	if err != nil || principal.UID != sess.UID {
		t.Fatalf("token verify: p=%+v err=%v", principal, err)
	}

	if _, err := p.SignIn(ctx, "alice@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password err=%v", err)
	}
	if _, err := p.SignIn(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err=%v", err)
	}
}

func TestProvider_Validation(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	if _, err := p.SignUp(ctx, "not-an-email", "hunter22"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("err=%v, want ErrInvalidEmail", err)
	}
	if _, err := p.SignUp(ctx, "Bob <bob@example.com>", "hunter22"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("display-name form err=%v, want ErrInvalidEmail", err)
	}
	if _, err := p.SignUp(ctx, "bob@example.com", "12345"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err=%v, want ErrWeakPassword", err)
	}
}
