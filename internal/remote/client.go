// Package remote talks to a chatcall-server: accounts and moderation through
// Client, documents through Store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
)

// APIError is a non-2xx response. It unwraps to the matching package
// sentinel (docstore.ErrNotFound, auth.ErrInvalidCredentials, ...) so callers
// can use errors.Is across the wire.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (http %d)", e.Code, e.Status)
	}
	return e.Message
}

var codeSentinels = map[string]error{
	"unauthenticated":     auth.ErrMissingCredentials,
	"unauthorized":        auth.ErrInvalidCredentials,
	"invalid_credentials": auth.ErrInvalidCredentials,
	"invalid_email":       auth.ErrInvalidEmail,
	"weak_password":       auth.ErrWeakPassword,
	"email_in_use":        auth.ErrEmailInUse,
	"permission_denied":   docapi.ErrPermissionDenied,
	"write_rejected":      docapi.ErrWriteRejected,
	"not_found":           docstore.ErrNotFound,
	"already_exists":      docstore.ErrAlreadyExists,
	"invalid_path":        docstore.ErrInvalidPath,
	"invalid_query":       docstore.ErrInvalidQuery,
}

func (e *APIError) Unwrap() error {
	return codeSentinels[e.Code]
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
	store *Store
}

// New returns a client for the server at baseURL (e.g. http://127.0.0.1:8080).
// A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the credential used for requests. Open watches were
// authenticated with the old token and are closed.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	store := c.store
	c.mu.Unlock()
	if store != nil {
		store.resetListener()
	}
}

// Store returns the document store backed by this client.
func (c *Client) Store() *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = &Store{c: c}
	}
	return c.store
}

func (c *Client) SignUp(ctx context.Context, email, password string) (auth.Session, error) {
	return c.signIn(ctx, "/v1/auth/signup", email, password)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (auth.Session, error) {
	return c.signIn(ctx, "/v1/auth/signin", email, password)
}

func (c *Client) signIn(ctx context.Context, route, email, password string) (auth.Session, error) {
	var sess auth.Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, route, body, &sess); err != nil {
		return auth.Session{}, err
	}
	c.SetToken(sess.Token)
	return sess, nil
}

func (c *Client) Me(ctx context.Context) (auth.Principal, error) {
	var p auth.Principal
	err := c.do(ctx, http.MethodGet, "/v1/auth/me", nil, &p)
	return p, err
}

// ClearChat, SetChatEnabled and TimeoutUser need an admin credential.

func (c *Client) ClearChat(ctx context.Context) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/admin/chat/clear", nil, &resp)
	return resp.Deleted, err
}

func (c *Client) SetChatEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/chat/enabled", docapi.ChatEnabledRequest{Enabled: &enabled}, nil)
}

func (c *Client) TimeoutUser(ctx context.Context, uid string, d time.Duration) (time.Time, error) {
	var resp struct {
		TimeoutUntil string `json:"timeoutUntil"`
	}
	route := "/v1/admin/users/" + url.PathEscape(uid) + "/timeout"
	if err := c.do(ctx, http.MethodPost, route, docapi.TimeoutRequest{Minutes: int(d / time.Minute)}, &resp); err != nil {
		return time.Time{}, err
	}
	return docstore.ParseTimestamp(resp.TimeoutUntil)
}

var _ docapi.Moderator = (*Client)(nil)

// ICEServers fetches the server's ICE configuration, including TURN REST
// credentials when the server issues them.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(ctx, http.MethodGet, "/webrtc/ice", nil, &resp); err != nil {
		return nil, err
	}
	if resp.ICEServers == nil {
		resp.ICEServers = []webrtc.ICEServer{}
	}
	return resp.ICEServers, nil
}

func (c *Client) do(ctx context.Context, method, route string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "http_error"}
		var wire docapi.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&wire); err == nil && wire.Code != "" {
			apiErr.Code, apiErr.Message = wire.Code, wire.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}
