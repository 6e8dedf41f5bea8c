// Package client keeps the signed-in user's session and profile in step with
// the document store: registration bootstraps the profile and settings
// documents, login and logout maintain presence.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/profile"
)

var (
	ErrMissingEmail    = errors.New("email is required")
	ErrMissingPassword = errors.New("password is required")
	ErrNotSignedIn     = errors.New("not signed in")
)

// Accounts is the identity provider. remote.Client implements it; SetToken
// switches the credential the document store uses.
type Accounts interface {
	SignUp(ctx context.Context, email, password string) (auth.Session, error)
	SignIn(ctx context.Context, email, password string) (auth.Session, error)
	SetToken(token string)
}

// User is the signed-in user.
type User struct {
	Session  auth.Session
	Profile  profile.Profile
	Settings profile.Settings
}

func (u *User) UID() string { return u.Session.UID }

type Client struct {
	accounts Accounts
	store    docstore.Store
	log      *slog.Logger

	mu       sync.Mutex
	current  *User
	watchers map[chan *User]struct{}
}

func New(accounts Accounts, store docstore.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		accounts: accounts,
		store:    store,
		log:      logger,
		watchers: make(map[chan *User]struct{}),
	}
}

func validateCredentials(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrMissingEmail
	}
	if password == "" {
		return "", ErrMissingPassword
	}
	return email, nil
}

// Register creates the account, its public profile and default settings.
// An empty displayName defaults to the email local part.
func (c *Client) Register(ctx context.Context, email, password, displayName string) (*User, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}
	sess, err := c.accounts.SignUp(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = profile.LocalPart(sess.Email)
	}

	if _, err := c.store.Set(ctx, profile.Path(sess.UID), docstore.Data{
		"uid":            sess.UID,
		"email":          sess.Email,
		"displayName":    displayName,
		"createdAt":      docstore.ServerTimestamp,
		"lastSeen":       docstore.ServerTimestamp,
		"isOnline":       true,
		"rank":           profile.RankFor(sess.Email),
		"friends":        []any{},
		"friendRequests": []any{},
	}); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	settings := profile.DefaultSettings()
	if _, err := c.store.Set(ctx, profile.SettingsPath(sess.UID), docstore.Data{
		"theme":         settings.Theme,
		"notifications": settings.Notifications,
		"lastActiveTab": settings.LastActiveTab,
		"createdAt":     docstore.ServerTimestamp,
	}); err != nil {
		return nil, fmt.Errorf("create settings: %w", err)
	}
	c.log.Info("registered", "uid", sess.UID)
	return c.load(ctx, sess)
}

// Login signs in and marks the user online.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}
	sess, err := c.accounts.SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if err := c.setPresence(ctx, sess.UID, true); err != nil {
		return nil, err
	}
	return c.load(ctx, sess)
}

// Resume restores a saved session without contacting the identity provider.
func (c *Client) Resume(ctx context.Context, sess auth.Session) (*User, error) {
	if sess.Token == "" || sess.UID == "" {
		return nil, ErrNotSignedIn
	}
	c.accounts.SetToken(sess.Token)
	return c.load(ctx, sess)
}

// Logout marks the user offline and drops the credential. The credential is
// dropped even when the presence update fails.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil
	}
	err := c.setPresence(ctx, cur.UID(), false)
	c.accounts.SetToken("")
	c.publish(nil)
	c.log.Info("logged out", "uid", cur.UID())
	return err
}

func (c *Client) Current() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SaveSettings merges non-empty fields of s into the user's settings.
func (c *Client) SaveSettings(ctx context.Context, s profile.Settings) (*User, error) {
	cur := c.Current()
	if cur == nil {
		return nil, ErrNotSignedIn
	}
	data := docstore.Data{
		"notifications": s.Notifications,
		"updatedAt":     docstore.ServerTimestamp,
	}
	if s.Theme != "" {
		data["theme"] = s.Theme
	}
	if s.LastActiveTab != "" {
		data["lastActiveTab"] = s.LastActiveTab
	}
	if _, err := c.store.Set(ctx, profile.SettingsPath(cur.UID()), data, docstore.Merge()); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	return c.load(ctx, cur.Session)
}

// SetDisplayName updates the user's public display name.
func (c *Client) SetDisplayName(ctx context.Context, name string) (*User, error) {
	cur := c.Current()
	if cur == nil {
		return nil, ErrNotSignedIn
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return cur, nil
	}
	if _, err := c.store.Set(ctx, profile.Path(cur.UID()), docstore.Data{
		"displayName": name,
		"updatedAt":   docstore.ServerTimestamp,
	}, docstore.Merge()); err != nil {
		return nil, fmt.Errorf("set display name: %w", err)
	}
	return c.load(ctx, cur.Session)
}

// AuthState streams the signed-in user, nil when signed out. The current
// value is sent first; a slow reader only sees the latest value.
func (c *Client) AuthState(ctx context.Context) <-chan *User {
	ch := make(chan *User, 1)
	c.mu.Lock()
	ch <- c.current
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	out := make(chan *User)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-ch:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (c *Client) setPresence(ctx context.Context, uid string, online bool) error {
	_, err := c.store.Set(ctx, profile.Path(uid), docstore.Data{
		"isOnline": online,
		"lastSeen": docstore.ServerTimestamp,
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (c *Client) load(ctx context.Context, sess auth.Session) (*User, error) {
	p, err := profile.Get(ctx, c.store, sess.UID)
	if err != nil {
		return nil, err
	}
	settings, err := profile.GetSettings(ctx, c.store, sess.UID)
	if err != nil {
		return nil, err
	}
	u := &User{Session: sess, Profile: p, Settings: settings}
	c.publish(u)
	return u, nil
}

func (c *Client) publish(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = u
	for ch := range c.watchers {
		// Replace any value the watcher has not picked up yet.
		select {
		case <-ch:
		default:
		}
		ch <- u
	}
}
