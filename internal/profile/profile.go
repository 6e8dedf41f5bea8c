// Package profile holds the user-facing documents shared by the client, chat
// and social packages: users/{uid} and userSettings/{uid}.
package profile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

const (
	UsersCollection    = "users"
	SettingsCollection = "userSettings"
)

const (
	RankMember = "member"
	RankGuest  = "guest"
)

// ErrUserNotFound wraps docstore.ErrNotFound so it maps to 404 on the wire.
var ErrUserNotFound = fmt.Errorf("user not found: %w", docstore.ErrNotFound)

// Profile is the public users/{uid} document.
type Profile struct {
	UID            string   `json:"uid"`
	Email          string   `json:"email,omitempty"`
	DisplayName    string   `json:"displayName,omitempty"`
	Rank           string   `json:"rank,omitempty"`
	IsOnline       bool     `json:"isOnline"`
	CreatedAt      string   `json:"createdAt,omitempty"`
	LastSeen       string   `json:"lastSeen,omitempty"`
	Friends        []string `json:"friends,omitempty"`
	FriendRequests []string `json:"friendRequests,omitempty"`
	TimeoutUntil   string   `json:"timeoutUntil,omitempty"`
}

// Name is the display name, falling back to the email local part.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if local := LocalPart(p.Email); local != "" {
		return local
	}
	return "Anonymous"
}

// TimedOut reports whether a moderator timeout is still running at now.
func (p Profile) TimedOut(now time.Time) bool {
	if p.TimeoutUntil == "" {
		return false
	}
	until, err := docstore.ParseTimestamp(p.TimeoutUntil)
	return err == nil && now.Before(until)
}

func (p Profile) HasFriendRequest(uid string) bool {
	return slices.Contains(p.FriendRequests, uid)
}

type Settings struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
	LastActiveTab string `json:"lastActiveTab"`
}

func DefaultSettings() Settings {
	return Settings{Theme: "light", Notifications: true, LastActiveTab: "chat"}
}

// RankFor returns the rank a new account gets.
func RankFor(email string) string {
	if email != "" {
		return RankMember
	}
	return RankGuest
}

func LocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func Path(uid string) string { return docstore.Join(UsersCollection, uid) }

func SettingsPath(uid string) string { return docstore.Join(SettingsCollection, uid) }

// Get loads users/{uid}.
func Get(ctx context.Context, store docstore.Store, uid string) (Profile, error) {
	if uid == "" {
		return Profile{}, ErrUserNotFound
	}
	doc, err := store.Get(ctx, Path(uid))
	if errors.Is(err, docstore.ErrNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get user %s: %w", uid, err)
	}
	return Decode(doc)
}

func Decode(doc docstore.Document) (Profile, error) {
	var p Profile
	if err := doc.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode user %s: %w", doc.ID, err)
	}
	if p.UID == "" {
		p.UID = doc.ID
	}
	return p, nil
}

// GetSettings loads userSettings/{uid}, returning defaults when the document
// is missing.
func GetSettings(ctx context.Context, store docstore.Store, uid string) (Settings, error) {
	doc, err := store.Get(ctx, SettingsPath(uid))
	if errors.Is(err, docstore.ErrNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings %s: %w", uid, err)
	}
	s := DefaultSettings()
	if err := doc.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", uid, err)
	}
	return s, nil
}
