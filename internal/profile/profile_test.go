package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

func TestNameFallsBack(t *testing.T) {
	cases := []struct {
		p    Profile
		want string
	}{
		{Profile{DisplayName: "Alice", Email: "a@example.com"}, "Alice"},
		{Profile{Email: "bob@example.com"}, "bob"},
		{Profile{}, "Anonymous"},
	}
	for _, tc := range cases {
		if got := tc.p.Name(); got != tc.want {
			t.Fatalf("Name(%+v)=%q, want %q", tc.p, got, tc.want)
		}
	}
}

func TestRankFor(t *testing.T) {
	if got := RankFor("a@example.com"); got != RankMember {
		t.Fatalf("RankFor(email)=%q, want %q", got, RankMember)
	}
	if got := RankFor(""); got != RankGuest {
		t.Fatalf("RankFor(\"\")=%q, want %q", got, RankGuest)
	}
}

func TestTimedOut(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := Profile{TimeoutUntil: docstore.FormatTimestamp(now.Add(5 * time.Minute))}
	if !p.TimedOut(now) {
		t.Fatalf("TimedOut before expiry=false")
	}
	if p.TimedOut(now.Add(5 * time.Minute)) {
		t.Fatalf("TimedOut at expiry=true")
	}
	if (Profile{TimeoutUntil: "garbage"}).TimedOut(now) {
		t.Fatalf("unparseable timeout treated as active")
	}
	if (Profile{}).TimedOut(now) {
		t.Fatalf("no timeout treated as active")
	}
}

func TestGetAndSettings(t *testing.T) {
	store := docstore.NewMemory()
	defer store.Close()
	ctx := context.Background()

	if _, err := Get(ctx, store, "ghost"); !errors.Is(err, ErrUserNotFound) || !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("err=%v, want ErrUserNotFound wrapping ErrNotFound", err)
	}
	if _, err := Get(ctx, store, ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("empty uid err=%v, want ErrUserNotFound", err)
	}

	// The uid field falls back to the document id.
	if _, err := store.Set(ctx, Path("u1"), docstore.Data{"email": "u1@example.com"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p, err := Get(ctx, store, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.UID != "u1" || p.Name() != "u1" {
		t.Fatalf("profile=%+v", p)
	}

	s, err := GetSettings(ctx, store, "u1")
	if err != nil || s != DefaultSettings() {
		t.Fatalf("settings=%+v,%v, want defaults", s, err)
	}
	if _, err := store.Set(ctx, SettingsPath("u1"), docstore.Data{"theme": "dark", "notifications": false}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s, err = GetSettings(ctx, store, "u1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if want := (Settings{Theme: "dark", Notifications: false, LastActiveTab: "chat"}); s != want {
		t.Fatalf("settings=%+v, want %+v", s, want)
	}
}
