package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/profile"
)

// Moderation implements the admin actions against the server's own store.
type Moderation struct {
	Store  docstore.Store
	Now    func() time.Time
	Logger *slog.Logger
}

var _ docapi.Moderator = (*Moderation)(nil)

func (m *Moderation) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Moderation) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// ClearChat deletes every message and returns how many were removed.
func (m *Moderation) ClearChat(ctx context.Context) (int, error) {
	docs, err := m.Store.Query(ctx, MessagesCollection, docstore.Query{})
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}
	for i, doc := range docs {
		if err := m.Store.Delete(ctx, doc.Path); err != nil {
			return i, fmt.Errorf("delete message %s: %w", doc.ID, err)
		}
	}
	m.log().Info("chat cleared", "deleted", len(docs))
	return len(docs), nil
}

func (m *Moderation) SetChatEnabled(ctx context.Context, enabled bool) error {
	if _, err := m.Store.Set(ctx, ConfigPath, docstore.Data{
		"enabled":   enabled,
		"updatedAt": docstore.ServerTimestamp,
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("set chat enabled: %w", err)
	}
	m.log().Info("chat toggled", "enabled", enabled)
	return nil
}

// TimeoutUser blocks uid from posting for d.
func (m *Moderation) TimeoutUser(ctx context.Context, uid string, d time.Duration) (time.Time, error) {
	if _, err := profile.Get(ctx, m.Store, uid); err != nil {
		return time.Time{}, err
	}
	until := m.now().Add(d).UTC()
	if _, err := m.Store.Set(ctx, profile.Path(uid), docstore.Data{
		"timeoutUntil": docstore.FormatTimestamp(until),
	}, docstore.Merge()); err != nil {
		return time.Time{}, fmt.Errorf("timeout user: %w", err)
	}
	m.log().Info("user timed out", "uid", uid, "until", until)
	return until, nil
}
