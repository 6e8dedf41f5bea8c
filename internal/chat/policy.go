package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/profile"
)

// Policy is the server-side write hook for the messages collection. It
// enforces the room switch and user timeouts, and rewrites each message so
// clients cannot forge the author, timestamp or rendered HTML.
type Policy struct {
	Store   docstore.Store
	Now     func() time.Time
	// Metrics counts accepted posts. May be nil.
	Metrics *metrics.Metrics
}

var _ docapi.WriteHook = (*Policy)(nil)

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Policy) BeforeWrite(ctx context.Context, w *docapi.Write) error {
	admin := w.Principal.Admin
	switch w.Op {
	case docapi.OpAdd, docapi.OpCreate:
	default:
		if admin {
			return nil
		}
		return ErrMessageReadOnly
	}

	if !admin {
		enabled, err := Enabled(ctx, p.Store)
		if err != nil {
			return err
		}
		if !enabled {
			return ErrChatDisabled
		}
	}

	author, err := profile.Get(ctx, p.Store, w.Principal.UID)
	switch {
	case errors.Is(err, profile.ErrUserNotFound):
		author = profile.Profile{UID: w.Principal.UID, Email: w.Principal.Email}
	case err != nil:
		return err
	}
	if !admin && author.TimedOut(p.now()) {
		return fmt.Errorf("%w until %s", ErrTimedOut, author.TimeoutUntil)
	}

	text, _ := w.Data["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	name, _ := w.Data["displayName"].(string)
	if name = strings.TrimSpace(name); name == "" {
		name = author.Name()
	}
	w.Data = docstore.Data{
		"text":        text,
		"html":        Render(text),
		"uid":         w.Principal.UID,
		"displayName": name,
		"createdAt":   docstore.ServerTimestamp,
	}
	p.Metrics.Inc(metrics.ChatMessagesPosted)
	return nil
}

// Enabled reports the room switch. A missing config document means enabled.
func Enabled(ctx context.Context, store docstore.Store) (bool, error) {
	doc, err := store.Get(ctx, ConfigPath)
	if errors.Is(err, docstore.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get chat config: %w", err)
	}
	enabled, ok := doc.Data["enabled"].(bool)
	return !ok || enabled, nil
}
