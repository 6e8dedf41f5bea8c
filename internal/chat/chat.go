// Package chat implements the shared chat room: posting and reading messages,
// the server-side write policy for the messages collection, and moderation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/profile"
)

const (
	MessagesCollection = "messages"
	// ConfigPath holds room settings: {enabled}.
	ConfigPath = "config/chat"

	AnonymousUID = "anon"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrChatDisabled    = errors.New("chat is disabled")
	ErrTimedOut        = errors.New("user is timed out")
	ErrMessageReadOnly = errors.New("messages cannot be edited")
)

type Message struct {
	ID          string `json:"-"`
	Text        string `json:"text"`
	HTML        string `json:"html,omitempty"`
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// Author identifies who posts a message.
type Author struct {
	UID         string
	DisplayName string
}

func AuthorFrom(p profile.Profile) Author {
	return Author{UID: p.UID, DisplayName: p.Name()}
}

type Service struct {
	store docstore.Store
}

func New(store docstore.Store) *Service {
	return &Service{store: store}
}

// Send posts text as author. Surrounding whitespace is trimmed; an empty
// message is rejected before any store call.
func (s *Service) Send(ctx context.Context, author Author, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	uid := author.UID
	if uid == "" {
		uid = AnonymousUID
	}
	name := author.DisplayName
	if name == "" {
		name = "Anonymous"
	}
	doc, err := s.store.Add(ctx, MessagesCollection, docstore.Data{
		"text":        text,
		"html":        Render(text),
		"uid":         uid,
		"displayName": name,
		"createdAt":   docstore.ServerTimestamp,
	})
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", fromWire(err))
	}
	return decodeMessage(doc)
}

// History returns up to limit of the most recent messages, oldest first. A
// limit of zero returns everything.
func (s *Service) History(ctx context.Context, limit int) ([]Message, error) {
	q := docstore.Query{OrderBy: "createdAt"}
	if limit > 0 {
		q.Desc = true
		q.Limit = limit
	}
	docs, err := s.store.Query(ctx, MessagesCollection, q)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if q.Desc {
		slices.Reverse(out)
	}
	return out, nil
}

// Watch streams messages in createdAt order: the existing ones first, then
// each new message as it is added.
func (s *Service) Watch(ctx context.Context) (<-chan Message, error) {
	changes, err := s.store.WatchCollection(ctx, MessagesCollection, docstore.Query{OrderBy: "createdAt"})
	if err != nil {
		return nil, fmt.Errorf("watch chat: %w", err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for batch := range changes {
			for _, ch := range batch {
				if ch.Type != docstore.ChangeAdded {
					continue
				}
				m, err := decodeMessage(ch.Doc)
				if err != nil {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeMessage(doc docstore.Document) (Message, error) {
	var m Message
	if err := doc.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", doc.ID, err)
	}
	m.ID = doc.ID
	return m, nil
}

// fromWire restores policy sentinels from a rejection relayed by the server,
// which only carries the error text.
func fromWire(err error) error {
	if !errors.Is(err, docapi.ErrWriteRejected) {
		return err
	}
	for _, sentinel := range []error{ErrChatDisabled, ErrTimedOut, ErrEmptyMessage, ErrMessageReadOnly} {
		if errors.Is(err, sentinel) {
			return err
		}
		if strings.Contains(err.Error(), sentinel.Error()) {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
	}
	return err
}
