package docapi

import (
	"errors"
	"fmt"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

// Listen stream message types.
const (
	MessageTypeAuth            = "auth"
	MessageTypeWatchDocument   = "watchDocument"
	MessageTypeWatchCollection = "watchCollection"
	MessageTypeUnwatch         = "unwatch"

	MessageTypeDocument = "document"
	MessageTypeChanges  = "changes"
	MessageTypeError    = "error"
)

// ClientMessage is any message a client sends on /v1/listen.
type ClientMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Path  string          `json:"path,omitempty"`
	Query *docstore.Query `json:"query,omitempty"`

	Token  string `json:"token,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

// ServerMessage is any message the server sends on /v1/listen.
type ServerMessage struct {
	Type     string                     `json:"type"`
	ID       string                     `json:"id,omitempty"`
	Snapshot *docstore.DocumentSnapshot `json:"snapshot,omitempty"`
	Changes  []docstore.Change          `json:"changes,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var errBadMessage = errors.New("bad message")

func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	switch msg.Type {
	case MessageTypeAuth:
	case MessageTypeWatchDocument, MessageTypeWatchCollection:
		if msg.ID == "" || msg.Path == "" {
			return ClientMessage{}, fmt.Errorf("%w: %s requires id and path", errBadMessage, msg.Type)
		}
	case MessageTypeUnwatch:
		if msg.ID == "" {
			return ClientMessage{}, fmt.Errorf("%w: unwatch requires id", errBadMessage)
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", errBadMessage, msg.Type)
	}
	return msg, nil
}
