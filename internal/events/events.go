// Package events holds the admin tools for scheduling events and handing out
// invite codes.
package events

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/docstore"
)

const (
	EventsCollection      = "events"
	InviteCodesCollection = "inviteCodes"

	InviteCodeLength = 6
	// ListLimit caps ListInviteCodes.
	ListLimit = 10
)

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	ErrMissingName  = errors.New("event name is required")
	ErrMissingDate  = errors.New("event date is required")
	ErrMissingActor = errors.New("creator uid is required")
)

type Event struct {
	ID        string `json:"-"`
	Name      string `json:"name"`
	Date      string `json:"date"`
	CreatedBy string `json:"createdBy"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type InviteCode struct {
	ID        string `json:"-"`
	Code      string `json:"code"`
	CreatedBy string `json:"createdBy"`
	CreatedAt string `json:"createdAt,omitempty"`
	Used      bool   `json:"used"`
}

type Service struct {
	store docstore.Store
	// Rand feeds invite codes. Defaults to crypto/rand.
	Rand io.Reader
}

func New(store docstore.Store) *Service {
	return &Service{store: store, Rand: rand.Reader}
}

func (s *Service) CreateEvent(ctx context.Context, name string, date time.Time, by string) (Event, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return Event{}, ErrMissingName
	case date.IsZero():
		return Event{}, ErrMissingDate
	case by == "":
		return Event{}, ErrMissingActor
	}
	doc, err := s.store.Add(ctx, EventsCollection, docstore.Data{
		"name":      name,
		"date":      docstore.FormatTimestamp(date),
		"createdBy": by,
		"createdAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return Event{}, fmt.Errorf("create event: %w", err)
	}
	var ev Event
	if err := doc.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	ev.ID = doc.ID
	return ev, nil
}

// Events lists events by date.
func (s *Service) Events(ctx context.Context) ([]Event, error) {
	docs, err := s.store.Query(ctx, EventsCollection, docstore.Query{OrderBy: "date"})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Event, 0, len(docs))
	for _, doc := range docs {
		var ev Event
		if err := doc.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", doc.ID, err)
		}
		ev.ID = doc.ID
		out = append(out, ev)
	}
	return out, nil
}

// GenerateInviteCode stores a fresh unused code. Codes are not checked for
// uniqueness.
func (s *Service) GenerateInviteCode(ctx context.Context, by string) (InviteCode, error) {
	if by == "" {
		return InviteCode{}, ErrMissingActor
	}
	code, err := s.newCode()
	if err != nil {
		return InviteCode{}, err
	}
	doc, err := s.store.Add(ctx, InviteCodesCollection, docstore.Data{
		"code":      code,
		"createdBy": by,
		"createdAt": docstore.ServerTimestamp,
		"used":      false,
	})
	if err != nil {
		return InviteCode{}, fmt.Errorf("store invite code: %w", err)
	}
	return decodeCode(doc)
}

// ListInviteCodes returns the newest codes created by uid.
func (s *Service) ListInviteCodes(ctx context.Context, by string) ([]InviteCode, error) {
	q := docstore.Query{OrderBy: "createdAt", Desc: true, Limit: ListLimit}.
		Filter("createdBy", docstore.OpEqual, by)
	docs, err := s.store.Query(ctx, InviteCodesCollection, q)
	if err != nil {
		return nil, fmt.Errorf("list invite codes: %w", err)
	}
	out := make([]InviteCode, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeCode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) newCode() (string, error) {
	r := s.Rand
	if r == nil {
		r = rand.Reader
	}
	// Bytes >= maxUnbiased are rejected so every symbol is equally likely.
	const maxUnbiased = 256 - 256%len(codeAlphabet)
	code := make([]byte, 0, InviteCodeLength)
	var buf [InviteCodeLength]byte
	for len(code) < InviteCodeLength {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		for _, b := range buf {
			if int(b) < maxUnbiased && len(code) < InviteCodeLength {
				code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			}
		}
	}
	return string(code), nil
}

func decodeCode(doc docstore.Document) (InviteCode, error) {
	var c InviteCode
	if err := doc.Decode(&c); err != nil {
		return InviteCode{}, fmt.Errorf("decode invite code %s: %w", doc.ID, err)
	}
	c.ID = doc.ID
	return c, nil
}
