// Package docstore implements a schema-less realtime document store.
//
// Documents live at slash-separated paths that alternate collection and
// document segments ("calls/abc", "calls/abc/offerCandidates/xyz"). Writers
// create, replace, merge, append and delete documents; readers fetch, query,
// and subscribe to single documents or whole collections. Subscriptions are
// delivered as cancellable channel streams in write order.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrInvalidPath   = errors.New("invalid document path")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrClosed        = errors.New("store closed")
)

// Data is the field map of a document. Values are JSON-shaped: string,
// float64, bool, nil, []any and map[string]any.
type Data map[string]any

type Document struct {
	Path       string    `json:"path"`
	ID         string    `json:"id"`
	Data       Data      `json:"data"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
	// Seq is the store-wide creation sequence. It orders appends within a
	// collection and is preserved across updates.
	Seq uint64 `json:"seq"`
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

func (d Document) clone() Document {
	d.Data = cloneData(d.Data)
	return d
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type ChangeType `json:"type"`
	Doc  Document   `json:"doc"`
}

// DocumentSnapshot is one observation of a watched document.
type DocumentSnapshot struct {
	Path   string   `json:"path"`
	Exists bool     `json:"exists"`
	Doc    Document `json:"doc"`
}

// Store is the document store API shared by the local implementation and the
// remote client.
type Store interface {
	// NewID returns a fresh document identifier.
	NewID() string

	Get(ctx context.Context, path string) (Document, error)
	// Create fails with ErrAlreadyExists if the document exists.
	Create(ctx context.Context, path string, data Data) (Document, error)
	Set(ctx context.Context, path string, data Data, opts ...SetOption) (Document, error)
	// Add creates a document with a generated ID in collection.
	Add(ctx context.Context, collection string, data Data) (Document, error)
	// Delete is idempotent.
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// WatchDocument emits the current snapshot, then one snapshot per write.
	// The channel closes when ctx is done or the store closes.
	WatchDocument(ctx context.Context, path string) (<-chan DocumentSnapshot, error)
	// WatchCollection emits the current matching documents as one batch of
	// added changes, then one batch per write that affects the result set.
	WatchCollection(ctx context.Context, collection string, q Query) (<-chan []Change, error)
}

type setOptions struct {
	merge bool
}

type SetOption func(*setOptions)

// Merge makes Set update only the supplied top-level fields instead of
// replacing the document.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

// IsMerge reports whether opts request a merge write.
func IsMerge(opts ...SetOption) bool {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.merge
}
