package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/docstore"
)

// Store implements docstore.Store against a chatcall-server. Watches share
// one WebSocket, dialed on first use. When that connection drops every open
// watch channel closes; there is no automatic resubscription.
type Store struct {
	c *Client

	mu       sync.Mutex
	listener *listener
}

var _ docstore.Store = (*Store)(nil)

func (s *Store) NewID() string { return uuid.NewString() }

func escapePath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	var doc docstore.Document
	err := s.c.do(ctx, http.MethodGet, "/v1/docs/"+escapePath(path), nil, &doc)
	return doc, err
}

func (s *Store) Create(ctx context.Context, path string, data docstore.Data) (docstore.Document, error) {
	if _, _, _, err := docstore.DocPath(path); err != nil {
		return docstore.Document{}, err
	}
	var doc docstore.Document
	err := s.c.do(ctx, http.MethodPost, "/v1/docs/"+escapePath(path), docapi.WriteRequest{Data: data}, &doc)
	return doc, err
}

func (s *Store) Set(ctx context.Context, path string, data docstore.Data, opts ...docstore.SetOption) (docstore.Document, error) {
	route := "/v1/docs/" + escapePath(path)
	if docstore.IsMerge(opts...) {
		route += "?merge=1"
	}
	var doc docstore.Document
	err := s.c.do(ctx, http.MethodPut, route, docapi.WriteRequest{Data: data}, &doc)
	return doc, err
}

func (s *Store) Add(ctx context.Context, collection string, data docstore.Data) (docstore.Document, error) {
	if _, err := docstore.CollectionPath(collection); err != nil {
		return docstore.Document{}, err
	}
	var doc docstore.Document
	err := s.c.do(ctx, http.MethodPost, "/v1/docs/"+escapePath(collection), docapi.WriteRequest{Data: data}, &doc)
	return doc, err
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.c.do(ctx, http.MethodDelete, "/v1/docs/"+escapePath(path), nil, nil)
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	var resp docapi.QueryResponse
	if err := s.c.do(ctx, http.MethodPost, "/v1/query/"+escapePath(collection), q, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (s *Store) WatchDocument(ctx context.Context, path string) (<-chan docstore.DocumentSnapshot, error) {
	l, err := s.getListener(ctx)
	if err != nil {
		return nil, err
	}
	in, err := l.subscribe(ctx, docapi.ClientMessage{Type: docapi.MessageTypeWatchDocument, Path: path})
	if err != nil {
		return nil, err
	}
	out := make(chan docstore.DocumentSnapshot)
	go forward(ctx, in, out, func(msg docapi.ServerMessage) (docstore.DocumentSnapshot, bool) {
		if msg.Snapshot == nil {
			return docstore.DocumentSnapshot{}, false
		}
		return *msg.Snapshot, true
	})
	return out, nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string, q docstore.Query) (<-chan []docstore.Change, error) {
	l, err := s.getListener(ctx)
	if err != nil {
		return nil, err
	}
	in, err := l.subscribe(ctx, docapi.ClientMessage{Type: docapi.MessageTypeWatchCollection, Path: collection, Query: &q})
	if err != nil {
		return nil, err
	}
	out := make(chan []docstore.Change)
	go forward(ctx, in, out, func(msg docapi.ServerMessage) ([]docstore.Change, bool) {
		if msg.Changes == nil {
			return []docstore.Change{}, true
		}
		return msg.Changes, true
	})
	return out, nil
}

// forward converts wire messages until ctx is done or in closes.
func forward[T any](ctx context.Context, in <-chan docapi.ServerMessage, out chan<- T, convert func(docapi.ServerMessage) (T, bool)) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			v, ok := convert(msg)
			if !ok {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) getListener(ctx context.Context) (*listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil && !s.listener.closed() {
		return s.listener, nil
	}
	l, err := dialListener(ctx, s.c.baseURL, s.c.Token())
	if err != nil {
		return nil, err
	}
	s.listener = l
	return l, nil
}

func (s *Store) resetListener() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// Close drops the realtime connection, closing every watch.
func (s *Store) Close() error {
	s.resetListener()
	return nil
}
