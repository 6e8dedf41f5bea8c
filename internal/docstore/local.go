package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to random UUIDs.
	NewID func() string
}

// Local is the in-process Store. All writes are serialized and change
// notifications are queued to watchers while the write lock is held, so every
// watcher observes writes in commit order.
type Local struct {
	backend Backend
	now     func() time.Time
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	seq         uint64
	docWatchers map[string]map[*docWatcher]struct{}
	colWatchers map[string]map[*colWatcher]struct{}
}

type docWatcher struct {
	q *queue[DocumentSnapshot]
}

type colWatcher struct {
	query   Query
	q       *queue[[]Change]
	matched map[string]bool
}

var _ Store = (*Local)(nil)

// New wraps backend in a Local store.
func New(backend Backend, opts Options) (*Local, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	seq, err := backend.MaxSeq()
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		backend:     backend,
		now:         opts.Now,
		newID:       opts.NewID,
		ctx:         ctx,
		cancel:      cancel,
		seq:         seq,
		docWatchers: make(map[string]map[*docWatcher]struct{}),
		colWatchers: make(map[string]map[*colWatcher]struct{}),
	}, nil
}

// NewMemory returns a Local store backed by memory.
func NewMemory() *Local {
	l, _ := New(NewMemoryBackend(), Options{})
	return l
}

// Close ends every subscription and closes the backend.
func (l *Local) Close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend.Close()
}

func (l *Local) NewID() string { return l.newID() }

func (l *Local) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (l *Local) Get(ctx context.Context, path string) (Document, error) {
	if err := l.checkOpen(ctx); err != nil {
		return Document{}, err
	}
	canonical, _, _, err := DocPath(path)
	if err != nil {
		return Document{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok, err := l.backend.Get(canonical)
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", canonical, err)
	}
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	return doc, nil
}

func (l *Local) Create(ctx context.Context, path string, data Data) (Document, error) {
	return l.write(ctx, path, data, true, false)
}

func (l *Local) Set(ctx context.Context, path string, data Data, opts ...SetOption) (Document, error) {
	return l.write(ctx, path, data, false, IsMerge(opts...))
}

func (l *Local) Add(ctx context.Context, collection string, data Data) (Document, error) {
	canonical, err := CollectionPath(collection)
	if err != nil {
		return Document{}, err
	}
	return l.write(ctx, Join(canonical, l.newID()), data, true, false)
}

func (l *Local) write(ctx context.Context, path string, data Data, mustCreate, merge bool) (Document, error) {
	if err := l.checkOpen(ctx); err != nil {
		return Document{}, err
	}
	canonical, _, id, err := DocPath(path)
	if err != nil {
		return Document{}, err
	}
	fields, err := normalize(data)
	if err != nil {
		return Document{}, fmt.Errorf("write %s: %w", canonical, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, exists, err := l.backend.Get(canonical)
	if err != nil {
		return Document{}, fmt.Errorf("write %s: %w", canonical, err)
	}
	if exists && mustCreate {
		return Document{}, fmt.Errorf("%w: %s", ErrAlreadyExists, canonical)
	}

	now := l.now().UTC()
	next := Document{Path: canonical, ID: id, Data: Data{}, CreateTime: now, UpdateTime: now}
	if exists {
		next.CreateTime = prev.CreateTime
		next.Seq = prev.Seq
		if merge {
			next.Data = cloneData(prev.Data)
		}
	} else {
		l.seq++
		next.Seq = l.seq
	}
	if err := applyFields(next.Data, fields, now); err != nil {
		return Document{}, fmt.Errorf("write %s: %w", canonical, err)
	}
	if err := l.backend.Put(next); err != nil {
		return Document{}, fmt.Errorf("write %s: %w", canonical, err)
	}

	var before *Document
	if exists {
		before = &prev
	}
	l.notifyLocked(canonical, before, &next)
	return next.clone(), nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := l.checkOpen(ctx); err != nil {
		return err
	}
	canonical, _, _, err := DocPath(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, exists, err := l.backend.Get(canonical)
	if err != nil {
		return fmt.Errorf("delete %s: %w", canonical, err)
	}
	if !exists {
		return nil
	}
	if err := l.backend.Delete(canonical); err != nil {
		return fmt.Errorf("delete %s: %w", canonical, err)
	}
	l.notifyLocked(canonical, &prev, nil)
	return nil
}

func (l *Local) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := l.checkOpen(ctx); err != nil {
		return nil, err
	}
	canonical, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	q, err = q.normalized()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	docs, err := l.backend.List(canonical)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", canonical, err)
	}
	return q.apply(docs), nil
}

func (l *Local) WatchDocument(ctx context.Context, path string) (<-chan DocumentSnapshot, error) {
	if err := l.checkOpen(ctx); err != nil {
		return nil, err
	}
	canonical, _, _, err := DocPath(path)
	if err != nil {
		return nil, err
	}

	w := &docWatcher{q: newQueue[DocumentSnapshot]()}

	l.mu.Lock()
	doc, ok, err := l.backend.Get(canonical)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("watch %s: %w", canonical, err)
	}
	w.q.push(DocumentSnapshot{Path: canonical, Exists: ok, Doc: doc})
	set, found := l.docWatchers[canonical]
	if !found {
		set = make(map[*docWatcher]struct{})
		l.docWatchers[canonical] = set
	}
	set[w] = struct{}{}
	l.mu.Unlock()

	out := make(chan DocumentSnapshot)
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	go w.q.pump(wctx, out, func() {
		stop()
		cancel()
		l.mu.Lock()
		delete(l.docWatchers[canonical], w)
		if len(l.docWatchers[canonical]) == 0 {
			delete(l.docWatchers, canonical)
		}
		l.mu.Unlock()
	})
	return out, nil
}

func (l *Local) WatchCollection(ctx context.Context, collection string, q Query) (<-chan []Change, error) {
	if err := l.checkOpen(ctx); err != nil {
		return nil, err
	}
	canonical, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	q, err = q.normalized()
	if err != nil {
		return nil, err
	}
	// Limits are not meaningful for incremental change streams.
	q.Limit = 0

	w := &colWatcher{query: q, q: newQueue[[]Change](), matched: make(map[string]bool)}

	l.mu.Lock()
	docs, err := l.backend.List(canonical)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("watch %s: %w", canonical, err)
	}
	initial := make([]Change, 0, len(docs))
	for _, d := range q.apply(docs) {
		w.matched[d.Path] = true
		initial = append(initial, Change{Type: ChangeAdded, Doc: d})
	}
	w.q.push(initial)
	set, found := l.colWatchers[canonical]
	if !found {
		set = make(map[*colWatcher]struct{})
		l.colWatchers[canonical] = set
	}
	set[w] = struct{}{}
	l.mu.Unlock()

	out := make(chan []Change)
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	go w.q.pump(wctx, out, func() {
		stop()
		cancel()
		l.mu.Lock()
		delete(l.colWatchers[canonical], w)
		if len(l.colWatchers[canonical]) == 0 {
			delete(l.colWatchers, canonical)
		}
		l.mu.Unlock()
	})
	return out, nil
}

// notifyLocked fans one committed write out to watchers. before is nil for
// creates and after is nil for deletes.
func (l *Local) notifyLocked(path string, before, after *Document) {
	snap := DocumentSnapshot{Path: path}
	if after != nil {
		snap.Exists = true
		snap.Doc = after.clone()
	}
	for w := range l.docWatchers[path] {
		s := snap
		s.Doc = snap.Doc.clone()
		w.q.push(s)
	}

	_, parent, _, _ := DocPath(path)
	for w := range l.colWatchers[parent] {
		was := w.matched[path]
		now := after != nil && w.query.matches(*after)
		var c Change
		switch {
		case !was && now:
			c = Change{Type: ChangeAdded, Doc: after.clone()}
		case was && now:
			c = Change{Type: ChangeModified, Doc: after.clone()}
		case was && !now:
			src := before
			if after != nil {
				src = after
			}
			c = Change{Type: ChangeRemoved, Doc: src.clone()}
		default:
			continue
		}
		if now {
			w.matched[path] = true
		} else {
			delete(w.matched, path)
		}
		w.q.push([]Change{c})
	}
}
