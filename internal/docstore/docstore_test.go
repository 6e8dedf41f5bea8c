package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T) *Local {
	t.Helper()
	clk := &stepClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	var n int
	var mu sync.Mutex
	s, err := New(NewMemoryBackend(), Options{
		Now: clk.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id%03d", n)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPaths(t *testing.T) {
	canonical, parent, id, err := DocPath("/calls/abc/offerCandidates/x1/")
	if err != nil {
		t.Fatalf("DocPath: %v", err)
	}
	if canonical != "calls/abc/offerCandidates/x1" || parent != "calls/abc/offerCandidates" || id != "x1" {
		t.Fatalf("DocPath=(%q,%q,%q)", canonical, parent, id)
	}
	for _, bad := range []string{"", "calls", "calls/abc/offerCandidates", "calls//abc", "calls/.."} {
		if _, _, _, err := DocPath(bad); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("DocPath(%q) err=%v, want ErrInvalidPath", bad, err)
		}
	}
	if _, err := CollectionPath("calls/abc"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("CollectionPath(doc) err=%v, want ErrInvalidPath", err)
	}
}

func TestGetCreateSetMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "calls/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err=%v, want ErrNotFound", err)
	}

	if _, err := s.Create(ctx, "calls/c1", Data{"offer": map[string]any{"type": "offer", "sdp": "v=0"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "calls/c1", Data{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create err=%v, want ErrAlreadyExists", err)
	}

	if _, err := s.Set(ctx, "calls/c1", Data{"answer": map[string]any{"type": "answer", "sdp": "v=1"}}, Merge()); err != nil {
		t.Fatalf("Set merge: %v", err)
	}
	doc, err := s.Get(ctx, "calls/c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Data["offer"] == nil || doc.Data["answer"] == nil {
		t.Fatalf("merge lost a field: %v", doc.Data)
	}
	if !doc.UpdateTime.After(doc.CreateTime) {
		t.Fatalf("UpdateTime=%v, want after CreateTime=%v", doc.UpdateTime, doc.CreateTime)
	}

	if _, err := s.Set(ctx, "calls/c1", Data{"only": true}); err != nil {
		t.Fatalf("Set replace: %v", err)
	}
	doc, _ = s.Get(ctx, "calls/c1")
	if !reflect.DeepEqual(doc.Data, Data{"only": true}) {
		t.Fatalf("replace Data=%v", doc.Data)
	}

	if err := s.Delete(ctx, "calls/c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "calls/c1"); err != nil {
		t.Fatalf("Delete is not idempotent: %v", err)
	}
}

func TestNormalizesValues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type nested struct {
		N int `json:"n"`
	}
	doc, err := s.Set(ctx, "things/a", Data{"count": 3, "nested": nested{N: 2}, "list": []string{"x"}})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := doc.Data["count"].(float64); !ok {
		t.Fatalf("count type=%T, want float64", doc.Data["count"])
	}
	if m, ok := doc.Data["nested"].(map[string]any); !ok || m["n"] != float64(2) {
		t.Fatalf("nested=%#v", doc.Data["nested"])
	}
	var out struct {
		Count int      `json:"count"`
		List  []string `json:"list"`
	}
	if err := doc.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Count != 3 || len(out.List) != 1 {
		t.Fatalf("Decode=%+v", out)
	}
}

func TestTransforms(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Set(ctx, "users/u1", Data{"createdAt": ServerTimestamp, "friendRequests": ArrayUnion("a", "b")})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	ts, ok := doc.Data["createdAt"].(string)
	if !ok {
		t.Fatalf("createdAt=%#v, want string", doc.Data["createdAt"])
	}
	if _, err := ParseTimestamp(ts); err != nil {
		t.Fatalf("ParseTimestamp(%q): %v", ts, err)
	}

	doc, err = s.Set(ctx, "users/u1", Data{"friendRequests": ArrayUnion("b", "c")}, Merge())
	if err != nil {
		t.Fatalf("Set union: %v", err)
	}
	if got, want := doc.Data["friendRequests"], []any{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("friendRequests=%v, want %v", got, want)
	}

	doc, err = s.Set(ctx, "users/u1", Data{"friendRequests": ArrayRemove("a", "zzz")}, Merge())
	if err != nil {
		t.Fatalf("Set remove: %v", err)
	}
	if got, want := doc.Data["friendRequests"], []any{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("friendRequests=%v, want %v", got, want)
	}
	if doc.Data["createdAt"] != ts {
		t.Fatalf("merge changed createdAt")
	}
}

func TestTimestampLayoutSortsLexically(t *testing.T) {
	a := FormatTimestamp(time.Date(2024, 1, 1, 0, 0, 5, 100_000_000, time.UTC))
	b := FormatTimestamp(time.Date(2024, 1, 1, 0, 0, 5, 120_000_000, time.UTC))
	if !(a < b) {
		t.Fatalf("%q should sort before %q", a, b)
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, name := range []string{"carol", "alice", "bob", "dave"} {
		if _, err := s.Add(ctx, "messages", Data{"name": name, "n": i, "online": i%2 == 0}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := s.Add(ctx, "messages", Data{"other": true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	names := func(docs []Document) []string {
		var out []string
		for _, d := range docs {
			n, _ := d.Data["name"].(string)
			out = append(out, n)
		}
		return out
	}

	all, err := s.Query(ctx, "messages", Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := names(all); !reflect.DeepEqual(got, []string{"carol", "alice", "bob", "dave", ""}) {
		t.Fatalf("creation order=%v", got)
	}

	ordered, _ := s.Query(ctx, "messages", Query{OrderBy: "name"})
	if got := names(ordered); !reflect.DeepEqual(got, []string{"alice", "bob", "carol", "dave"}) {
		t.Fatalf("orderBy name=%v", got)
	}

	top, _ := s.Query(ctx, "messages", Query{OrderBy: "n", Desc: true, Limit: 2})
	if got := names(top); !reflect.DeepEqual(got, []string{"dave", "bob"}) {
		t.Fatalf("desc limit=%v", got)
	}

	online, _ := s.Query(ctx, "messages", Query{}.Filter("online", OpEqual, true))
	if got := names(online); !reflect.DeepEqual(got, []string{"carol", "bob"}) {
		t.Fatalf("where online=%v", got)
	}

	in, _ := s.Query(ctx, "messages", Query{}.Filter("name", OpIn, []string{"alice", "dave"}))
	if got := names(in); !reflect.DeepEqual(got, []string{"alice", "dave"}) {
		t.Fatalf("where in=%v", got)
	}

	gt, _ := s.Query(ctx, "messages", Query{}.Filter("n", OpGreaterEqual, 2))
	if got := names(gt); !reflect.DeepEqual(got, []string{"bob", "dave"}) {
		t.Fatalf("where n>=2=%v", got)
	}

	if _, err := s.Query(ctx, "messages", Query{}.Filter("n", Op("~"), 1)); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("bad op err=%v, want ErrInvalidQuery", err)
	}
}

func recvSnapshot(t *testing.T, ch <-chan DocumentSnapshot) DocumentSnapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("snapshot channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return DocumentSnapshot{}
}

func recvChanges(t *testing.T, ch <-chan []Change) []Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatalf("changes channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for changes")
	}
	return nil
}

func TestWatchDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ch, err := s.WatchDocument(ctx, "calls/c1")
	if err != nil {
		t.Fatalf("WatchDocument: %v", err)
	}
	if snap := recvSnapshot(t, ch); snap.Exists {
		t.Fatalf("initial snapshot exists for missing doc")
	}

	if _, err := s.Set(ctx, "calls/c1", Data{"offer": "o"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set(ctx, "calls/c1", Data{"answer": "a"}, Merge()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first := recvSnapshot(t, ch)
	second := recvSnapshot(t, ch)
	if !first.Exists || first.Doc.Data["answer"] != nil {
		t.Fatalf("first snapshot=%+v", first)
	}
	if second.Doc.Data["answer"] != "a" || second.Doc.Data["offer"] != "o" {
		t.Fatalf("second snapshot=%+v", second)
	}

	if err := s.Delete(ctx, "calls/c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if snap := recvSnapshot(t, ch); snap.Exists {
		t.Fatalf("snapshot after delete exists")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// Drain at most one in-flight value.
			<-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestWatchCollection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	if _, err := s.Set(ctx, "users/a", Data{"isOnline": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Set(ctx, "users/b", Data{"isOnline": false}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ch, err := s.WatchCollection(ctx, "users", Query{}.Filter("isOnline", OpEqual, true))
	if err != nil {
		t.Fatalf("WatchCollection: %v", err)
	}
	initial := recvChanges(t, ch)
	if len(initial) != 1 || initial[0].Type != ChangeAdded || initial[0].Doc.ID != "a" {
		t.Fatalf("initial=%+v", initial)
	}

	steps := []struct {
		write    func() error
		wantType ChangeType
		wantID   string
	}{
		{func() error { _, err := s.Set(ctx, "users/b", Data{"isOnline": true}); return err }, ChangeAdded, "b"},
		{func() error { _, err := s.Set(ctx, "users/a", Data{"isOnline": true, "x": 1}); return err }, ChangeModified, "a"},
		{func() error { _, err := s.Set(ctx, "users/a", Data{"isOnline": false}, Merge()); return err }, ChangeRemoved, "a"},
		{func() error { return s.Delete(ctx, "users/b") }, ChangeRemoved, "b"},
	}
	for i, st := range steps {
		if err := st.write(); err != nil {
			t.Fatalf("step %d write: %v", i, err)
		}
		got := recvChanges(t, ch)
		if len(got) != 1 || got[0].Type != st.wantType || got[0].Doc.ID != st.wantID {
			t.Fatalf("step %d changes=%+v, want %s %s", i, got, st.wantType, st.wantID)
		}
	}

	// Writes to non-matching documents produce nothing.
	if _, err := s.Set(ctx, "users/c", Data{"isOnline": false}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected changes %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchCollection_AppendOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ch, err := s.WatchCollection(ctx, "calls/c/offerCandidates", Query{})
	if err != nil {
		t.Fatalf("WatchCollection: %v", err)
	}
	if got := recvChanges(t, ch); len(got) != 0 {
		t.Fatalf("initial=%v, want empty", got)
	}
	for i := 0; i < 20; i++ {
		if _, err := s.Add(ctx, "calls/c/offerCandidates", Data{"i": i}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		got := recvChanges(t, ch)
		if got[0].Doc.Data["i"] != float64(i) {
			t.Fatalf("change %d=%v", i, got[0].Doc.Data)
		}
	}
}

func TestCloseEndsWatches(t *testing.T) {
	s := newTestStore(t)
	ch, err := s.WatchCollection(context.Background(), "messages", Query{})
	if err != nil {
		t.Fatalf("WatchCollection: %v", err)
	}
	recvChanges(t, ch)
	_ = s.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Close")
	}
	if _, err := s.Get(context.Background(), "messages/x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close err=%v, want ErrClosed", err)
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "data", "chatcall.db")

	backend, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s, err := New(backend, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := s.Add(ctx, "messages", Data{"text": "hello"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Set(ctx, "users/u1", Data{"friends": []string{"u2"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backend, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err = New(backend, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	doc, err := s.Get(ctx, first.Path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Data["text"] != "hello" || doc.Seq != first.Seq {
		t.Fatalf("doc=%+v, want text=hello seq=%d", doc, first.Seq)
	}
	if !doc.CreateTime.Equal(first.CreateTime) {
		t.Fatalf("CreateTime=%v, want %v", doc.CreateTime, first.CreateTime)
	}

	second, err := s.Add(ctx, "messages", Data{"text": "again"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq did not continue: %d <= %d", second.Seq, first.Seq)
	}
	docs, err := s.Query(ctx, "messages", Query{})
	if err != nil || len(docs) != 2 {
		t.Fatalf("Query=%v err=%v", docs, err)
	}
	user, _ := s.Get(ctx, "users/u1")
	if !reflect.DeepEqual(user.Data["friends"], []any{"u2"}) {
		t.Fatalf("friends=%v", user.Data["friends"])
	}
}
