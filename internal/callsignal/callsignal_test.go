package callsignal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

type fakePeer struct {
	name string
	// remoteErr is returned by SetRemoteDescription. With keepRemote the
	// description still takes effect, as when pion applies it and then
	// reports a later step failing.
	remoteErr    error
	keepRemote   bool
	candidateErr error

	mu          sync.Mutex
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []string
	tracks      int
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr == nil || p.keepRemote {
		p.remote = append(p.remote, d)
	}
	return p.remoteErr
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remote) > 0
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidateErr != nil {
		return p.candidateErr
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) OnCandidateError(func(webrtc.ICECandidateInit, error)) {}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	mid := "0"
	fn(webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid})
}

func (p *fakePeer) emitICE(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) snapshot() (remote []webrtc.SessionDescription, candidates []string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remote...), append([]string(nil), p.candidates...), p.closed
}

type fakePeers struct {
	// configure, if set, adjusts each peer before it is handed out.
	configure func(*fakePeer)

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) factory(name string) PeerFactory {
	return func([]webrtc.ICEServer) (PeerConnection, error) {
		p := &fakePeer{name: name}
		if f.configure != nil {
			f.configure(p)
		}
		f.mu.Lock()
		f.peers = append(f.peers, p)
		f.mu.Unlock()
		return p, nil
	}
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type fakeMedia struct {
	captures atomic.Int32
	closes   atomic.Int32
	err      error
}

func (m *fakeMedia) Capture(context.Context) (*webrtcpeer.LocalMedia, error) {
	m.captures.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return webrtcpeer.NewLocalMedia([]webrtc.TrackLocal{nil}, func() error {
		m.closes.Add(1)
		return nil
	}), nil
}

func newTestStore(t *testing.T, firstID string) *docstore.Local {
	t.Helper()
	var n atomic.Int64
	store, err := docstore.New(docstore.NewMemoryBackend(), docstore.Options{
		NewID: func() string {
			if n.Add(1) == 1 && firstID != "" {
				return firstID
			}
			return fmt.Sprintf("doc-%04d", n.Load())
		},
	})
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnswerCall_EmptyIDRejectedBeforeIO(t *testing.T) {
	media := &fakeMedia{}
	peers := &fakePeers{}
	c := New(Config{Store: newTestStore(t, ""), Peers: peers.factory("b"), Media: media})

	_, err := c.AnswerCall(context.Background(), "  ")
	if !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("err=%v, want %v", err, ErrMissingCallID)
	}
	if media.captures.Load() != 0 || peers.count() != 0 {
		t.Fatalf("captures=%d peers=%d, want 0/0", media.captures.Load(), peers.count())
	}
}

func TestAnswerCall_UnknownIDFailsWithoutCapture(t *testing.T) {
	media := &fakeMedia{}
	peers := &fakePeers{}
	m := metrics.New()
	c := New(Config{Store: newTestStore(t, ""), Peers: peers.factory("b"), Media: media, Metrics: m})

	_, err := c.AnswerCall(context.Background(), "CALLXYZ")
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrCallNotFound)
	}
	if media.captures.Load() != 0 {
		t.Fatalf("captures=%d, want 0", media.captures.Load())
	}
	if peers.count() != 0 {
		t.Fatalf("peers=%d, want 0", peers.count())
	}
	if got := m.Get(metrics.CallNotFound); got != 1 {
		t.Fatalf("call_not_found=%d, want 1", got)
	}
}

func TestAnswerCall_RecordWithoutOffer(t *testing.T) {
	store := newTestStore(t, "")
	if _, err := store.Set(context.Background(), CallPath("empty"), docstore.Data{"createdAt": docstore.ServerTimestamp}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	media := &fakeMedia{}
	c := New(Config{Store: store, Peers: (&fakePeers{}).factory("b"), Media: media})

	_, err := c.AnswerCall(context.Background(), "empty")
	if !errors.Is(err, ErrMissingOffer) {
		t.Fatalf("err=%v, want %v", err, ErrMissingOffer)
	}
	if media.captures.Load() != 0 {
		t.Fatalf("captures=%d, want 0", media.captures.Load())
	}
}

func TestStartCall_CaptureFailureFailsSession(t *testing.T) {
	deviceErr := errors.New("permission denied")
	peers := &fakePeers{}
	var states []State
	var mu sync.Mutex
	c := New(Config{
		Store: newTestStore(t, ""),
		Peers: peers.factory("a"),
		Media: &fakeMedia{err: deviceErr},
		OnState: func(_ *Session, s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	_, err := c.StartCall(context.Background())
	if !errors.Is(err, ErrCaptureFailed) || !errors.Is(err, deviceErr) {
		t.Fatalf("err=%v, want %v wrapping %v", err, ErrCaptureFailed, deviceErr)
	}
	if peers.count() != 0 {
		t.Fatalf("peers=%d, want 0", peers.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != StateFailed {
		t.Fatalf("states=%v, want [failed]", states)
	}
}

func TestStartCall_AppliesAnswerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "CALL123")
	peers := &fakePeers{}
	m := metrics.New()
	c := New(Config{Store: store, Peers: peers.factory("a"), Media: &fakeMedia{}, Metrics: m})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if s.ID() != "CALL123" {
		t.Fatalf("ID=%q, want CALL123", s.ID())
	}
	if s.State() != StateNegotiating {
		t.Fatalf("state=%v, want negotiating", s.State())
	}

	doc, err := store.Get(ctx, CallPath("CALL123"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	offer, _ := doc.Data["offer"].(map[string]any)
	if offer["type"] != "offer" || offer["sdp"] != "v=0 offer a" {
		t.Fatalf("offer=%v", doc.Data["offer"])
	}
	if _, ok := doc.Data["createdAt"].(string); !ok {
		t.Fatalf("createdAt=%v, want server timestamp", doc.Data["createdAt"])
	}

	answer := map[string]any{"type": "answer", "sdp": "v=0 answer b"}
	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"answer": answer}, docstore.Merge()); err != nil {
		t.Fatalf("Set answer: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.WaitFor(waitCtx, StateExchanging); err != nil {
		t.Fatalf("WaitFor(exchanging): %v", err)
	}

	// Re-deliver the record twice: once unchanged, once with a different answer.
	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"note": "x"}, docstore.Merge()); err != nil {
		t.Fatalf("Set note: %v", err)
	}
	other := map[string]any{"type": "answer", "sdp": "v=0 answer c"}
	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"answer": other}, docstore.Merge()); err != nil {
		t.Fatalf("Set second answer: %v", err)
	}
	waitUntil(t, "duplicate answers ignored", func() bool {
		return m.Get(metrics.AnswerDuplicateIgnored) == 2
	})

	remote, _, _ := peers.peers[0].snapshot()
	if len(remote) != 1 || remote[0].SDP != "v=0 answer b" || remote[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("remote descriptions=%v, want exactly the first answer", remote)
	}
	if got := m.Get(metrics.AnswerApplied); got != 1 {
		t.Fatalf("answer_applied=%d, want 1", got)
	}
}

func TestStartCall_AnswerNotReappliedAfterReportedError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "CALL123")
	peers := &fakePeers{configure: func(p *fakePeer) {
		p.remoteErr = errors.New("queued candidate rejected")
		p.keepRemote = true
	}}
	m := metrics.New()
	c := New(Config{Store: store, Peers: peers.factory("a"), Media: &fakeMedia{}, Metrics: m})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	answer := map[string]any{"type": "answer", "sdp": "v=0 answer b"}
	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"answer": answer}, docstore.Merge()); err != nil {
		t.Fatalf("Set answer: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.WaitFor(waitCtx, StateExchanging); err != nil {
		t.Fatalf("WaitFor(exchanging): %v (state %v)", err, s.State())
	}

	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"note": "x"}, docstore.Merge()); err != nil {
		t.Fatalf("Set note: %v", err)
	}
	waitUntil(t, "duplicate answer ignored", func() bool {
		return m.Get(metrics.AnswerDuplicateIgnored) == 1
	})

	remote, _, _ := peers.peers[0].snapshot()
	if len(remote) != 1 {
		t.Fatalf("remote descriptions=%d, want 1", len(remote))
	}
	if got := m.Get(metrics.RemoteDescriptionFailed); got != 1 {
		t.Fatalf("remote_description_failed=%d, want 1", got)
	}
	if got := m.Get(metrics.AnswerApplied); got != 1 {
		t.Fatalf("answer_applied=%d, want 1", got)
	}
}

func TestStartCall_RejectedAnswerLeavesSessionWaiting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "CALL123")
	peers := &fakePeers{configure: func(p *fakePeer) {
		p.remoteErr = errors.New("malformed sdp")
	}}
	m := metrics.New()
	c := New(Config{Store: store, Peers: peers.factory("a"), Media: &fakeMedia{}, Metrics: m})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	answer := map[string]any{"type": "answer", "sdp": "garbage"}
	if _, err := store.Set(ctx, CallPath("CALL123"), docstore.Data{"answer": answer}, docstore.Merge()); err != nil {
		t.Fatalf("Set answer: %v", err)
	}
	waitUntil(t, "answer rejected", func() bool {
		return m.Get(metrics.RemoteDescriptionFailed) == 1
	})
	if s.State() != StateNegotiating {
		t.Fatalf("state=%v, want negotiating", s.State())
	}
	if got := m.Get(metrics.AnswerApplied); got != 0 {
		t.Fatalf("answer_applied=%d, want 0", got)
	}
}

func TestSession_CandidateFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	peers := &fakePeers{configure: func(p *fakePeer) {
		p.candidateErr = errors.New("bad candidate")
	}}
	m := metrics.New()
	c := New(Config{Store: store, Peers: peers.factory("a"), Media: &fakeMedia{}, Metrics: m})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for _, cand := range []string{"candidate:garbage", "candidate:also-garbage"} {
		if _, err := store.Add(ctx, candidatesPath(s.ID(), AnswerCandidates), candidateData(webrtc.ICECandidateInit{Candidate: cand})); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	waitUntil(t, "candidate failures counted", func() bool {
		return m.Get(metrics.CandidateApplyFailed) == 2
	})

	answer := map[string]any{"type": "answer", "sdp": "v=0 answer b"}
	if _, err := store.Set(ctx, CallPath(s.ID()), docstore.Data{"answer": answer}, docstore.Merge()); err != nil {
		t.Fatalf("Set answer: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.WaitFor(waitCtx, StateExchanging); err != nil {
		t.Fatalf("WaitFor(exchanging): %v (state %v)", err, s.State())
	}
}

func TestAnswerCall_SecondAnswererRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "CALL123")
	caller := New(Config{Store: store, Peers: (&fakePeers{}).factory("a"), Media: &fakeMedia{}})
	cs, err := caller.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	first := New(Config{Store: store, Peers: (&fakePeers{}).factory("b"), Media: &fakeMedia{}})
	as, err := first.AnswerCall(ctx, cs.ID())
	if err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	t.Cleanup(func() { _ = as.Close() })

	media := &fakeMedia{}
	peers := &fakePeers{}
	m := metrics.New()
	second := New(Config{Store: store, Peers: peers.factory("c"), Media: media, Metrics: m})
	_, err = second.AnswerCall(ctx, cs.ID())
	if !errors.Is(err, ErrCallAnswered) {
		t.Fatalf("err=%v, want %v", err, ErrCallAnswered)
	}
	if media.captures.Load() != 0 || peers.count() != 0 {
		t.Fatalf("captures=%d peers=%d, want 0/0", media.captures.Load(), peers.count())
	}
	if got := m.Get(metrics.CallAlreadyAnswered); got != 1 {
		t.Fatalf("call_already_answered=%d, want 1", got)
	}

	doc, err := store.Get(ctx, CallPath(cs.ID()))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	answer, _ := doc.Data["answer"].(map[string]any)
	if answer["sdp"] != "v=0 answer b" {
		t.Fatalf("answer=%v, want the first answerer's", doc.Data["answer"])
	}
}

func TestAnswerCall_ReportsEveryState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	caller := New(Config{Store: store, Peers: (&fakePeers{}).factory("a"), Media: &fakeMedia{}})
	cs, err := caller.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	var mu sync.Mutex
	var states []State
	answerer := New(Config{
		Store: store,
		Peers: (&fakePeers{}).factory("b"),
		Media: &fakeMedia{},
		OnState: func(_ *Session, s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	as, err := answerer.AnswerCall(ctx, cs.ID())
	if err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	t.Cleanup(func() { _ = as.Close() })

	mu.Lock()
	got := fmt.Sprint(states)
	mu.Unlock()
	if want := fmt.Sprint([]State{StateConnecting, StateNegotiating, StateExchanging}); got != want {
		t.Fatalf("states=%s, want %s", got, want)
	}
}

func TestCandidatesAppliedRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	callerPeers, answerPeers := &fakePeers{}, &fakePeers{}
	caller := New(Config{Store: store, Peers: callerPeers.factory("a"), Media: &fakeMedia{}})
	answerer := New(Config{Store: store, Peers: answerPeers.factory("b"), Media: &fakeMedia{}})

	cs, err := caller.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	a := callerPeers.peers[0]

	// Caller candidates published before anyone answers.
	a.emitCandidate("a1")
	a.emitCandidate("a2")
	waitUntil(t, "offer candidates stored", func() bool {
		docs, _ := store.Query(ctx, candidatesPath(cs.ID(), OfferCandidates), docstore.Query{})
		return len(docs) == 2
	})

	// An answer candidate that lands before the answer itself.
	if _, err := store.Add(ctx, candidatesPath(cs.ID(), AnswerCandidates), candidateData(webrtc.ICECandidateInit{Candidate: "early"})); err != nil {
		t.Fatalf("Add: %v", err)
	}

	as, err := answerer.AnswerCall(ctx, cs.ID())
	if err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	t.Cleanup(func() { _ = as.Close() })
	b := answerPeers.peers[0]

	b.emitCandidate("b1")
	a.emitCandidate("a3")
	b.emitCandidate("b2")

	waitUntil(t, "answerer applied all caller candidates", func() bool {
		_, got, _ := b.snapshot()
		return fmt.Sprint(without(got, "early")) == "[a1 a2 a3]" && len(got) == 4
	})
	waitUntil(t, "caller applied all answer candidates", func() bool {
		_, got, _ := a.snapshot()
		return fmt.Sprint(got) == "[early b1 b2]"
	})

	_, got, _ := b.snapshot()
	for _, c := range got {
		if c == "b1" || c == "b2" {
			t.Fatalf("answerer applied its own candidate %q", c)
		}
	}
	remote, _, _ := b.snapshot()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("answerer remote descriptions=%v", remote)
	}
	if err := cs.WaitFor(ctx, StateExchanging); err != nil {
		t.Fatalf("caller WaitFor(exchanging): %v", err)
	}

	doc, err := store.Get(ctx, CallPath(cs.ID()))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := doc.Data["offer"]; !ok {
		t.Fatalf("answer write dropped the offer: %v", doc.Data)
	}
}

func without(list []string, drop string) []string {
	var out []string
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

func TestSession_ICEConnectedAndClose(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")
	peers := &fakePeers{}
	media := &fakeMedia{}
	m := metrics.New()
	c := New(Config{Store: store, Peers: peers.factory("a"), Media: media, Metrics: m})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	p := peers.peers[0]
	p.emitICE(webrtc.ICEConnectionStateChecking)
	p.emitICE(webrtc.ICEConnectionStateConnected)
	p.emitICE(webrtc.ICEConnectionStateCompleted)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.WaitFor(waitCtx, StateConnected); err != nil {
		t.Fatalf("WaitFor(connected): %v", err)
	}
	waitUntil(t, "ice states consumed", func() bool { return len(s.ice) == 0 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if _, _, closed := p.snapshot(); !closed {
		t.Fatalf("peer connection not closed")
	}
	if media.closes.Load() != 1 {
		t.Fatalf("media closes=%d, want 1", media.closes.Load())
	}
	if got := m.Get(metrics.ICEConnected); got != 1 {
		t.Fatalf("ice_connected=%d, want 1", got)
	}
	if _, err := store.Get(ctx, CallPath(s.ID())); err != nil {
		t.Fatalf("call record removed on close: %v", err)
	}
	if err := s.WaitFor(ctx, StateConnected); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("WaitFor after close err=%v, want %v", err, ErrSessionEnded)
	}
}

func TestSession_ContextCancelTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	peers := &fakePeers{}
	c := New(Config{Store: newTestStore(t, ""), Peers: peers.factory("a"), Media: &fakeMedia{}})

	s, err := c.StartCall(ctx)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session not torn down after cancel")
	}
	if _, _, closed := peers.peers[0].snapshot(); !closed {
		t.Fatalf("peer connection not closed")
	}
}

func TestStateTracker_ForwardOnly(t *testing.T) {
	tr := newStateTracker()
	if !tr.advance(StateNegotiating) {
		t.Fatalf("advance(negotiating) refused")
	}
	if tr.advance(StateConnecting) {
		t.Fatalf("moved backwards to connecting")
	}
	if tr.get() != StateNegotiating {
		t.Fatalf("state=%v, want negotiating", tr.get())
	}
	if !tr.advance(StateFailed) {
		t.Fatalf("advance(failed) refused")
	}
	if tr.advance(StateClosed) || tr.advance(StateConnected) {
		t.Fatalf("left terminal state")
	}
	if err := tr.waitFor(context.Background(), StateConnected); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("waitFor err=%v, want %v", err, ErrSessionEnded)
	}
	if err := tr.waitFor(context.Background(), StateFailed); err != nil {
		t.Fatalf("waitFor(failed): %v", err)
	}
}
