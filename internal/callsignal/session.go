package callsignal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

const (
	localCandidateBuffer = 64
	iceStateBuffer       = 8
)

// Session is one side of one call. All negotiation after setup happens on a
// single goroutine, so the fields below the marker need no locking.
type Session struct {
	id      string
	role    Role
	coord   *Coordinator
	store   docstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  *stateTracker

	pc    PeerConnection
	media *webrtcpeer.LocalMedia

	local chan webrtc.ICECandidateInit
	ice   chan webrtc.ICEConnectionState

	teardownOnce sync.Once

	// Owned by run.
	remoteApplied bool
	published     map[string]struct{}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State { return s.state.get() }

// WaitFor blocks until the session reaches want (or a later non-terminal
// state), ends in another terminal state, or ctx is done.
func (s *Session) WaitFor(ctx context.Context, want State) error {
	return s.state.waitFor(ctx, want)
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops all subscriptions and closes the peer connection. The call
// record is left in place.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) advance(next State) {
	if !s.state.advance(next) {
		return
	}
	s.logger.Debug("call state", "state", next.String())
	if fn := s.coord.cfg.OnState; fn != nil {
		fn(s, next)
	}
}

// abort fails a session that never reached its run loop.
func (s *Session) abort(err error) error {
	s.logger.Warn("call setup failed", "err", err)
	s.advance(StateFailed)
	s.teardown()
	close(s.done)
	return err
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.logger.Debug("close peer connection", "err", err)
			}
		}
		if err := s.media.Close(); err != nil {
			s.logger.Debug("stop capture", "err", err)
		}
		s.advance(StateClosed)
	})
}

func (s *Session) enqueueLocal(c webrtc.ICECandidateInit) {
	select {
	case s.local <- c:
	case <-s.ctx.Done():
	}
}

func (s *Session) enqueueICE(state webrtc.ICEConnectionState) {
	select {
	case s.ice <- state:
	case <-s.ctx.Done():
	}
}

// run consumes every stream of the session until it is cancelled. record is
// nil for the answerer. Either remote stream may be nil.
func (s *Session) run(publishPath string, record <-chan docstore.DocumentSnapshot, remoteA, remoteB <-chan []docstore.Change) {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-record:
			if !ok {
				record = nil
				continue
			}
			s.handleRecord(snap)
		case changes, ok := <-remoteA:
			if !ok {
				remoteA = nil
				continue
			}
			s.applyCandidates(changes)
		case changes, ok := <-remoteB:
			if !ok {
				remoteB = nil
				continue
			}
			s.applyCandidates(changes)
		case c := <-s.local:
			s.publishCandidate(publishPath, c)
		case state := <-s.ice:
			s.handleICEState(state)
		}
		if record == nil && remoteA == nil && remoteB == nil {
			// Every subscription ended; the store is gone.
			s.logger.Warn("call subscriptions closed")
			return
		}
	}
}

// handleRecord applies the first answer seen. Later snapshots carrying an
// answer are duplicates and only counted. The peer's own remote description
// is the guard, so an answer pion accepted is never applied twice.
func (s *Session) handleRecord(snap docstore.DocumentSnapshot) {
	if !snap.Exists {
		s.logger.Warn("call record missing")
		return
	}
	rec, err := decodeRecord(snap.Doc)
	if err != nil {
		s.logger.Warn("bad call record", "err", err)
		return
	}
	if rec.Answer == nil || rec.Answer.SDP == "" {
		return
	}
	if s.remoteApplied || s.pc.HasRemoteDescription() {
		s.metrics.Inc(metrics.AnswerDuplicateIgnored)
		s.logger.Debug("answer already applied")
		return
	}
	answer := *rec.Answer
	answer.Type = webrtc.SDPTypeAnswer
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.metrics.Inc(metrics.RemoteDescriptionFailed)
		s.logger.Warn("apply answer failed", "err", err)
		if !s.pc.HasRemoteDescription() {
			return
		}
	}
	s.remoteApplied = true
	s.metrics.Inc(metrics.AnswerApplied)
	s.logger.Info("answer applied")
	s.advance(StateExchanging)
}

func (s *Session) applyCandidates(changes []docstore.Change) {
	for _, ch := range changes {
		if ch.Type != docstore.ChangeAdded {
			continue
		}
		if _, own := s.published[ch.Doc.ID]; own {
			continue
		}
		c, err := decodeCandidate(ch.Doc)
		if err != nil {
			s.metrics.Inc(metrics.CandidateApplyFailed)
			s.logger.Warn("bad remote candidate", "doc", ch.Doc.Path, "err", err)
			continue
		}
		if err := s.pc.AddICECandidate(c); err != nil {
			s.metrics.Inc(metrics.CandidateApplyFailed)
			s.logger.Warn("apply remote candidate failed", "candidate", c.Candidate, "err", err)
			continue
		}
		s.metrics.Inc(metrics.CandidateApplied)
	}
}

func (s *Session) publishCandidate(collection string, c webrtc.ICECandidateInit) {
	doc, err := s.store.Add(s.ctx, collection, candidateData(c))
	if err != nil {
		s.metrics.Inc(metrics.CandidatePublishFailed)
		s.logger.Warn("publish candidate failed", "err", err)
		return
	}
	s.published[doc.ID] = struct{}{}
	s.metrics.Inc(metrics.CandidatePublished)
}

func (s *Session) handleICEState(state webrtc.ICEConnectionState) {
	s.logger.Info("ice connection state", "ice_state", state.String())
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if s.State() < StateConnected {
			s.metrics.Inc(metrics.ICEConnected)
		}
		s.advance(StateConnected)
	case webrtc.ICEConnectionStateFailed:
		// No restart; the operator decides whether to retry.
		s.logger.Warn("ice failed")
	}
}
