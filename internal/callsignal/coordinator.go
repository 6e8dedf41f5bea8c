package callsignal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/config"
	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/metrics"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

type Role string

const (
	RoleCaller   Role = "caller"
	RoleAnswerer Role = "answerer"
)

type Config struct {
	Store docstore.Store
	Peers PeerFactory
	Media MediaSource

	// ICEServers defaults to config.DefaultICEServers.
	ICEServers []webrtc.ICEServer
	// OnTrack receives remote tracks. Nil drains them.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnState observes every state transition of every session.
	OnState func(*Session, State)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator starts and answers calls. It holds no per-call state; each
// call is a Session.
type Coordinator struct {
	cfg Config
}

func New(cfg Config) *Coordinator {
	if cfg.ICEServers == nil {
		cfg.ICEServers = config.DefaultICEServers()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{cfg: cfg}
}

// StartCall captures audio, publishes an offer under a fresh call id and
// returns the session. The call id is available from Session.ID. The session
// lives until ctx is cancelled or Close is called.
func (c *Coordinator) StartCall(ctx context.Context) (*Session, error) {
	s := c.newSession(ctx, RoleCaller)

	if err := s.capture(); err != nil {
		return nil, err
	}

	s.id = c.cfg.Store.NewID()
	s.logger = s.logger.With("call_id", s.id)

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return nil, s.abort(fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, s.abort(fmt.Errorf("set local offer: %w", err))
	}
	s.advance(StateNegotiating)

	if _, err := c.cfg.Store.Set(s.ctx, CallPath(s.id), docstore.Data{
		"offer":     descriptionData(offer),
		"createdAt": docstore.ServerTimestamp,
	}); err != nil {
		return nil, s.abort(fmt.Errorf("write offer: %w", err))
	}

	record, err := c.cfg.Store.WatchDocument(s.ctx, CallPath(s.id))
	if err != nil {
		return nil, s.abort(fmt.Errorf("watch call record: %w", err))
	}
	answers, err := c.cfg.Store.WatchCollection(s.ctx, candidatesPath(s.id, AnswerCandidates), docstore.Query{})
	if err != nil {
		return nil, s.abort(fmt.Errorf("watch answer candidates: %w", err))
	}

	c.cfg.Metrics.Inc(metrics.CallStarted)
	s.logger.Info("call started")
	go s.run(candidatesPath(s.id, OfferCandidates), record, answers, nil)
	return s, nil
}

// AnswerCall joins the call with the given id. A missing record fails with
// ErrCallNotFound, and a record that already carries an answer fails with
// ErrCallAnswered, both before any capture or peer connection is attempted.
func (c *Coordinator) AnswerCall(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrMissingCallID
	}

	doc, err := c.cfg.Store.Get(ctx, CallPath(id))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			c.cfg.Metrics.Inc(metrics.CallNotFound)
			c.cfg.Logger.Warn("call not found", "call_id", id)
			return nil, fmt.Errorf("%w: %s", ErrCallNotFound, id)
		}
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	rec, err := decodeRecord(doc)
	if err != nil {
		return nil, err
	}
	if rec.Offer == nil || rec.Offer.SDP == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingOffer, id)
	}
	if rec.Answer != nil && rec.Answer.SDP != "" {
		c.cfg.Metrics.Inc(metrics.CallAlreadyAnswered)
		c.cfg.Logger.Warn("call already answered", "call_id", id)
		return nil, fmt.Errorf("%w: %s", ErrCallAnswered, id)
	}

	s := c.newSession(ctx, RoleAnswerer)
	s.id = id
	s.logger = s.logger.With("call_id", id)

	if err := s.capture(); err != nil {
		return nil, err
	}

	offer := *rec.Offer
	offer.Type = webrtc.SDPTypeOffer
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		c.cfg.Metrics.Inc(metrics.RemoteDescriptionFailed)
		return nil, s.abort(fmt.Errorf("set remote offer: %w", err))
	}
	s.remoteApplied = true

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return nil, s.abort(fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, s.abort(fmt.Errorf("set local answer: %w", err))
	}
	s.advance(StateNegotiating)

	// Merge so the offer stays intact.
	if _, err := c.cfg.Store.Set(s.ctx, CallPath(id), docstore.Data{
		"answer": descriptionData(answer),
	}, docstore.Merge()); err != nil {
		return nil, s.abort(fmt.Errorf("write answer: %w", err))
	}

	offers, err := c.cfg.Store.WatchCollection(s.ctx, candidatesPath(id, OfferCandidates), docstore.Query{})
	if err != nil {
		return nil, s.abort(fmt.Errorf("watch offer candidates: %w", err))
	}
	// The answerer also follows its own direction; entries it published
	// itself are recognized and skipped.
	answers, err := c.cfg.Store.WatchCollection(s.ctx, candidatesPath(id, AnswerCandidates), docstore.Query{})
	if err != nil {
		return nil, s.abort(fmt.Errorf("watch answer candidates: %w", err))
	}

	// The offer was applied first, but exchanging follows negotiating so both
	// roles report the same sequence.
	s.advance(StateExchanging)

	c.cfg.Metrics.Inc(metrics.CallAnswered)
	s.logger.Info("call answered")
	go s.run(candidatesPath(id, AnswerCandidates), nil, offers, answers)
	return s, nil
}

func (c *Coordinator) newSession(ctx context.Context, role Role) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		role:      role,
		coord:     c,
		store:     c.cfg.Store,
		logger:    c.cfg.Logger.With("role", string(role)),
		metrics:   c.cfg.Metrics,
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     newStateTracker(),
		local:     make(chan webrtc.ICECandidateInit, localCandidateBuffer),
		ice:       make(chan webrtc.ICEConnectionState, iceStateBuffer),
		published: make(map[string]struct{}),
	}
	return s
}

// capture acquires local media, builds the peer connection and attaches the
// tracks. On failure the session is already torn down.
func (s *Session) capture() error {
	cfg := s.coord.cfg

	media, err := cfg.Media.Capture(s.ctx)
	if err != nil {
		cfg.Metrics.Inc(metrics.CaptureFailed)
		return s.abort(fmt.Errorf("%w: %w", ErrCaptureFailed, err))
	}
	s.media = media
	s.advance(StateConnecting)

	pc, err := cfg.Peers(cfg.ICEServers)
	if err != nil {
		return s.abort(fmt.Errorf("new peer connection: %w", err))
	}
	s.pc = pc

	onTrack := cfg.OnTrack
	if onTrack == nil {
		onTrack = webrtcpeer.NewPacketCounter().HandleTrack
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		s.logger.Info("remote track", "track_id", track.ID(), "codec", track.Codec().MimeType)
		onTrack(track, recv)
	})
	pc.OnCandidateError(func(webrtc.ICECandidateInit, error) {
		cfg.Metrics.Inc(metrics.CandidateApplyFailed)
	})
	pc.OnICECandidate(s.enqueueLocal)
	pc.OnICEConnectionStateChange(s.enqueueICE)

	for _, track := range media.Tracks {
		if err := pc.AddTrack(track); err != nil {
			return s.abort(fmt.Errorf("attach local track: %w", err))
		}
	}
	return nil
}
