package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/config"
)

var ErrPeerClosed = errors.New("peer connection closed")

// Factory creates Peers that share one pion API (codecs, interceptors,
// network settings).
type Factory struct {
	API    *webrtc.API
	Logger *slog.Logger
}

func (f *Factory) NewPeer(iceServers []webrtc.ICEServer) (*Peer, error) {
	api := f.API
	if api == nil {
		var err error
		if api, err = NewAPI(config.WebRTC{}); err != nil {
			return nil, err
		}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{pc: pc, logger: logger}, nil
}

// Peer wraps a pion PeerConnection. Remote ICE candidates that arrive before
// the remote description are held and applied, in arrival order, once
// SetRemoteDescription succeeds.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu           sync.Mutex
	remoteSet    bool
	closed       bool
	pending      []webrtc.ICECandidateInit
	candidateErr func(webrtc.ICECandidateInit, error)
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// AddTrack attaches a local track and drains RTCP from its sender so the
// interceptors keep running.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	go p.readRTCP(sender, track.ID())
	return nil
}

func (p *Peer) readRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				p.logger.Debug("rtcp receiver report",
					"track_id", trackID,
					"ssrc", report.SSRC,
					"fraction_lost", report.FractionLost,
					"total_lost", report.TotalLost,
					"jitter", report.Jitter,
				)
			}
		}
	}
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies desc and then any queued remote candidates.
// The error reports the description only; a queued candidate that fails is
// logged and passed to the OnCandidateError callback.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteSet = true

	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn("apply queued candidate failed", "candidate", c.Candidate, "err", err)
			if p.candidateErr != nil {
				p.candidateErr(c, err)
			}
		}
	}
	return nil
}

// HasRemoteDescription reports whether a remote description is in effect.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// OnCandidateError is called for every queued candidate that fails to apply
// once the remote description is set. It runs with the peer locked.
func (p *Peer) OnCandidateError(fn func(webrtc.ICECandidateInit, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidateErr = fn
}

// AddICECandidate applies c, or queues it while no remote description is set.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

// Pending returns the number of queued remote candidates.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// OnICECandidate reports each locally gathered candidate in wire form. The
// end-of-gathering signal is not forwarded.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	return p.pc.Close()
}
