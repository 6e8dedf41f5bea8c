// Package callsignal negotiates one-to-one audio calls. The caller publishes
// an offer in a call record, the answerer merges an answer into it, and both
// sides trickle ICE candidates through append-only subcollections of the
// record:
//
//	calls/{id}                    {offer, answer?, createdAt}
//	calls/{id}/offerCandidates    caller -> answerer
//	calls/{id}/answerCandidates   answerer -> caller
package callsignal

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

const (
	CallsCollection  = "calls"
	OfferCandidates  = "offerCandidates"
	AnswerCandidates = "answerCandidates"
)

var (
	ErrMissingCallID = errors.New("call id is required")
	ErrCallNotFound  = errors.New("call not found")
	ErrMissingOffer  = errors.New("call has no offer")
	ErrCallAnswered  = errors.New("call already answered")
	ErrCaptureFailed = errors.New("audio capture failed")
	ErrSessionEnded  = errors.New("call session ended")
)

// PeerConnection is the subset of a WebRTC peer connection the coordinator
// drives. Implementations must queue remote candidates added before a remote
// description is set and apply them once it is; webrtcpeer.Peer does.
// SetRemoteDescription fails only when the description itself is rejected.
// Queued candidates that fail are reported to OnCandidateError.
type PeerConnection interface {
	AddTrack(webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	OnCandidateError(func(webrtc.ICECandidateInit, error))
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	Close() error
}

// PeerFactory builds a peer connection using the given ICE servers.
type PeerFactory func(iceServers []webrtc.ICEServer) (PeerConnection, error)

// PionPeers adapts a webrtcpeer.Factory.
func PionPeers(f *webrtcpeer.Factory) PeerFactory {
	return func(iceServers []webrtc.ICEServer) (PeerConnection, error) {
		p, err := f.NewPeer(iceServers)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// MediaSource captures local audio.
type MediaSource interface {
	Capture(ctx context.Context) (*webrtcpeer.LocalMedia, error)
}

func CallPath(id string) string {
	return docstore.Join(CallsCollection, id)
}

func candidatesPath(id, which string) string {
	return docstore.Join(CallsCollection, id, which)
}

type callRecord struct {
	Offer  *webrtc.SessionDescription `json:"offer"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

func decodeRecord(doc docstore.Document) (callRecord, error) {
	var rec callRecord
	if err := doc.Decode(&rec); err != nil {
		return callRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	return rec, nil
}

func descriptionData(desc webrtc.SessionDescription) map[string]any {
	return map[string]any{"type": desc.Type.String(), "sdp": desc.SDP}
}

// candidateData keeps absent optional fields as explicit nulls, matching the
// browser's RTCIceCandidate.toJSON shape.
func candidateData(c webrtc.ICECandidateInit) docstore.Data {
	d := docstore.Data{
		"candidate":        c.Candidate,
		"sdpMid":           nil,
		"sdpMLineIndex":    nil,
		"usernameFragment": nil,
	}
	if c.SDPMid != nil {
		d["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		d["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	if c.UsernameFragment != nil {
		d["usernameFragment"] = *c.UsernameFragment
	}
	return d
}

func decodeCandidate(doc docstore.Document) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := doc.Decode(&c); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, errors.New("empty candidate")
	}
	return c, nil
}
