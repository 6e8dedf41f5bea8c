package webrtcpeer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalMedia is a captured set of local tracks. Close stops capture.
type LocalMedia struct {
	Tracks []webrtc.TrackLocal

	once sync.Once
	stop func() error
	err  error
}

func NewLocalMedia(tracks []webrtc.TrackLocal, stop func() error) *LocalMedia {
	return &LocalMedia{Tracks: tracks, stop: stop}
}

func (m *LocalMedia) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		if m.stop != nil {
			m.err = m.stop()
		}
	})
	return m.err
}

// opusSilence is a single 20ms Opus frame carrying digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrameDuration = 20 * time.Millisecond

// SyntheticAudio produces an Opus audio track of silence. It stands in for a
// microphone on hosts without capture devices and in tests.
type SyntheticAudio struct {
	// StreamID groups the track on the remote side; empty picks a random one.
	StreamID string
}

func (s SyntheticAudio) Capture(ctx context.Context) (*LocalMedia, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "chatcall-" + uuid.NewString()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(syntheticFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// Writes before the track is bound to a sender are dropped.
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: syntheticFrameDuration}); err != nil {
				return
			}
		}
	}()

	return NewLocalMedia([]webrtc.TrackLocal{track}, func() error {
		cancel()
		<-done
		return nil
	}), nil
}
