//go:build mic

package webrtcpeer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// Microphone captures the default audio input device and encodes it as Opus.
// Its codecs must be registered on the API via WithCodecs(mic.RegisterCodecs).
type Microphone struct {
	selector *mediadevices.CodecSelector
}

func NewMicrophone() (*Microphone, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &Microphone{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params)),
	}, nil
}

func (m *Microphone) RegisterCodecs(me *webrtc.MediaEngine) error {
	m.selector.Populate(me)
	return nil
}

func (m *Microphone) Capture(ctx context.Context) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio input device")
	}
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		local = append(local, t)
	}
	return NewLocalMedia(local, func() error {
		var errs []error
		for _, t := range tracks {
			errs = append(errs, t.Close())
		}
		return errors.Join(errs...)
	}), nil
}
