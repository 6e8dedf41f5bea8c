package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// PacketCounter consumes remote tracks and counts RTP packets. It signals
// Started on the first packet received.
type PacketCounter struct {
	packets atomic.Uint64
	once    sync.Once
	started chan struct{}
}

func NewPacketCounter() *PacketCounter {
	return &PacketCounter{started: make(chan struct{})}
}

func (c *PacketCounter) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		c.packets.Add(1)
		c.once.Do(func() { close(c.started) })
	}
}

func (c *PacketCounter) Packets() uint64 { return c.packets.Load() }

func (c *PacketCounter) Started() <-chan struct{} { return c.started }

// OggRecorder writes each remote Opus track to <Dir>/<prefix>-<track>.ogg.
// Tracks with other codecs are drained and dropped.
type OggRecorder struct {
	Dir    string
	Prefix string
	Logger *slog.Logger
}

func (r *OggRecorder) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("track_id", track.ID(), "codec", track.Codec().MimeType)

	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		logger.Info("remote track not recorded")
		drainRTP(track)
		return
	}

	path := filepath.Join(r.Dir, r.fileName(track.ID()))
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("create recording failed", "path", path, "err", err)
		drainRTP(track)
		return
	}
	// The ogg writer closes io.Closers itself; hide f so it is closed once.
	n, err := recordOpus(struct{ io.Writer }{f}, track)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		logger.Warn("recording stopped", "path", path, "packets", n, "err", err)
		return
	}
	logger.Info("recording finished", "path", path, "packets", n)
}

func (r *OggRecorder) fileName(trackID string) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "call"
	}
	safe := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		}
		return '_'
	}, trackID)
	return prefix + "-" + safe + ".ogg"
}

// recordOpus copies Opus RTP packets from src into an Ogg container until
// the track ends. Returns the number of packets written.
func recordOpus(w io.Writer, src *webrtc.TrackRemote) (int, error) {
	ogg, err := newOggWriter(w)
	if err != nil {
		return 0, fmt.Errorf("new ogg writer: %w", err)
	}
	n, copyErr := copyRTP(ogg, src)
	if err := ogg.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	return n, copyErr
}

func newOggWriter(w io.Writer) (*oggwriter.OggWriter, error) {
	return oggwriter.NewWith(w, 48000, 2)
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

type rtpSource interface {
	ReadRTP() (*rtp.Packet, error)
}

type trackSource struct{ t *webrtc.TrackRemote }

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.t.ReadRTP()
	return pkt, err
}

func copyRTP(dst rtpWriter, src *webrtc.TrackRemote) (int, error) {
	return copyPackets(dst, trackSource{t: src})
}

// copyPackets treats io.EOF from src as a clean end of stream.
func copyPackets(dst rtpWriter, src rtpSource) (int, error) {
	n := 0
	for {
		pkt, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if err := dst.WriteRTP(pkt); err != nil {
			return n, fmt.Errorf("write rtp: %w", err)
		}
		n++
	}
}

func drainRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
