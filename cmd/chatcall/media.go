//go:build !mic

package main

import (
	"github.com/jaballahchat/chatcall/internal/callsignal"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

// newMediaSource sends silence. Build with -tags mic to capture the default
// microphone instead.
func newMediaSource() (callsignal.MediaSource, []webrtcpeer.Option, error) {
	return webrtcpeer.SyntheticAudio{}, nil, nil
}
