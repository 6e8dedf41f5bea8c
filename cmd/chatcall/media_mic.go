//go:build mic

package main

import (
	"github.com/jaballahchat/chatcall/internal/callsignal"
	"github.com/jaballahchat/chatcall/internal/webrtcpeer"
)

func newMediaSource() (callsignal.MediaSource, []webrtcpeer.Option, error) {
	mic, err := webrtcpeer.NewMicrophone()
	if err != nil {
		return nil, nil, err
	}
	return mic, []webrtcpeer.Option{webrtcpeer.WithCodecs(mic.RegisterCodecs)}, nil
}
