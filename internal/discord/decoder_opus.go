//go:build opus
// +build opus

package discord

import (
	"fmt"

	"github.com/hraban/opus"
)

// DecoderName identifies the Opus implementation compiled in.
const DecoderName = "libopus"

type libopusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func newDecoder() (decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &libopusDecoder{dec: dec, pcm: make([]int16, frameSamples*channels*6)}, nil
}

func (d *libopusDecoder) decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	out := make([]int16, n*channels)
	copy(out, d.pcm[:n*channels])
	return out, nil
}
