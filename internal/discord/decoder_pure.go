//go:build !opus
// +build !opus

package discord

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/opus"
)

// DecoderName identifies the Opus implementation compiled in. Builds
// without the opus tag use a pure-Go decoder that does not need libopus.
const DecoderName = "pion"

type pionDecoder struct {
	dec opus.Decoder
	out []byte
}

// pion decodes SILK only and always writes one 20 ms frame of mono S16LE
// at 48 kHz.
const pionFrameBytes = frameSamples * 2

func newDecoder() (decoder, error) {
	return &pionDecoder{dec: opus.NewDecoder(), out: make([]byte, pionFrameBytes)}, nil
}

func (d *pionDecoder) decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, errors.New("discord: opus decode: empty packet")
	}
	if _, _, err := d.dec.Decode(packet, d.out); err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	// Upmix so every source yields interleaved stereo like libopus does.
	pcm := make([]int16, 0, frameSamples*channels)
	for i := 0; i < pionFrameBytes; i += 2 {
		s := int16(binary.LittleEndian.Uint16(d.out[i:]))
		pcm = append(pcm, s, s)
	}
	return pcm, nil
}
