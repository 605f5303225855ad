package discord

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	sampleRate   = 48000
	channels     = 2
	frameSamples = sampleRate / 50
)

// decoder turns one source's Opus packets into interleaved PCM. Decoders
// keep state between packets, so each SSRC gets its own.
type decoder interface {
	decode(packet []byte) ([]int16, error)
}
