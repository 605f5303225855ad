// Package discord adapts a discordgo voice connection to the in-process
// engine: Opus packets become decoded frames, speaking updates become SSRC
// associations and channel leaves become disconnects.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/voicerecv/internal/engine"
	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
)

// Receiver feeds one joined voice channel into an engine.
type Receiver struct {
	vc        *discordgo.VoiceConnection
	eng       *engine.Engine
	names     NameResolver
	guildID   string
	channelID string

	mu       sync.Mutex
	decoders map[uint32]decoder
	ssrcOf   map[uint64]uint32

	frames      uint64
	decodeFails uint64

	removeHandler func()
	disconnectVC  func() error
	closeOnce     sync.Once
}

// Join connects to a voice channel (muted, not deafened) and returns a
// receiver for it. Call Run to start pumping audio.
func Join(s *discordgo.Session, guildID, channelID string, eng *engine.Engine, names NameResolver) (*Receiver, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %s: %w", channelID, err)
	}
	logging.Infow("discord: voice joined", append(logging.GuildFields(guildID, names.GuildName(guildID)), logging.ChannelFields(channelID, names.ChannelName(channelID))...)...)
	return newReceiver(s, vc, guildID, channelID, eng, names), nil
}

func newReceiver(s *discordgo.Session, vc *discordgo.VoiceConnection, guildID, channelID string, eng *engine.Engine, names NameResolver) *Receiver {
	if names == nil {
		names = NewNoopResolver()
	}
	r := &Receiver{
		vc:           vc,
		eng:          eng,
		names:        names,
		guildID:      guildID,
		channelID:    channelID,
		decoders:     make(map[uint32]decoder),
		ssrcOf:       make(map[uint64]uint32),
		disconnectVC: vc.Disconnect,
	}
	vc.AddHandler(r.handleSpeakingUpdate)
	if s != nil {
		r.removeHandler = s.AddHandler(r.handleVoiceStateUpdate)
	}
	return r
}

// Run reads Opus packets until ctx is done or the connection's receive
// channel closes.
func (r *Receiver) Run(ctx context.Context) error {
	logging.Infow("discord: receive loop started", "decoder", DecoderName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-r.vc.OpusRecv:
			if !ok {
				logging.Warnw("discord: opus receive channel closed")
				return nil
			}
			if pkt == nil {
				continue
			}
			r.eng.Assembler.Push(r.frame(pkt))
		}
	}
}

// frame decodes pkt. A decode failure yields a frame with nil PCM so the
// source still counts as active for the tick.
func (r *Receiver) frame(pkt *discordgo.Packet) engine.Frame {
	f := engine.Frame{
		SSRC:      pkt.SSRC,
		Sequence:  pkt.Sequence,
		Timestamp: pkt.Timestamp,
		Opus:      pkt.Opus,
	}
	dec, err := r.decoder(pkt.SSRC)
	if err != nil {
		logging.Errorw("discord: failed to create opus decoder", append(logging.SSRCFields(pkt.SSRC, ""), "err", err)...)
		return f
	}
	pcm, err := dec.decode(pkt.Opus)

	r.mu.Lock()
	r.frames++
	if err != nil {
		r.decodeFails++
	}
	r.mu.Unlock()

	if err != nil {
		logging.Debugw("discord: opus decode error", append(logging.SSRCFields(pkt.SSRC, ""), "err", err)...)
		return f
	}
	f.PCM = pcm
	return f
}

func (r *Receiver) decoder(ssrc uint32) (decoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dec, ok := r.decoders[ssrc]; ok {
		return dec, nil
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	r.decoders[ssrc] = dec
	return dec, nil
}

func (r *Receiver) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	ssrc := uint32(su.SSRC)
	userID, err := strconv.ParseUint(su.UserID, 10, 64)
	hasUser := su.UserID != "" && err == nil
	if su.UserID != "" && err != nil {
		logging.Warnw("discord: speaking update with malformed user id", append(logging.SSRCFields(ssrc, ""), "user_id", su.UserID)...)
	}
	var flags receive.SpeakingFlags
	if su.Speaking {
		flags |= receive.SpeakingMicrophone
	}
	if hasUser {
		r.mu.Lock()
		r.ssrcOf[userID] = ssrc
		r.mu.Unlock()
	}
	key := receive.UnknownKey(ssrc)
	if hasUser {
		key = receive.UserKey(userID)
	}
	fields := append(logging.UserFields(su.UserID, r.names.UserName(su.UserID)), logging.SSRCFields(ssrc, key.String())...)
	logging.Infow("discord: mapped SSRC -> user", append(fields, "speaking", su.Speaking)...)
	r.eng.SpeakingUpdate(context.Background(), ssrc, userID, hasUser, flags)
}

func (r *Receiver) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != r.guildID {
		return
	}
	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == r.channelID && vsu.ChannelID != r.channelID
	if !left {
		return
	}
	userID, err := strconv.ParseUint(vsu.UserID, 10, 64)
	if err != nil {
		logging.Warnw("discord: voice state with malformed user id", "user_id", vsu.UserID)
		return
	}
	r.mu.Lock()
	ssrc, hasSSRC := r.ssrcOf[userID]
	delete(r.ssrcOf, userID)
	if hasSSRC {
		delete(r.decoders, ssrc)
	}
	r.mu.Unlock()

	logging.Infow("discord: participant left", logging.UserFields(vsu.UserID, r.names.UserName(vsu.UserID))...)
	r.eng.Disconnect(context.Background(), userID, ssrc, hasSSRC)
}

// Stats returns how many packets were seen and how many failed to decode.
func (r *Receiver) Stats() (frames, decodeFailures uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.decodeFails
}

// Close removes the session handler and leaves the voice channel. It is
// safe to call more than once.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.removeHandler != nil {
			r.removeHandler()
		}
		if r.disconnectVC != nil {
			err = r.disconnectVC()
		}
	})
	return err
}
