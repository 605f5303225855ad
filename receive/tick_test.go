package receive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTickResolvesKeys(t *testing.T) {
	r := NewResolver()
	r.Insert(7, 42)

	ev := speakingTick(3, 100, 42, 99)
	ev.Silent[5] = struct{}{}
	tick := NewTick(ev, r)

	assert.Equal(t, uint64(3), tick.Seq())
	assert.Equal(t, []Key{UserKey(7), UnknownKey(99)}, tick.SpeakingKeys())
	assert.Equal(t, []Key{UnknownKey(5)}, tick.SilentKeys())
	assert.Equal(t, 3, tick.Len())

	pcm, p := tick.Get(UserKey(7))
	assert.Equal(t, Speaking, p)
	assert.Equal(t, []int16{100, 100, 100, 100}, pcm.Samples())

	_, p = tick.Get(UnknownKey(5))
	assert.Equal(t, Silent, p)
	assert.True(t, tick.IsSilent(UnknownKey(5)))

	_, p = tick.Get(UserKey(1))
	assert.Equal(t, Absent, p)
}

func TestNewTickUndecodableIsSilent(t *testing.T) {
	ev := &VoiceTick{
		Speaking: map[uint32]*VoiceData{1: nil, 2: {Opus: []byte{0xf8}}},
	}
	tick := NewTick(ev, NewResolver())
	assert.Empty(t, tick.SpeakingKeys())
	assert.Equal(t, []Key{UnknownKey(1), UnknownKey(2)}, tick.SilentKeys())
}

func TestNewTickSpeakingWinsOverSilent(t *testing.T) {
	r := NewResolver()
	r.Insert(7, 42)
	ev := speakingTick(1, 5, 42)
	ev.Silent[42] = struct{}{}
	tick := NewTick(ev, r)

	_, p := tick.Get(UserKey(7))
	assert.Equal(t, Speaking, p)
	assert.False(t, tick.IsSilent(UserKey(7)))
}

func TestNewTickCopiesSamples(t *testing.T) {
	ev := speakingTick(1, 9, 1)
	tick := NewTick(ev, NewResolver())
	ev.Speaking[1].Decoded[0] = -1

	pcm, _ := tick.Get(UnknownKey(1))
	assert.Equal(t, int16(9), pcm.At(0))
}

func TestTickSpeakingSilentExclusive(t *testing.T) {
	r := NewResolver()
	for i := range uint32(8) {
		if i%2 == 0 {
			r.Insert(uint64(i/2), i)
		}
	}
	for seq := range uint64(64) {
		ev := &VoiceTick{Seq: seq, Speaking: map[uint32]*VoiceData{}, Silent: map[uint32]struct{}{}}
		for ssrc := range uint32(8) {
			switch (seq >> ssrc) & 3 {
			case 0:
				ev.Silent[ssrc] = struct{}{}
			case 1:
				ev.Speaking[ssrc] = &VoiceData{Decoded: []int16{1}}
			case 2:
				ev.Speaking[ssrc] = nil
			case 3:
				ev.Silent[ssrc] = struct{}{}
				ev.Speaking[ssrc] = &VoiceData{Decoded: []int16{2}}
			}
		}
		tick := NewTick(ev, r)
		for _, k := range tick.SpeakingKeys() {
			require.False(t, tick.IsSilent(k), "seq %d key %s in both sets", seq, k)
		}
	}
}

func TestPCMAppendBytes(t *testing.T) {
	pcm := NewPCM([]int16{1, -2})
	assert.Equal(t, []byte{0x01, 0x00, 0xfe, 0xff}, pcm.AppendBytes(nil))
	assert.Equal(t, 2, pcm.Len())
	assert.False(t, pcm.IsZero())
	assert.True(t, PCM{}.IsZero())
}

func TestPresenceString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "silent", Silent.String())
	assert.Equal(t, "speaking", Speaking.String())
	assert.Equal(t, "dropped", Dropped.String())
}
