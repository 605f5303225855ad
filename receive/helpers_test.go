package receive

import (
	"context"
	"testing"
)

// speakingTick builds a raw tick in which every ssrc sends one frame whose
// samples all equal val.
func speakingTick(seq uint64, val int16, ssrcs ...uint32) *VoiceTick {
	ev := &VoiceTick{
		Seq:      seq,
		Speaking: make(map[uint32]*VoiceData, len(ssrcs)),
		Silent:   map[uint32]struct{}{},
	}
	for _, s := range ssrcs {
		ev.Speaking[s] = &VoiceData{Decoded: []int16{val, val, val, val}}
	}
	return ev
}

func deliver(t *testing.T, reg Registration, events ...Event) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range events {
		if !reg.Events.Has(ev.Kind()) {
			continue
		}
		if act := reg.Handler.Handle(ctx, ev); act != nil {
			t.Fatalf("sink handler returned non-nil action %+v", act)
		}
	}
}
