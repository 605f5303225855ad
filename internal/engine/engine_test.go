package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-lab/voicerecv/receive"
)

type recorder struct {
	mu     sync.Mutex
	kinds  []receive.EventKind
	remove bool
}

func (r *recorder) Handle(_ context.Context, ev receive.Event) *receive.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind())
	if r.remove {
		return &receive.Action{Remove: true}
	}
	return nil
}

func (r *recorder) seen() []receive.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receive.EventKind(nil), r.kinds...)
}

func TestDispatchFiltersByEventSet(t *testing.T) {
	d := NewDispatcher()
	ticks := &recorder{}
	updates := &recorder{}
	d.Register(receive.Registration{Handler: ticks, Events: receive.NewEventSet(receive.EventVoiceTick)})
	d.Register(receive.Registration{Handler: updates, Events: receive.NewEventSet(receive.EventSpeakingUpdate, receive.EventClientDisconnect)})

	ctx := context.Background()
	d.Dispatch(ctx, &receive.VoiceTick{})
	d.Dispatch(ctx, &receive.SpeakingUpdate{SSRC: 1})
	d.Dispatch(ctx, &receive.ClientDisconnect{UserID: 1})

	if got := ticks.seen(); len(got) != 1 || got[0] != receive.EventVoiceTick {
		t.Fatalf("tick handler saw %v", got)
	}
	if got := updates.seen(); len(got) != 2 || got[0] != receive.EventSpeakingUpdate || got[1] != receive.EventClientDisconnect {
		t.Fatalf("update handler saw %v", got)
	}
}

func TestDispatchHonoursRemoveAction(t *testing.T) {
	d := NewDispatcher()
	once := &recorder{remove: true}
	d.Register(receive.Registration{Handler: once, Events: receive.NewEventSet(receive.EventVoiceTick)})

	d.Dispatch(context.Background(), &receive.VoiceTick{})
	d.Dispatch(context.Background(), &receive.VoiceTick{})

	if n := len(once.seen()); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if d.Len() != 0 {
		t.Fatalf("handler still registered")
	}
}

func TestRegisterRemoveFunc(t *testing.T) {
	d := NewDispatcher()
	r := &recorder{}
	remove := d.Register(receive.Registration{Handler: r, Events: receive.NewEventSet(receive.EventVoiceTick)})
	remove()
	remove()
	d.Dispatch(context.Background(), &receive.VoiceTick{})
	if len(r.seen()) != 0 {
		t.Fatalf("removed handler was invoked")
	}
}

func TestAssemblerClassifiesSources(t *testing.T) {
	a := NewAssembler(time.Hour, nil)
	a.Push(Frame{SSRC: 1, PCM: []int16{1, 2}})
	a.Push(Frame{SSRC: 1, PCM: []int16{3}})
	a.Push(Frame{SSRC: 2}) // undecodable

	ev := a.Flush()
	if ev.Seq != 1 {
		t.Fatalf("seq: want 1 got %d", ev.Seq)
	}
	if got := ev.Speaking[1].Decoded; len(got) != 3 || got[2] != 3 {
		t.Fatalf("ssrc 1 samples: %v", got)
	}
	if d, ok := ev.Speaking[2]; !ok || d.Decoded != nil {
		t.Fatalf("ssrc 2 should be speaking without audio: %+v", d)
	}
	if len(ev.Silent) != 0 {
		t.Fatalf("no source should be silent: %v", ev.Silent)
	}

	a.Push(Frame{SSRC: 2, PCM: []int16{7}})
	ev = a.Flush()
	if _, ok := ev.Silent[1]; !ok {
		t.Fatalf("ssrc 1 should be silent in tick 2")
	}
	if _, ok := ev.Speaking[2]; !ok {
		t.Fatalf("ssrc 2 should be speaking in tick 2")
	}

	a.Forget(1)
	ev = a.Flush()
	if _, ok := ev.Silent[1]; ok {
		t.Fatalf("forgotten ssrc still reported")
	}
	if _, ok := ev.Silent[2]; !ok {
		t.Fatalf("ssrc 2 should be silent in tick 3")
	}
}

func TestAssemblerExpiresQuietSources(t *testing.T) {
	a := NewAssembler(10*time.Millisecond, nil)
	a.SetSilenceExpiry(30 * time.Millisecond)

	a.Push(Frame{SSRC: 9, PCM: []int16{1}})
	a.Flush()
	for i := 0; i < 3; i++ {
		if _, ok := a.Flush().Silent[9]; !ok {
			t.Fatalf("ssrc 9 should be silent %d ticks after speaking", i+1)
		}
	}
	if _, ok := a.Flush().Silent[9]; ok {
		t.Fatal("ssrc 9 still reported after the silence expiry")
	}

	// Speaking again makes the source known again.
	a.Push(Frame{SSRC: 9, PCM: []int16{2}})
	a.Flush()
	if _, ok := a.Flush().Silent[9]; !ok {
		t.Fatal("ssrc 9 should be silent again after speaking")
	}
}

func TestEngineFeedsBufferSink(t *testing.T) {
	e := New()
	sink := receive.NewBufferSink()
	defer e.Register(sink.Registration())()

	ctx := context.Background()
	e.SpeakingUpdate(ctx, 42, 7, true, receive.SpeakingMicrophone)
	e.Assembler.Push(Frame{SSRC: 42, PCM: []int16{5, 5}})
	e.Dispatch(ctx, e.Assembler.Flush())
	e.Disconnect(ctx, 7, 42, true)
	e.Assembler.Push(Frame{SSRC: 42, PCM: []int16{6}})
	e.Dispatch(ctx, e.Assembler.Flush())
	sink.Stop()

	var keys []receive.Key
	for tick := range sink.All(ctx) {
		keys = append(keys, tick.SpeakingKeys()...)
	}
	if len(keys) != 2 || keys[0] != receive.UserKey(7) || keys[1] != receive.UnknownKey(42) {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestAssemblerRunEmitsTicks(t *testing.T) {
	got := make(chan *receive.VoiceTick, 8)
	a := NewAssembler(5*time.Millisecond, func(_ context.Context, ev receive.Event) {
		select {
		case got <- ev.(*receive.VoiceTick):
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-got:
			if ev.Seq <= last {
				t.Fatalf("sequence not increasing: %d after %d", ev.Seq, last)
			}
			last = ev.Seq
		case <-time.After(time.Second):
			t.Fatal("no tick emitted")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
