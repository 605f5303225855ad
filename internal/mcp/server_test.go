package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/discord-voice-lab/voicerecv/receive"
)

type staticNames map[string]string

func (n staticNames) UserName(id string) string { return n[id] }

func deliver(reg receive.Registration, events ...receive.Event) {
	for _, ev := range events {
		if reg.Events.Has(ev.Kind()) {
			reg.Handler.Handle(context.Background(), ev)
		}
	}
}

func tick(seq uint64, speaking ...uint32) *receive.VoiceTick {
	ev := &receive.VoiceTick{Seq: seq, Speaking: map[uint32]*receive.VoiceData{}, Silent: map[uint32]struct{}{}}
	for _, s := range speaking {
		ev.Speaking[s] = &receive.VoiceData{Decoded: []int16{1, 2}}
	}
	return ev
}

func connect(t *testing.T, src Sources) *ClientWrapper {
	t.Helper()
	srv := httptest.NewServer(NewServer(src, "test"))
	t.Cleanup(srv.Close)

	wrapper := NewClientWrapper("test-client", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapper.ConnectWebSocket(ctx, strings.Replace(srv.URL, "http", "ws", 1)); err != nil {
		t.Fatalf("ConnectWebSocket failed: %v", err)
	}
	t.Cleanup(func() { _ = wrapper.Close() })
	return wrapper
}

func call(t *testing.T, w *ClientWrapper, tool string, args map[string]any, out any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := w.CallTool(ctx, tool, args)
	if err != nil {
		t.Fatalf("CallTool %s: %v", tool, err)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("decode %s result %q: %v", tool, text, err)
	}
}

func TestListTools(t *testing.T) {
	w := connect(t, Sources{})
	names, err := w.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := map[string]bool{"voice_participants": true, "voice_activity": true, "stream_status": true}
	if len(names) != len(want) {
		t.Fatalf("tools: %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected tool %q", n)
		}
	}
}

func TestVoiceParticipants(t *testing.T) {
	stream := receive.NewStreamSink()
	deliver(stream.Registration(),
		&receive.SpeakingUpdate{SSRC: 43, UserID: 8, HasUser: true},
		&receive.SpeakingUpdate{SSRC: 42, UserID: 7, HasUser: true},
	)
	w := connect(t, Sources{Stream: stream, Names: staticNames{"7": "alice"}})

	var got []Participant
	call(t, w, "voice_participants", nil, &got)
	if len(got) != 2 {
		t.Fatalf("participants: %+v", got)
	}
	if got[0] != (Participant{SSRC: 42, UserID: "7", Name: "alice"}) || got[1].UserID != "8" {
		t.Fatalf("participants: %+v", got)
	}
}

func TestVoiceActivityDrainsBuffer(t *testing.T) {
	buf := receive.NewBufferSink()
	reg := buf.Registration()
	deliver(reg, &receive.SpeakingUpdate{SSRC: 42, UserID: 7, HasUser: true})
	for seq := uint64(1); seq <= 4; seq++ {
		ev := tick(seq, 42)
		if seq%2 == 0 {
			ev = tick(seq)
			ev.Silent[42] = struct{}{}
			ev.Speaking[99] = &receive.VoiceData{Decoded: []int16{1}}
		}
		deliver(reg, ev)
	}
	w := connect(t, Sources{Buffer: buf})

	var rep ActivityReport
	call(t, w, "voice_activity", map[string]any{"max_ticks": 3}, &rep)
	if rep.Ticks != 3 || rep.FirstSeq != 1 || rep.LastSeq != 3 || rep.Remaining != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if len(rep.Keys) != 2 {
		t.Fatalf("keys: %+v", rep.Keys)
	}
	user := rep.Keys[0]
	if user.Key != "user:7" || user.Speaking != 2 || user.Silent != 1 || user.Samples != 4 {
		t.Fatalf("user:7 activity: %+v", user)
	}
	if rep.Keys[1].Key != "ssrc:99" || rep.Keys[1].Speaking != 1 {
		t.Fatalf("ssrc:99 activity: %+v", rep.Keys[1])
	}

	call(t, w, "voice_activity", map[string]any{"key": "user:7"}, &rep)
	if rep.Ticks != 1 || len(rep.Keys) != 1 || rep.Keys[0].Silent != 1 {
		t.Fatalf("filtered report: %+v", rep)
	}
}

func TestVoiceActivityWithoutBuffer(t *testing.T) {
	w := connect(t, Sources{})
	if _, err := w.CallTool(context.Background(), "voice_activity", nil); err == nil {
		t.Fatal("expected tool error without a buffer")
	}
}

func TestStreamStatus(t *testing.T) {
	stream := receive.NewStreamSink(receive.WithMaxConcurrent(3))
	st := stream.Stream()
	if err := st.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	w := connect(t, Sources{Stream: stream, Buffer: receive.NewBufferSink(receive.WithRetention(2))})

	var got Status
	call(t, w, "stream_status", nil, &got)
	if got.Stream == nil || got.Stream.Active != 1 || got.Stream.MaxConcurrent != 3 {
		t.Fatalf("stream status: %+v", got.Stream)
	}
	if got.Buffer == nil || got.Buffer.Capacity != 100 {
		t.Fatalf("buffer status: %+v", got.Buffer)
	}
}

func TestCallToolNotConnected(t *testing.T) {
	w := NewClientWrapper("c", "v")
	if _, err := w.CallTool(context.Background(), "stream_status", nil); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}
