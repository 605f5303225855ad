package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/discord-voice-lab/voicerecv/receive"
)

func tickFor(t *testing.T, r *receive.Resolver, seq uint64, ssrcs ...uint32) *receive.Tick {
	t.Helper()
	ev := &receive.VoiceTick{Seq: seq, Speaking: map[uint32]*receive.VoiceData{}}
	for _, s := range ssrcs {
		ev.Speaking[s] = &receive.VoiceData{Decoded: []int16{int16(seq), -int16(seq)}}
	}
	return receive.NewTick(ev, r)
}

type names map[string]string

func (n names) UserName(id string) string { return n[id] }

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec, err := New(Options{Dir: dir, SilenceTimeout: 100 * time.Millisecond, MaxClip: time.Second, Names: names{"7": "Ada Lovelace"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rec, dir
}

func listSidecars(t *testing.T, dir string) []*Sidecar {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	var out []*Sidecar
	for _, m := range matches {
		sc, err := ReadSidecar(m)
		if err != nil {
			t.Fatalf("ReadSidecar %s: %v", m, err)
		}
		out = append(out, sc)
	}
	return out
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := New(Options{Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for zero durations")
	}
}

func TestRecorderFlushesAfterSilence(t *testing.T) {
	rec, dir := newRecorder(t)
	res := receive.NewResolver()
	res.Insert(7, 42)

	// 100ms of silence is 5 ticks at 50/s.
	rec.Observe(tickFor(t, res, 1, 42))
	rec.Observe(tickFor(t, res, 2, 42))
	for seq := uint64(3); seq <= 6; seq++ {
		rec.Observe(tickFor(t, res, seq))
	}
	if rec.Saved() != 0 {
		t.Fatalf("clip flushed too early")
	}
	rec.Observe(tickFor(t, res, 7))
	if rec.Saved() != 1 {
		t.Fatalf("expected one clip, got %d", rec.Saved())
	}

	scs := listSidecars(t, dir)
	if len(scs) != 1 {
		t.Fatalf("sidecars: %d", len(scs))
	}
	sc := scs[0]
	if sc.Key != "user:7" || sc.UserID != "7" || sc.Username != "Ada Lovelace" {
		t.Fatalf("sidecar identity: %+v", sc)
	}
	if sc.FirstSeq != 1 || sc.LastSeq != 2 || sc.Samples != 4 {
		t.Fatalf("sidecar span: %+v", sc)
	}
	if !strings.Contains(filepath.Base(sc.WavPath), "Ada_Lovelace") {
		t.Fatalf("wav name: %s", sc.WavPath)
	}

	wav, err := os.ReadFile(sc.WavPath)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(wav) != 44+8 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad wav header: % x", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 48000 {
		t.Fatalf("sample rate: %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 2 {
		t.Fatalf("channels: %d", got)
	}
	want := []byte{1, 0, 0xff, 0xff, 2, 0, 0xfe, 0xff}
	if !bytes.Equal(wav[44:], want) {
		t.Fatalf("pcm payload: % x", wav[44:])
	}
	if !strings.Contains(filepath.Base(sc.WavPath), "cid"+sc.CorrelationID) {
		t.Fatalf("wav name lacks correlation id: %s", sc.WavPath)
	}
}

func TestRecorderMaxClip(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(Options{Dir: dir, SilenceTimeout: time.Second, MaxClip: 50 * time.Microsecond})
	if err != nil {
		t.Fatal(err)
	}
	// 50µs holds 4.8 interleaved samples; each tick adds 2.
	res := receive.NewResolver()
	rec.Observe(tickFor(t, res, 1, 9))
	rec.Observe(tickFor(t, res, 2, 9))
	if rec.Saved() != 1 {
		t.Fatalf("expected a clip at max length, got %d", rec.Saved())
	}
	if sc := listSidecars(t, dir)[0]; sc.Key != "ssrc:9" || sc.UserID != "" {
		t.Fatalf("unknown key sidecar: %+v", sc)
	}
}

func TestRecorderRun(t *testing.T) {
	rec, dir := newRecorder(t)
	sink := receive.NewStreamSink()
	st := sink.Stream()
	if err := st.Open(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background(), st) }()

	// Rounds of one speaking tick followed by enough silence to flush; the
	// subscription may miss early rounds while it attaches.
	h := sink.Registration().Handler
	deadline := time.After(5 * time.Second)
	var seq uint64
	for rec.Saved() == 0 {
		seq++
		ev := &receive.VoiceTick{Seq: seq, Speaking: map[uint32]*receive.VoiceData{5: {Decoded: []int16{1, 1}}}}
		h.Handle(context.Background(), ev)
		for i := 0; i < 6; i++ {
			seq++
			h.Handle(context.Background(), &receive.VoiceTick{Seq: seq})
		}
		select {
		case <-deadline:
			t.Fatal("recorder never saved a clip")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = st.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stream close")
	}
	if len(listSidecars(t, dir)) == 0 {
		t.Fatal("no sidecar written")
	}
}

func TestRecorderFlushAll(t *testing.T) {
	rec, dir := newRecorder(t)
	res := receive.NewResolver()
	rec.Observe(tickFor(t, res, 1, 3, 4))
	rec.FlushAll()
	if rec.Saved() != 2 || len(listSidecars(t, dir)) != 2 {
		t.Fatalf("expected two clips, saved %d", rec.Saved())
	}
	rec.FlushAll()
	if rec.Saved() != 2 {
		t.Fatal("second FlushAll wrote again")
	}
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, age time.Duration) {
		for _, ext := range []string{".json", ".wav"} {
			p := filepath.Join(dir, name+ext)
			if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := os.Chtimes(p, now.Add(-age), now.Add(-age)); err != nil {
				t.Fatal(err)
			}
		}
	}
	write("old", 48*time.Hour)
	write("a", 3*time.Hour)
	write("b", 2*time.Hour)
	write("c", time.Hour)

	n, err := Clean(dir, 24*time.Hour, 2, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d pairs, want 2", n)
	}
	for _, gone := range []string{"old", "a"} {
		if _, err := os.Stat(filepath.Join(dir, gone+".wav")); !os.IsNotExist(err) {
			t.Fatalf("%s.wav should be removed", gone)
		}
	}
	for _, kept := range []string{"b", "c"} {
		if _, err := os.Stat(filepath.Join(dir, kept+".json")); err != nil {
			t.Fatalf("%s.json should be kept: %v", kept, err)
		}
	}
}
