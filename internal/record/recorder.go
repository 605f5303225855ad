// Package record saves per-participant WAV clips from a tick stream, each
// paired with a JSON sidecar, and prunes old clips.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
	"github.com/google/uuid"
)

const (
	sampleRate    = 48000
	channels      = 2
	bitsPerSample = 16
)

// UserNamer resolves a user ID to a display name; "" when unknown.
type UserNamer interface {
	UserName(userID string) string
}

// Options configures a Recorder.
type Options struct {
	Dir string
	// SilenceTimeout flushes a clip once its key has not spoken for this long.
	SilenceTimeout time.Duration
	// MaxClip flushes a clip once it holds this much audio.
	MaxClip time.Duration
	// TickRate is the number of ticks per second. Default receive.TicksPerSecond.
	TickRate int
	Names    UserNamer
}

// Recorder accumulates PCM per key and writes a clip when the key falls
// silent or the clip reaches MaxClip. It is driven by a single goroutine.
type Recorder struct {
	dir          string
	silenceTicks uint64
	maxSamples   int
	names        UserNamer
	now          func() time.Time

	clips map[receive.Key]*clip
	saved atomic.Uint64
}

type clip struct {
	cid       string
	pcm       []byte
	samples   int
	firstSeq  uint64
	lastSeq   uint64
	createdAt time.Time
}

// New validates opts and creates the output directory.
func New(opts Options) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, errors.New("record: dir is required")
	}
	if opts.SilenceTimeout <= 0 || opts.MaxClip <= 0 {
		return nil, errors.New("record: silence timeout and max clip must be positive")
	}
	if opts.TickRate <= 0 {
		opts.TickRate = receive.TicksPerSecond
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("record: create %s: %w", opts.Dir, err)
	}
	silence := uint64(opts.SilenceTimeout.Seconds() * float64(opts.TickRate))
	if silence == 0 {
		silence = 1
	}
	return &Recorder{
		dir:          opts.Dir,
		silenceTicks: silence,
		maxSamples:   int(opts.MaxClip.Seconds() * sampleRate * channels),
		names:        opts.Names,
		now:          time.Now,
		clips:        make(map[receive.Key]*clip),
	}, nil
}

// Saved returns the number of clips written.
func (r *Recorder) Saved() uint64 { return r.saved.Load() }

// Run consumes st until it closes or ctx is done, then flushes every
// pending clip.
func (r *Recorder) Run(ctx context.Context, st *receive.Stream) error {
	logging.Infow("record: recorder started", "dir", r.dir, "stream.id", st.ID())
	defer r.FlushAll()
	for tick, err := range st.Ticks(ctx) {
		if err != nil {
			if errors.Is(err, receive.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		r.Observe(tick)
	}
	return nil
}

// Observe folds one tick into the pending clips.
func (r *Recorder) Observe(t *receive.Tick) {
	for _, key := range t.SpeakingKeys() {
		pcm, _ := t.Get(key)
		c, ok := r.clips[key]
		if !ok {
			c = &clip{cid: uuid.NewString(), firstSeq: t.Seq(), createdAt: r.now()}
			r.clips[key] = c
		}
		c.pcm = pcm.AppendBytes(c.pcm)
		c.samples += pcm.Len()
		c.lastSeq = t.Seq()
		if c.samples >= r.maxSamples {
			r.flush(key)
		}
	}
	for key, c := range r.clips {
		if t.Seq() >= c.lastSeq+r.silenceTicks {
			r.flush(key)
		}
	}
}

// FlushAll writes every pending clip.
func (r *Recorder) FlushAll() {
	for key := range r.clips {
		r.flush(key)
	}
}

func (r *Recorder) flush(key receive.Key) {
	c := r.clips[key]
	delete(r.clips, key)
	if c == nil || c.samples == 0 {
		return
	}
	if _, err := r.write(key, c); err != nil {
		logging.Errorw("record: failed to save clip", "key", key.String(), "correlation_id", c.cid, "err", err)
		return
	}
	r.saved.Add(1)
}

func (r *Recorder) write(key receive.Key, c *clip) (string, error) {
	durMs := c.samples * 1000 / (sampleRate * channels)
	sc := Sidecar{
		CorrelationID: c.cid,
		Key:           key.String(),
		FirstSeq:      c.firstSeq,
		LastSeq:       c.lastSeq,
		Samples:       c.samples,
		DurationMs:    durMs,
		SampleRate:    sampleRate,
		Channels:      channels,
		CreatedAt:     c.createdAt,
		SavedAt:       r.now(),
	}
	label := strings.ReplaceAll(key.String(), ":", "-")
	if uid, ok := key.UserID(); ok {
		sc.UserID = strconv.FormatUint(uid, 10)
		if r.names != nil {
			sc.Username = r.names.UserName(sc.UserID)
		}
		if sc.Username != "" {
			label = strings.ReplaceAll(sc.Username, " ", "_")
		}
	}
	base := fmt.Sprintf("%d_%s_cid%s", c.createdAt.UnixMilli(), label, c.cid)
	sc.WavPath = filepath.Join(r.dir, base+".wav")

	if err := SaveFileAtomic(sc.WavPath, buildWAV(c.pcm, sampleRate, channels, bitsPerSample), 0o644); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", err
	}
	jsonPath := filepath.Join(r.dir, base+".json")
	if err := SaveFileAtomic(jsonPath, b, 0o644); err != nil {
		return "", err
	}
	logging.Infow("record: saved clip", append(logging.ClipFields(sc.Key, c.samples, durMs), "correlation_id", c.cid, "wav", sc.WavPath)...)
	return jsonPath, nil
}
