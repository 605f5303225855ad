// Package wsstream serves a StreamSink to websocket clients. Each
// connection holds one stream permit for as long as it stays open.
package wsstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 5 * time.Second

// KeyAudio is one speaking key of a [TickFrame]. PCM is little-endian
// interleaved stereo at 48 kHz, base64 encoded on the wire.
type KeyAudio struct {
	Key string `json:"key"`
	PCM []byte `json:"pcm"`
}

// TickFrame is sent for every tick when no key is requested.
type TickFrame struct {
	Seq      uint64     `json:"seq"`
	Speaking []KeyAudio `json:"speaking"`
	Silent   []string   `json:"silent"`
}

// KeyedFrame is sent for every tick when the client asked for one key.
type KeyedFrame struct {
	Seq      uint64 `json:"seq"`
	Presence string `json:"presence"`
	PCM      []byte `json:"pcm,omitempty"`
}

// Handler upgrades requests and streams ticks until either side closes.
type Handler struct {
	sink         *receive.StreamSink
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// New returns a Handler streaming from sink.
func New(sink *receive.StreamSink) *Handler {
	return &Handler{
		sink:         sink,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		writeTimeout: defaultWriteTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		key   receive.Key
		keyed bool
	)
	if raw := r.URL.Query().Get("key"); raw != "" {
		k, err := receive.ParseKey(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key, keyed = k, true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("wsstream: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	ctx := logging.WithFields(r.Context(), "remote", r.RemoteAddr)
	st := h.sink.Stream()
	if err := st.Open(); err != nil {
		code := websocket.CloseGoingAway
		if errors.Is(err, receive.ErrAdmissionDenied) {
			code = websocket.CloseTryAgainLater
		}
		logging.InfowCtx(ctx, "wsstream: stream refused", append(logging.StreamFields(st.ID(), h.sink.Active(), h.sink.MaxConcurrent()), "err", err)...)
		h.closeWith(conn, code, err.Error())
		return
	}
	defer st.Close()
	logging.InfowCtx(ctx, "wsstream: stream opened", append(logging.StreamFields(st.ID(), h.sink.Active(), h.sink.MaxConcurrent()), "key", r.URL.Query().Get("key"))...)
	ctx = logging.WithFields(ctx, "stream.id", st.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Control frames are only processed while reading.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if keyed {
		err = h.serveKey(ctx, conn, st, key)
	} else {
		err = h.serveTicks(ctx, conn, st)
	}
	switch {
	case errors.Is(err, receive.ErrClosed):
		h.closeWith(conn, websocket.CloseGoingAway, "stream closed")
	case err != nil && ctx.Err() == nil:
		logging.WarnwCtx(ctx, "wsstream: stream ended", "err", err)
	}
	logging.DebugwCtx(ctx, "wsstream: stream released")
}

func (h *Handler) serveTicks(ctx context.Context, conn *websocket.Conn, st *receive.Stream) error {
	for tick, err := range st.Ticks(ctx) {
		if err != nil {
			return err
		}
		if err := h.write(conn, tickFrame(tick)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) serveKey(ctx context.Context, conn *websocket.Conn, st *receive.Stream, key receive.Key) error {
	for kp, err := range st.Key(ctx, key) {
		if err != nil {
			return err
		}
		f := KeyedFrame{Seq: kp.Seq, Presence: kp.Presence.String()}
		if !kp.PCM.IsZero() {
			f.PCM = kp.PCM.AppendBytes(nil)
		}
		if err := h.write(conn, f); err != nil {
			return err
		}
	}
	return nil
}

func tickFrame(t *receive.Tick) TickFrame {
	f := TickFrame{Seq: t.Seq(), Speaking: []KeyAudio{}, Silent: []string{}}
	for _, k := range t.SpeakingKeys() {
		pcm, _ := t.Get(k)
		f.Speaking = append(f.Speaking, KeyAudio{Key: k.String(), PCM: pcm.AppendBytes(nil)})
	}
	for _, k := range t.SilentKeys() {
		f.Silent = append(f.Silent, k.String())
	}
	return f
}

func (h *Handler) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteJSON(v)
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
