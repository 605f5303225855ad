// Package mcp exposes the receive sinks as Model Context Protocol tools
// over a websocket, and provides the matching client.
package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/receive"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// UserNamer resolves a user ID to a display name; "" when unknown.
type UserNamer interface {
	UserName(userID string) string
}

// Sources are the sinks the tools report on. Any of them may be nil; the
// tools that need a missing source return a tool error.
type Sources struct {
	Buffer *receive.BufferSink
	Stream *receive.StreamSink
	Names  UserNamer
}

// Server is an MCP server with the voice tools registered.
type Server struct {
	srv      *sdk.Server
	src      Sources
	upgrader websocket.Upgrader
}

// DefaultActivityTicks bounds how many buffered ticks one voice_activity
// call drains.
const DefaultActivityTicks = 50 * receive.TicksPerSecond

// NewServer builds the server and registers its tools.
func NewServer(src Sources, version string) *Server {
	s := &Server{
		srv:      sdk.NewServer(&sdk.Implementation{Name: "voicerecv", Version: version}, nil),
		src:      src,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "voice_participants",
		Description: "List the SSRC to user associations currently known, with display names when available.",
	}, s.participants)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "voice_activity",
		Description: "Drain buffered ticks and summarise speaking and silent intervals per participant.",
	}, s.activity)
	sdk.AddTool(s.srv, &sdk.Tool{
		Name:        "stream_status",
		Description: "Report streaming sink permits and counters plus buffering sink counters.",
	}, s.status)
	return s
}

// ServeHTTP upgrades the request to a websocket and serves one MCP session
// on it until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	go func() {
		session, err := s.srv.Connect(context.Background(), NewWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp: server connect failed", "err", err)
			_ = conn.Close()
			return
		}
		logging.Debugw("mcp: session started", "remote", r.RemoteAddr)
		if err := session.Wait(); err != nil {
			logging.Debugw("mcp: session ended", "err", err)
		}
	}()
}

// Participant is one entry of the voice_participants result.
type Participant struct {
	SSRC   uint32 `json:"ssrc"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type participantsArgs struct{}

func (s *Server) resolver() *receive.Resolver {
	switch {
	case s.src.Stream != nil:
		return s.src.Stream.Resolver()
	case s.src.Buffer != nil:
		return s.src.Buffer.Resolver()
	}
	return nil
}

func (s *Server) participants(ctx context.Context, req *sdk.CallToolRequest, _ participantsArgs) (*sdk.CallToolResult, any, error) {
	r := s.resolver()
	if r == nil {
		return toolError("no sink configured"), nil, nil
	}
	snap := r.Snapshot()
	out := make([]Participant, 0, len(snap))
	for ssrc, uid := range snap {
		p := Participant{SSRC: ssrc, UserID: strconv.FormatUint(uid, 10)}
		if s.src.Names != nil {
			p.Name = s.src.Names.UserName(p.UserID)
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.SSRC, b.SSRC) })
	return jsonResult(out)
}

// Activity summarises one key over the drained ticks.
type Activity struct {
	Key      string `json:"key"`
	Speaking int    `json:"speaking_ticks"`
	Silent   int    `json:"silent_ticks"`
	Samples  int    `json:"samples"`
}

// ActivityReport is the voice_activity result.
type ActivityReport struct {
	Ticks     int        `json:"ticks"`
	FirstSeq  uint64     `json:"first_seq,omitempty"`
	LastSeq   uint64     `json:"last_seq,omitempty"`
	Remaining int        `json:"remaining"`
	Keys      []Activity `json:"keys"`
}

type activityArgs struct {
	MaxTicks int    `json:"max_ticks,omitempty" jsonschema:"maximum number of buffered ticks to drain"`
	Key      string `json:"key,omitempty" jsonschema:"only report this key, e.g. user:7 or ssrc:42"`
}

func (s *Server) activity(ctx context.Context, req *sdk.CallToolRequest, args activityArgs) (*sdk.CallToolResult, any, error) {
	buf := s.src.Buffer
	if buf == nil {
		return toolError("buffering sink not configured"), nil, nil
	}
	var only *receive.Key
	if args.Key != "" {
		k, err := receive.ParseKey(args.Key)
		if err != nil {
			return toolError(err.Error()), nil, nil
		}
		only = &k
	}
	limit := args.MaxTicks
	if limit <= 0 {
		limit = DefaultActivityTicks
	}

	rep := ActivityReport{}
	byKey := make(map[receive.Key]*Activity)
	get := func(k receive.Key) *Activity {
		a, ok := byKey[k]
		if !ok {
			a = &Activity{Key: k.String()}
			byKey[k] = a
		}
		return a
	}
	for rep.Ticks < limit && buf.Len() > 0 {
		tick, err := buf.Next(ctx)
		if err != nil {
			break
		}
		if rep.Ticks == 0 {
			rep.FirstSeq = tick.Seq()
		}
		rep.LastSeq = tick.Seq()
		rep.Ticks++
		for _, k := range tick.SpeakingKeys() {
			if only != nil && k != *only {
				continue
			}
			pcm, _ := tick.Get(k)
			a := get(k)
			a.Speaking++
			a.Samples += pcm.Len()
		}
		for _, k := range tick.SilentKeys() {
			if only != nil && k != *only {
				continue
			}
			get(k).Silent++
		}
	}
	rep.Remaining = buf.Len()

	keys := make([]receive.Key, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	receive.SortKeys(keys)
	rep.Keys = make([]Activity, 0, len(keys))
	for _, k := range keys {
		rep.Keys = append(rep.Keys, *byKey[k])
	}
	return jsonResult(rep)
}

// Status is the stream_status result.
type Status struct {
	Stream *receive.StreamStats `json:"stream,omitempty"`
	Buffer *receive.BufferStats `json:"buffer,omitempty"`
}

type statusArgs struct{}

func (s *Server) status(ctx context.Context, req *sdk.CallToolRequest, _ statusArgs) (*sdk.CallToolResult, any, error) {
	var st Status
	if s.src.Stream != nil {
		v := s.src.Stream.Stats()
		st.Stream = &v
	}
	if s.src.Buffer != nil {
		v := s.src.Buffer.Stats()
		st.Buffer = &v
	}
	return jsonResult(st)
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

func toolError(msg string) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: msg}},
	}
}
