package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/voicerecv/internal/logging"
)

const (
	defaultMaxPayload  = 8 * 1024
	defaultRedactLarge = 1024
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny walks a decoded JSON value and replaces values for sensitive
// keys with a placeholder. Maps and slices are modified in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	case string:
		if len(vv) > defaultRedactLarge {
			return fmt.Sprintf("<redacted %d bytes>", len(vv))
		}
		return vv
	default:
		return v
	}
}

// eventMeta is the searchable subset of a gateway event.
type eventMeta struct {
	Type      string
	GuildID   string
	ChannelID string
	UserID    string
	SSRC      uint32
}

// extractMeta pulls common fields from the voice-related event types and
// from decoded JSON payloads.
func extractMeta(evtType string, obj any) eventMeta {
	m := eventMeta{Type: evtType}
	switch e := obj.(type) {
	case *discordgo.VoiceStateUpdate:
		if e.VoiceState != nil {
			m.GuildID, m.ChannelID, m.UserID = e.GuildID, e.ChannelID, e.UserID
		}
	case *discordgo.VoiceServerUpdate:
		m.GuildID = e.GuildID
	case *discordgo.Ready:
		if e.User != nil {
			m.UserID = e.User.ID
		}
	case *discordgo.GuildCreate:
		if e.Guild != nil {
			m.GuildID = e.ID
		}
	case map[string]any:
		m.GuildID, _ = e["guild_id"].(string)
		m.ChannelID, _ = e["channel_id"].(string)
		m.UserID, _ = e["user_id"].(string)
		if v, ok := e["ssrc"].(float64); ok {
			m.SSRC = uint32(v)
		}
	}
	return m
}

// eventLogger logs every gateway event with sensitive values redacted and
// the payload truncated to maxPayload bytes.
type eventLogger struct {
	maxPayload int
}

func newEventLogger(maxPayload int) *eventLogger {
	return &eventLogger{maxPayload: maxPayload}
}

// payload returns the redacted, truncated JSON dump of evt and its metadata.
func (l *eventLogger) payload(evt *discordgo.Event) (eventMeta, string) {
	// Typed structs are dumped through a JSON round trip so the same
	// redaction applies to them.
	raw := []byte(evt.RawData)
	if evt.Struct != nil {
		if b, err := json.Marshal(evt.Struct); err == nil {
			raw = b
		}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return extractMeta(evt.Type, evt.Struct), "<raw data omitted>"
	}
	decoded = redactAny(decoded)

	meta := extractMeta(evt.Type, evt.Struct)
	if evt.Struct == nil {
		meta = extractMeta(evt.Type, decoded)
	}
	b, err := json.Marshal(decoded)
	if err != nil {
		return meta, "<unencodable payload>"
	}
	if len(b) > l.maxPayload {
		return meta, string(b[:l.maxPayload]) + fmt.Sprintf("<truncated %d bytes>", len(b))
	}
	return meta, string(b)
}

func (l *eventLogger) handle(_ *discordgo.Session, evt *discordgo.Event) {
	meta, payload := l.payload(evt)
	logging.Debugw("discord event", "type", meta.Type, "guild", meta.GuildID, "channel", meta.ChannelID, "user", meta.UserID, "ssrc", meta.SSRC, "payload", payload)
}
