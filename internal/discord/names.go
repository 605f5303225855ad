package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver turns Discord snowflakes into display names. Implementations
// return "" when a name is unknown.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver implements NameResolver but returns empty names. Useful for
// tests or when you want to disable REST lookups.
type NoopResolver struct{}

func NewNoopResolver() *NoopResolver { return &NoopResolver{} }

func (n *NoopResolver) UserName(userID string) string       { return "" }
func (n *NoopResolver) GuildName(guildID string) string     { return "" }
func (n *NoopResolver) ChannelName(channelID string) string { return "" }

// sessionResolver looks names up through the session state first and the
// REST API second, caching results for cacheTTL.
type sessionResolver struct {
	s   *discordgo.Session
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	users    map[string]cacheEntry
	guilds   map[string]cacheEntry
	channels map[string]cacheEntry
}

type cacheEntry struct {
	val    string
	expiry time.Time
}

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

// NewSessionResolver returns a cached resolver backed by s.
func NewSessionResolver(s *discordgo.Session) NameResolver {
	return &sessionResolver{
		s:        s,
		ttl:      cacheTTL,
		now:      time.Now,
		users:    make(map[string]cacheEntry),
		guilds:   make(map[string]cacheEntry),
		channels: make(map[string]cacheEntry),
	}
}

func (d *sessionResolver) cached(m map[string]cacheEntry, id string, fetch func() string) string {
	if d.s == nil || id == "" {
		return ""
	}
	d.mu.Lock()
	if e, ok := m[id]; ok {
		if d.now().Before(e.expiry) {
			d.mu.Unlock()
			return e.val
		}
		delete(m, id)
	}
	d.mu.Unlock()

	name := fetch()
	if name == "" {
		return ""
	}
	d.mu.Lock()
	m[id] = cacheEntry{val: name, expiry: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return name
}

func (d *sessionResolver) UserName(userID string) string {
	return d.cached(d.users, userID, func() string {
		if u, err := d.s.User(userID); err == nil && u != nil {
			if u.GlobalName != "" {
				return u.GlobalName
			}
			return u.Username
		}
		return ""
	})
}

func (d *sessionResolver) GuildName(guildID string) string {
	return d.cached(d.guilds, guildID, func() string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(guildID); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := d.s.Guild(guildID); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *sessionResolver) ChannelName(channelID string) string {
	return d.cached(d.channels, channelID, func() string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(channelID); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := d.s.Channel(channelID); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
