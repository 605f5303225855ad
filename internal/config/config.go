// Package config loads the bot configuration from an optional YAML file
// and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Server  ServerConfig  `yaml:"server"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Stream  StreamConfig  `yaml:"stream"`
	Record  RecordConfig  `yaml:"record"`
}

// DiscordConfig selects the voice channel to receive from.
type DiscordConfig struct {
	Token          string `yaml:"token"`
	GuildID        string `yaml:"guild_id"`
	VoiceChannelID string `yaml:"voice_channel_id"`
}

// ServerConfig configures the HTTP listener and logging.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// BufferConfig configures the buffering sink behind the activity tool.
// RetentionSeconds of 0 means unbounded.
type BufferConfig struct {
	RetentionSeconds int `yaml:"retention_seconds"`
}

// StreamConfig configures the streaming sink.
type StreamConfig struct {
	Retain        bool `yaml:"retain"`
	RetainSeconds int  `yaml:"retain_seconds"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// RecordConfig configures the WAV clip recorder.
type RecordConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	MaxClip        time.Duration `yaml:"max_clip"`
	Retention      time.Duration `yaml:"retention"`
	MaxFiles       int           `yaml:"max_files"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", LogLevel: "info"},
		Buffer: BufferConfig{RetentionSeconds: 30},
		Stream: StreamConfig{RetainSeconds: 15, MaxConcurrent: 50},
		Record: RecordConfig{
			SilenceTimeout: 800 * time.Millisecond,
			MaxClip:        30 * time.Second,
			Retention:      24 * time.Hour,
			MaxFiles:       1000,
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// os.LookupEnv. Malformed values are reported together.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			*dst = true
		case "0", "false", "no":
			*dst = false
		default:
			errs = append(errs, fmt.Errorf("%s=%q is not a boolean", key, v))
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a duration", key, v))
			return
		}
		*dst = d
	}

	str("DISCORD_BOT_TOKEN", &cfg.Discord.Token)
	str("GUILD_ID", &cfg.Discord.GuildID)
	str("VOICE_CHANNEL_ID", &cfg.Discord.VoiceChannelID)
	str("HTTP_ADDR", &cfg.Server.Addr)
	str("LOG_LEVEL", &cfg.Server.LogLevel)
	num("BUFFER_RETENTION_SECONDS", &cfg.Buffer.RetentionSeconds)
	flag("STREAM_RETAIN", &cfg.Stream.Retain)
	num("STREAM_RETAIN_SECONDS", &cfg.Stream.RetainSeconds)
	num("STREAM_MAX_CONCURRENT", &cfg.Stream.MaxConcurrent)
	flag("SAVE_AUDIO_ENABLED", &cfg.Record.Enabled)
	str("SAVE_AUDIO_DIR", &cfg.Record.Dir)
	dur("SAVE_AUDIO_SILENCE_TIMEOUT", &cfg.Record.SilenceTimeout)
	dur("SAVE_AUDIO_MAX_CLIP", &cfg.Record.MaxClip)
	dur("SAVE_AUDIO_RETENTION", &cfg.Record.Retention)
	num("SAVE_AUDIO_MAX_FILES", &cfg.Record.MaxFiles)
	return errors.Join(errs...)
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every problem found.
func Validate(cfg *Config) error {
	var errs []error
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if (cfg.Discord.GuildID == "") != (cfg.Discord.VoiceChannelID == "") {
		errs = append(errs, errors.New("discord.guild_id and discord.voice_channel_id must be set together"))
	}
	if cfg.Buffer.RetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("buffer.retention_seconds %d must not be negative", cfg.Buffer.RetentionSeconds))
	}
	if cfg.Stream.RetainSeconds <= 0 {
		errs = append(errs, fmt.Errorf("stream.retain_seconds %d must be positive", cfg.Stream.RetainSeconds))
	}
	if cfg.Stream.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("stream.max_concurrent %d must be positive", cfg.Stream.MaxConcurrent))
	}
	if cfg.Record.Enabled {
		if cfg.Record.Dir == "" {
			errs = append(errs, errors.New("record.dir is required when recording is enabled"))
		}
		if cfg.Record.SilenceTimeout <= 0 {
			errs = append(errs, errors.New("record.silence_timeout must be positive"))
		}
		if cfg.Record.MaxClip <= 0 {
			errs = append(errs, errors.New("record.max_clip must be positive"))
		}
		if cfg.Record.MaxFiles < 0 {
			errs = append(errs, errors.New("record.max_files must not be negative"))
		}
	}
	return errors.Join(errs...)
}
