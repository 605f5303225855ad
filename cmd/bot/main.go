// Command bot joins a Discord voice channel and exposes the received audio
// over websocket streaming, MCP tools and WAV clip recording.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discord-voice-lab/voicerecv/internal/config"
	"github.com/discord-voice-lab/voicerecv/internal/discord"
	"github.com/discord-voice-lab/voicerecv/internal/engine"
	"github.com/discord-voice-lab/voicerecv/internal/logging"
	"github.com/discord-voice-lab/voicerecv/internal/mcp"
	"github.com/discord-voice-lab/voicerecv/internal/observe"
	"github.com/discord-voice-lab/voicerecv/internal/record"
	"github.com/discord-voice-lab/voicerecv/internal/wsstream"
	"github.com/discord-voice-lab/voicerecv/receive"
)

var version = "dev"

const cleanInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init()
		logging.FatalExitf("config load failed", "err", err, "path", *configPath)
	}
	logging.InitLevel(cfg.Server.LogLevel)
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.FatalExitf("bot exited with error", "err", err)
	}
	logging.Infow("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicerecv", ServiceVersion: version})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			logging.Warnw("telemetry shutdown failed", "err", err)
		}
	}()

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return err
	}
	// Guilds + GuildVoiceStates are enough to follow joins and leaves.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)
	if logging.ParseLevel(cfg.Server.LogLevel) == zap.DebugLevel {
		dg.AddHandler(newEventLogger(defaultMaxPayload).handle)
	}
	if err := dg.Open(); err != nil {
		return err
	}
	defer func() {
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
	}()
	names := discord.NewSessionResolver(dg)

	eng := engine.New()
	common := []receive.Option{
		receive.WithLogger(logging.GetLogger()),
		receive.WithMeterProvider(prov.MeterProvider),
	}
	buffer := receive.NewBufferSink(append(common, receive.WithRetention(cfg.Buffer.RetentionSeconds))...)
	defer buffer.Close()
	streams := receive.NewStreamSink(append(common,
		receive.WithRetain(cfg.Stream.Retain),
		receive.WithRetainSeconds(cfg.Stream.RetainSeconds),
		receive.WithMaxConcurrent(cfg.Stream.MaxConcurrent),
	)...)
	defer streams.Close()
	eng.Register(buffer.Registration())
	eng.Register(streams.Registration())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })

	if cfg.Discord.GuildID != "" && cfg.Discord.VoiceChannelID != "" {
		rx, err := discord.Join(dg, cfg.Discord.GuildID, cfg.Discord.VoiceChannelID, eng, names)
		if err != nil {
			logging.Warnw("voice join failed", "err", err)
		} else {
			defer rx.Close()
			g.Go(func() error { return rx.Run(ctx) })
		}
	} else {
		logging.Infow("GUILD_ID or VOICE_CHANNEL_ID not set; not joining voice")
	}

	if cfg.Record.Enabled {
		rec, err := record.New(record.Options{
			Dir:            cfg.Record.Dir,
			SilenceTimeout: cfg.Record.SilenceTimeout,
			MaxClip:        cfg.Record.MaxClip,
			Names:          names,
		})
		if err != nil {
			return err
		}
		st := streams.Stream()
		if err := st.Open(); err != nil {
			return err
		}
		g.Go(func() error {
			defer st.Close()
			return rec.Run(ctx, st)
		})
		g.Go(func() error {
			return record.RunCleaner(ctx, cfg.Record.Dir, cfg.Record.Retention, cleanInterval, cfg.Record.MaxFiles)
		})
	}

	mw, err := observe.Middleware(prov.MeterProvider, prov.TracerProvider)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/stream", wsstream.New(streams))
	mux.Handle("/mcp/ws", mcp.NewServer(mcp.Sources{Buffer: buffer, Stream: streams, Names: names}, version))
	mux.Handle("/metrics", prov.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mw(mux), ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		logging.Infow("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Infow("shutdown signal received, closing resources")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
