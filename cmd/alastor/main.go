package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/bnfone/discord-bot-alastor/internal/bot"
	"github.com/bnfone/discord-bot-alastor/internal/config"
	"github.com/bnfone/discord-bot-alastor/internal/presence"
	"github.com/bnfone/discord-bot-alastor/internal/voice"
	"github.com/bnfone/discord-bot-alastor/pkg/orchestrator"
	"github.com/bnfone/discord-bot-alastor/pkg/station"
	"github.com/bnfone/discord-bot-alastor/pkg/stream"
	"github.com/bnfone/discord-bot-alastor/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	botCfg, defs, err := config.LoadStations(cfg.StationFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StationFile).Msg("failed to load station file")
	}
	registry := station.NewRegistry()
	registry.Swap(defs)

	metrics := telemetry.New()
	resolver := stream.NewResolver(nil, logger)
	prober := stream.NewProber(nil, logger)
	cache := stream.NewCache(resolver, prober, metrics, logger)

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		logger.Fatal().Err(err).Msg("failed to open Discord session")
	}
	defer dg.Close()

	transport := voice.NewTransport(dg, logger)
	orch := orchestrator.New(orchestrator.DefaultConfig(), registry, cache, transport, metrics, logger)
	defer orch.Shutdown()

	presenceManager := presence.NewManager(dg, logger)
	orch.SetListener(presenceManager)
	presenceManager.UpdateDefault()

	radioBot := bot.New(dg, orch, registry, transport, botCfg.Description, logger)
	if err := radioBot.Register(); err != nil {
		logger.Fatal().Err(err).Msg("failed to register slash commands")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orchestrator.NewJanitor(orch, cache, logger).Run(ctx)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, metrics, logger)
	}

	// SIGHUP reloads the station file. A broken file keeps the prior
	// registry live.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			_, defs, err := config.LoadStations(cfg.StationFile)
			if err != nil {
				logger.Error().Err(err).Msg("station reload failed, keeping previous registry")
				continue
			}
			registry.Swap(defs)
			cache.Purge()
			logger.Info().Int("stations", len(defs)).Uint64("generation", registry.Generation()).Msg("station registry reloaded")
		}
	}()

	logger.Info().Int("stations", registry.Len()).Msg("alastor is running, press CTRL-C to exit")
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
	logger.Info().Msg("shutting down")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
