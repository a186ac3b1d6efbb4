package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/confer/internal/adapters/http"
	"github.com/dkeye/confer/internal/adapters/rtc"
	"github.com/dkeye/confer/internal/app"
	"github.com/dkeye/confer/internal/app/orch"
	"github.com/dkeye/confer/internal/config"
	"github.com/dkeye/confer/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	codecs := make([]rtc.Codec, len(cfg.Media.Codecs))
	capabilities := make([]protocol.Codec, len(cfg.Media.Codecs))
	for i, c := range cfg.Media.Codecs {
		codecs[i] = rtc.Codec{MimeType: c.MimeType, ClockRate: c.ClockRate, Channels: c.Channels}
		capabilities[i] = protocol.Codec{MimeType: c.MimeType, ClockRate: c.ClockRate, Channels: c.Channels}
	}
	transports, err := rtc.NewFactory(cfg.Media.ICEServers, codecs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webrtc api")
	}

	o := orch.New(orch.Options{
		Registry:            app.NewRegistry(),
		Moderation:          app.NewMemoryModeration(),
		Identity:            app.SessionIdentity{AdminKey: cfg.AdminKey},
		Transports:          transports,
		Policy:              app.SimplePolicy{},
		Codecs:              capabilities,
		MaxGroupSize:        cfg.Rooms.MaxGroupSize,
		SubscriptionTimeout: cfg.Media.SubscriptionTimeout,
		StaleCacheSize:      cfg.Calls.StaleCacheSize,
	})

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("confer server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
