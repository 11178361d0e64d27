package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/keshon/parley/internal/bot"
	"github.com/keshon/parley/internal/config"
	"github.com/keshon/parley/internal/logging"
	v "github.com/keshon/parley/internal/version"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	closer := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer closer.Close()

	log.Info().Str("version", v.String()).Strs("protocols", cfg.Protocols).Msgf("starting %s", v.AppName)

	b, err := bot.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("bot setup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		log.Error().Err(err).Msg("bot stopped")
		return
	}
	log.Info().Msgf("%s exited cleanly", v.AppName)
}
