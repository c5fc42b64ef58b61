package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"calwatch/config"
	"calwatch/internal/bot"
	"calwatch/internal/fetch"
	"calwatch/internal/scheduler"
	"calwatch/internal/service"
	"calwatch/internal/storage"
	"calwatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	snapshots, err := store.New(cfg.Storage.SnapshotDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init snapshot store")
	}

	journal, err := storage.New(cfg.Storage.JournalPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init change journal")
	}
	defer journal.Close()

	tracker := service.NewTracker(fetch.New(), snapshots, journal, cfg.Sources())

	tgBot, err := bot.New(cfg, snapshots, journal, tracker)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init bot")
	}
	tracker.SetNotifier(tgBot)

	sched := scheduler.New(tracker, cfg.Sources())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler error")
		}
	}()

	go func() {
		if err := tgBot.Start(ctx); err != nil {
			log.Error().Err(err).Msg("bot error")
		}
	}()

	log.Info().Int("calendars", len(cfg.Sources())).Msg("calwatch started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")

	cancel()
	sched.Stop()

	log.Info().Msg("calwatch stopped")
}
