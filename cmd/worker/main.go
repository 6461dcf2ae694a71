// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/mailtrack-backend/internal/app"
	"github.com/unclebandit/mailtrack-backend/internal/config"
	"github.com/unclebandit/mailtrack-backend/internal/logger"
	"github.com/unclebandit/mailtrack-backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Setup(cfg.LogLevel, cfg.LogPretty)

	if cfg.InMemoryQueue() {
		log.Fatal().Msg("QUEUE_URL must name a shared transport (amqp:// or redis://) for a standalone worker")
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.StartWorkers(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start workers")
	}
	// runs also drain their own deltas when no API process is up
	go service.NewDeltaWorker(a.Stats, cfg.StatsDrainInterval, cfg.StatsDrainBatch).Start(ctx)

	log.Info().Msg("Worker running, waiting for jobs...")
	<-ctx.Done()
	log.Info().Msg("worker stopping")
}
