// Package app wires repositories, transport and services from Config.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/mailtrack-backend/internal/config"
	"github.com/unclebandit/mailtrack-backend/internal/controller"
	"github.com/unclebandit/mailtrack-backend/internal/db"
	"github.com/unclebandit/mailtrack-backend/internal/handler"
	"github.com/unclebandit/mailtrack-backend/internal/provider"
	"github.com/unclebandit/mailtrack-backend/internal/queue"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
	"github.com/unclebandit/mailtrack-backend/internal/service"
	"github.com/unclebandit/mailtrack-backend/internal/webhook"
	"github.com/unclebandit/mailtrack-backend/internal/workflow"
)

type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Queue  queue.Queue

	Ledger   *service.EventLedger
	Stats    *service.StatsAggregator
	Engine   *workflow.Engine
	Runner   *service.JobRunner
	Dispatch *service.DispatchService
	Recovery *service.RecoveryManager
	Reports  *service.ReportService
	Ingester *service.WebhookIngester
	Consumer *service.JobConsumer
}

type stores struct {
	ledger    repository.LedgerRepositoryInterface
	stats     repository.StatsRepositoryInterface
	jobs      repository.JobRepositoryInterface
	workflows repository.WorkflowRepositoryInterface
	tx        repository.TransactionManager
}

// New connects to the configured database and transport and builds every
// service. Postgres schemas are migrated on the way.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var s stores
	if cfg.InMemoryStore() {
		mem := repository.NewMemoryStore()
		s = stores{ledger: mem, stats: mem, jobs: mem, workflows: mem, tx: mem}
		log.Warn().Msg("⚠️ DATABASE_URL not set, using the in-memory store")
	} else {
		conn, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		a.DB = conn
		s = stores{
			ledger:    &repository.LedgerRepository{DB: conn},
			stats:     &repository.StatsRepository{DB: conn},
			jobs:      &repository.JobRepository{DB: conn},
			workflows: &repository.WorkflowRepository{DB: conn},
			tx:        &repository.SQLTransactionManager{DB: conn},
		}
	}

	q, err := queue.New(cfg.QueueURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	a.Queue = q

	sender, err := provider.Build(provider.Config{
		Provider:            cfg.EmailProvider,
		ResendAPIKey:        cfg.ResendAPIKey,
		PostmarkServerToken: cfg.PostmarkServerToken,
		Timeout:             cfg.SendTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Stats = service.NewStatsAggregator(s.stats)
	a.Ledger = service.NewEventLedger(s.ledger, s.tx, a.Stats)
	a.Engine = workflow.NewEngine(s.workflows)
	a.Runner = service.NewJobRunner(a.Engine, a.Ledger, a.Stats, sender, service.NewTemplateRenderer(), service.RunnerConfig{
		BatchSize:       cfg.BatchSize,
		BatchDelay:      cfg.BatchDelay,
		SendTimeout:     cfg.SendTimeout,
		MaxAttempts:     cfg.SendMaxAttempts,
		Backoff:         cfg.SendBackoff,
		From:            cfg.EmailFrom,
		ReplyTo:         cfg.EmailReplyTo,
		TrackingBaseURL: cfg.TrackingBaseURL,
		TrackingSecret:  cfg.TrackingSecret,
	})
	a.Dispatch = service.NewDispatchService(s.jobs, q, a.Engine, cfg.RecoveryMaxRetries)
	a.Recovery = service.NewRecoveryManager(a.Dispatch)
	a.Reports = service.NewReportService(s.ledger, s.stats)
	a.Ingester = service.NewWebhookIngester(webhook.DefaultRegistry(), a.Ledger)
	a.Consumer = service.NewJobConsumer(s.jobs, a.Runner)

	log.Info().
		Str("provider", sender.Name()).
		Bool("in_memory", cfg.InMemoryStore()).
		Msg("✅ services ready")
	return a, nil
}

// Handlers is the HTTP surface of cmd/server.
func (a *App) Handlers() handler.Handlers {
	return handler.Handlers{
		Campaigns: &controller.CampaignController{Dispatch: a.Dispatch},
		Reports:   &controller.ReportController{Reports: a.Reports},
		Recovery:  &controller.RecoveryController{Recovery: a.Recovery},
		Webhooks:  handler.NewWebhookHandler(a.Ingester),
		Tracking:  handler.NewTrackingHandler(a.Ledger, a.Runner.Links),
	}
}

// StartWorkers subscribes the job consumer, resumes unfinished workflows and
// starts the recovery sweep. The in-memory transport only delivers within
// one process, so cmd/server calls this too when QUEUE_URL is memory.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.Consumer.Subscribe(a.Queue); err != nil {
		return err
	}
	n, err := a.Runner.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("resuming unfinished workflows")
	}
	go a.Recovery.Run(ctx, a.Config.RecoveryInterval)
	return nil
}

func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close queue")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}
