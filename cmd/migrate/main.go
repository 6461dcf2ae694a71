// cmd/migrate/main.go
package main

import (
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/mailtrack-backend/internal/config"
	"github.com/unclebandit/mailtrack-backend/internal/db"
	"github.com/unclebandit/mailtrack-backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Setup(cfg.LogLevel, cfg.LogPretty)

	if cfg.InMemoryStore() {
		log.Fatal().Msg("DATABASE_URL is required to run migrations")
	}

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer conn.Close()

	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("✅ Migrations complete")
}
