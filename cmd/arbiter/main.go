package main

import (
	"log"
	"os"

	"github.com/hamlin/arbiter/internal/api"
	"github.com/hamlin/arbiter/internal/config"
	"github.com/hamlin/arbiter/internal/dispatch"
	"github.com/hamlin/arbiter/internal/judge"
	"github.com/hamlin/arbiter/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.JWTSecret == "" {
		log.Fatal("ARBITER_JWT_SECRET must be set")
	}
	if cfg.CallbackSecret == "" {
		logger.Warn("callback authentication disabled: ARBITER_CALLBACK_SECRET is empty")
	}

	logger.Info("arbiter: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"judge_url", cfg.JudgeURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	gateway := judge.NewClient(judge.Config{
		URL:         cfg.JudgeURL,
		AuthToken:   cfg.JudgeAuthToken,
		CallbackURL: cfg.CallbackURL,
	})
	dispatcher := dispatch.NewDispatcher(db, gateway, logger, cfg.SubmitRetries)

	if cfg.SweepInterval > 0 {
		sweeper := dispatch.NewSweeper(dispatcher, cfg.SweepInterval, cfg.SweepAfter, logger)
		sweeper.Start()
		defer sweeper.Stop()
		logger.Info("reconciliation sweep enabled",
			"interval", cfg.SweepInterval.String(),
			"stale_after", cfg.SweepAfter.String(),
		)
	}

	srv := api.NewServer(api.Config{
		Addr:           cfg.ListenAddr,
		JWTSecret:      []byte(cfg.JWTSecret),
		CallbackSecret: []byte(cfg.CallbackSecret),
	}, db, dispatcher, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
