package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"scooproute/internal/api"
	"scooproute/internal/buildinfo"
	"scooproute/internal/config"
	"scooproute/internal/lock"
	"scooproute/internal/metrics"
	"scooproute/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := api.Deps{Config: cfg, Logger: logger}

	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "err", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("migrate", "err", err)
				os.Exit(1)
			}
		}
		deps.Store = pg
	}

	switch {
	case cfg.RedisURL != "":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("parse redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		deps.Broker = api.NewRedisBroker(rdb, logger)
		deps.Lock = lock.NewRedisLock(rdb)
	case pg != nil:
		deps.Lock = lock.NewPGAdvisoryLock(pg.DB())
	}

	metrics.RegisterDefault()

	s, err := api.NewServer(deps)
	if err != nil {
		logger.Error("init server", "err", err)
		os.Exit(1)
	}

	go s.NewWebhookWorker().Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	logger.Info("api listening", "addr", srv.Addr, "version", buildinfo.Version, "store", storeKind(pg))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func storeKind(pg *store.Postgres) string {
	if pg != nil {
		return "postgres"
	}
	return "memory"
}
