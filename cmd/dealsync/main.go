package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dealsync/internal/api"
	"dealsync/internal/config"
	"dealsync/internal/db"
	"dealsync/internal/dealsync"
	"dealsync/internal/lock"
	"dealsync/internal/observability"
	"dealsync/internal/pipedrive"
	"dealsync/internal/repository"
)

func main() {
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.PipedriveAPIToken == "" {
		logger.Fatal("PIPEDRIVE_API_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := observability.Start(cfg.MetricsPort, logger)
	logger.Info("metrics listening", zap.String("port", cfg.MetricsPort))

	crm := pipedrive.NewClient(pipedrive.OptionsFromConfig(cfg, logger))
	opts := []dealsync.Option{dealsync.WithLogger(logger)}

	if cfg.DatabaseURL != "" {
		conn, err := db.New(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open postgres", zap.Error(err))
		}
		if err := db.Migrate(ctx, conn); err != nil {
			logger.Fatal("migrate postgres", zap.Error(err))
		}
		_ = conn.Close()

		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer pool.Close()
		opts = append(opts, dealsync.WithRecorder(&repository.SyncRunRepository{DB: pool}))
	} else {
		logger.Warn("DATABASE_URL not set, sync runs are not recorded")
	}

	if cfg.RedisURL != "" {
		rdb, err := lock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer rdb.Close()
		opts = append(opts, dealsync.WithLocker(lock.NewDealLocker(rdb, cfg.DealLockTTL, logger)))
	} else {
		logger.Warn("REDIS_URL not set, deals are not locked across instances")
	}

	svc := dealsync.NewService(crm, opts...)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(svc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
