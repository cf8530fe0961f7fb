package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medisched/clinic-booking/internal/api"
	"github.com/medisched/clinic-booking/internal/booking"
	"github.com/medisched/clinic-booking/internal/config"
	"github.com/medisched/clinic-booking/internal/db"
	"github.com/medisched/clinic-booking/internal/logger"
	redisclient "github.com/medisched/clinic-booking/internal/redis"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer zl.Sync()

	zl.Info("api-server starting up", zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		zl.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	zl.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		zl.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			zl.Warn("error closing redis", zap.Error(err))
		}
	}()
	zl.Info("connected to Redis")

	repo := booking.NewPgRepository(pgPool)
	slots := booking.NewSlotService(repo, zl)
	ledger := booking.NewLedger(repo, slots, zl)
	reconciler := booking.NewReconciler(repo, zl)

	router := api.NewRouter(api.RouterConfig{
		Ledger:     ledger,
		Slots:      slots,
		Reconciler: reconciler,
		PgPool:     pgPool,
		Redis:      rdb,
		Logger:     zl,
		Env:        cfg.Env,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		zl.Info("shutdown signal received")
	case err := <-errCh:
		zl.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}

	zl.Info("api-server stopped")
}
