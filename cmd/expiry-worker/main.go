package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medisched/clinic-booking/internal/booking"
	"github.com/medisched/clinic-booking/internal/config"
	"github.com/medisched/clinic-booking/internal/db"
	"github.com/medisched/clinic-booking/internal/logger"
	redisclient "github.com/medisched/clinic-booking/internal/redis"
)

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

	zl.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("grace_period", cfg.GracePeriod),
	)

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
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	sweeper := booking.NewSweeper(repo, locker, zl, cfg.GracePeriod)

	// Run once at startup
	runOnce(rootCtx, zl, sweeper)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			zl.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, zl, sweeper)
		}
	}
}

func runOnce(ctx context.Context, zl *zap.Logger, sweeper *booking.Sweeper) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	stats, err := sweeper.Run(runCtx)
	if err != nil {
		zl.Error("sweep run error", zap.Error(err))
		return
	}
	zl.Info("sweep run complete",
		zap.Duration("took", time.Since(start)),
		zap.Int("expired", stats.Expired),
		zap.Int("slots_released", stats.SlotsReleased),
	)
}
