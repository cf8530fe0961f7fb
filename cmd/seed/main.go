package main

import (
	"context"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medisched/clinic-booking/internal/booking"
	"github.com/medisched/clinic-booking/internal/config"
	"github.com/medisched/clinic-booking/internal/db"
	"github.com/medisched/clinic-booking/internal/logger"
	"go.uber.org/zap"
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

	zl.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	serviceIDs, err := seedServices(context.Background(), pool, zl)
	if err != nil {
		zl.Fatal("seed services", zap.Error(err))
	}
	if err := seedAccounts(context.Background(), pool, zl, 2000); err != nil {
		zl.Fatal("seed accounts", zap.Error(err))
	}
	if err := seedSlots(context.Background(), pool, zl, serviceIDs, cfg.SlotCapacity); err != nil {
		zl.Fatal("seed slots", zap.Error(err))
	}

	zl.Info("seed complete")
}

func seedServices(ctx context.Context, pool *pgxpool.Pool, zl *zap.Logger) ([]uuid.UUID, error) {
	services := []struct {
		name  string
		price int64
	}{
		{"General Checkup", 250_000},
		{"Blood Panel", 480_000},
		{"Dental Cleaning", 350_000},
		{"Dermatology Consult", 400_000},
		{"Ultrasound", 620_000},
		{"Cardiac Screening", 900_000},
		{"Eye Exam", 300_000},
		{"Physiotherapy Session", 450_000},
	}

	zl.Info("seeding medical services", zap.Int("count", len(services)))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(services))
	for _, s := range services {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO medical_services (id, name, price, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, s.name, s.price)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	zl.Info("medical services seeded")
	return ids, nil
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool, zl *zap.Logger, count int) error {
	zl.Info("seeding accounts", zap.Int("count", count))

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO accounts (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		zl.Info("accounts seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, zl *zap.Logger, serviceIDs []uuid.UUID, capacity int) error {
	repo := booking.NewPgRepository(pool)
	slots := booking.NewSlotService(repo, zl)

	const weeks = 4

	total := 0
	for _, serviceID := range serviceIDs {
		created, err := slots.GenerateForUpcomingWeeks(ctx, serviceID, weeks, capacity)
		if err != nil {
			return err
		}
		total += created
	}

	zl.Info("slots seeded", zap.Int("created", total), zap.Int("weeks", weeks))
	return nil
}
