package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medisched/clinic-booking/internal/booking"
)

type RouterConfig struct {
	Ledger     *booking.Ledger
	Slots      *booking.SlotService
	Reconciler *booking.Reconciler
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Logger     *zap.Logger
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Booking endpoints
	r.Post("/bookings", createBookingHandler(cfg.Ledger))
	r.Get("/bookings/{id}", getBookingHandler(cfg.Ledger))
	r.Delete("/bookings/{id}", cancelBookingHandler(cfg.Ledger))
	r.Post("/bookings/{id}/details", addDetailHandler(cfg.Ledger))

	// Detail endpoints
	r.Delete("/details/{id}", removeDetailHandler(cfg.Ledger))
	r.Patch("/details/{id}/status", setDetailStatusHandler(cfg.Ledger))

	// Payment gateway callback
	r.Post("/payments/callback", paymentCallbackHandler(cfg.Reconciler))

	// Slot endpoints
	r.Post("/slots/generate", generateSlotsHandler(cfg.Slots))
	r.Get("/slots/{id}", getSlotHandler(cfg.Slots))
	r.Delete("/slots/{id}", deleteSlotHandler(cfg.Slots))

	return r
}
