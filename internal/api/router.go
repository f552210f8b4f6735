package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type RouterConfig struct {
	Service AllocationService
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Allocation endpoints
	r.Post("/allocations", allocateHandler(cfg.Service))
	r.Get("/allocations", listRequestsHandler(cfg.Service))
	r.Get("/allocations/{id}", getRequestHandler(cfg.Service))
	r.Get("/allocations/token/{token}", getRequestByTokenHandler(cfg.Service))
	r.Post("/allocations/{id}/cancel", cancelHandler(cfg.Service))
	r.Post("/allocations/{id}/no-show", noShowHandler(cfg.Service))
	r.Post("/allocations/{id}/check-in", checkInHandler(cfg.Service))
	r.Post("/allocations/{id}/complete", completeHandler(cfg.Service))

	// Emergency fast track
	r.Post("/emergencies", emergencyHandler(cfg.Service))

	// Waiting queue
	r.Get("/doctors/{doctorID}/queue/position", queuePositionHandler(cfg.Service))
	r.Delete("/doctors/{doctorID}/queue/{entryID}", withdrawHandler(cfg.Service))

	// Operator capacity override
	r.Post("/slots/{slotID}/capacity-override", overrideCapacityHandler(cfg.Service))
	r.Delete("/slots/{slotID}/capacity-override", revertCapacityHandler(cfg.Service))

	return r
}
