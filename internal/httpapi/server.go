package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/apperr"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/auth"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/ingest"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/observability"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/realtime"
	"github.com/emes789/ESP32-IOT-SMARTHOUSE/internal/store"
)

type Server struct {
	repo       *store.Repo
	pipeline   *ingest.Pipeline
	auth       *auth.Auth
	hub        *realtime.Hub
	cache      *store.LatestCache
	production bool
	cors       []string
	started    time.Time

	// overridable in tests
	now func() time.Time
}

type Options struct {
	Production  bool
	CORSOrigins []string
	Cache       *store.LatestCache
	Hub         *realtime.Hub
}

func New(repo *store.Repo, pipeline *ingest.Pipeline, a *auth.Auth, opts Options) *Server {
	return &Server{
		repo:       repo,
		pipeline:   pipeline,
		auth:       a,
		hub:        opts.Hub,
		cache:      opts.Cache,
		production: opts.Production,
		cors:       opts.CORSOrigins,
		started:    time.Now(),
		now:        time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cors,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleHealthLive)
		r.Get("/health/ready", s.handleHealthReady)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireDeviceKey)
			r.Post("/telemetry", s.handleTelemetryPost)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireClientKey)

			r.Get("/readings", s.handleReadingsList)
			r.Get("/readings/latest", s.handleReadingsLatest)
			r.Get("/readings/stats", s.handleReadingsStats)

			r.Get("/alerts", s.handleAlertsList)
			r.Put("/alerts/{alertId}/ack", s.handleAlertAck)

			r.Get("/devices", s.handleDevicesList)
			r.Post("/devices", s.handleDeviceCreate)
			r.Get("/devices/{deviceId}", s.handleDeviceGet)
			r.Put("/devices/{deviceId}", s.handleDeviceUpdate)
			r.Delete("/devices/{deviceId}", s.handleDeviceDelete)
		})
	})

	if s.hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireClientKey)
			r.Get("/ws/alerts", s.hub.ServeHTTP)
		})
	}

	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			observability.RequestsTotal.WithLabelValues(rctx.RoutePattern(), r.Method).Inc()
		}
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Smart House IoT API",
		"version": "1.0.0",
		"status":  "running",
		"endpoints": map[string]string{
			"health":    "GET /api/health",
			"telemetry": "POST /api/telemetry",
			"readings":  "GET /api/readings",
			"devices":   "GET /api/devices",
			"alerts":    "GET /api/alerts",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
		"services": map[string]string{
			"api":      "up",
			"database": "up",
		},
		"auth": map[string]string{
			"device": s.auth.DeviceMode(),
			"client": s.auth.ClientMode(),
		},
	}

	code := http.StatusOK
	if err := s.pingStorage(r.Context()); err != nil {
		slog.Error("health check storage ping failed", "error", err)
		status["status"] = "unhealthy"
		status["services"].(map[string]string)["database"] = "error"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.pingStorage(r.Context()); err != nil {
		slog.Error("readiness storage ping failed", "error", err)
		reason := "database not reachable"
		if !s.production {
			reason = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) pingStorage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.repo.Ping(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail logs the wrapped cause (if any) and writes the client-safe
// envelope.
func (s *Server) fail(w http.ResponseWriter, e *apperr.AppError) {
	if e.Err != nil {
		slog.Error("request failed", "status", e.Code, "message", e.Message, "error", e.Err)
	}
	apperr.Write(w, e)
}
