// Package api is the control surface: JSON CRUD over jobs, devices and runs,
// CSV import, previews, dry-run and reports. Run execution itself is handed
// off to the scheduler and never blocks a handler.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/baselinelabs/switchboot/internal/bootstrap"
	"github.com/baselinelabs/switchboot/internal/config"
	"github.com/baselinelabs/switchboot/internal/metrics"
	"github.com/baselinelabs/switchboot/internal/store"
)

var ErrLoggerRequired = errors.New("logger is required")

type ServerConfig struct {
	Logger    *slog.Logger
	Store     *store.Store
	Scheduler *bootstrap.Scheduler
	Config    *config.Config
	Version   string
}

func (c *ServerConfig) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if c.Config == nil {
		return errors.New("config is required")
	}
	return nil
}

type Server struct {
	log       *slog.Logger
	store     *store.Store
	scheduler *bootstrap.Scheduler
	cfg       *config.Config
	version   string
	router    chi.Router
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:       cfg.Logger,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		cfg:       cfg.Config,
		version:   cfg.Version,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Passcode"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.passcode)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/dry-run", s.handleDryRun)
			r.Post("/preview", s.handleBulkPreview)
			r.Post("/runs", s.handleCreateRun)
			r.Route("/devices", func(r chi.Router) {
				r.Post("/", s.handleCreateDevice)
				r.Get("/", s.handleListDevices)
				r.Post("/import-csv", s.handleImportCSV)
				r.Get("/{deviceID}/preview", s.handleDevicePreview)
			})
		})
	})

	r.Patch("/devices/{deviceID}", s.handleUpdateDevice)
	r.Delete("/devices/{deviceID}", s.handleDeleteDevice)

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/logs", s.handleRunLogs)
		r.Post("/cancel", s.handleCancelRun)
		r.Get("/report.json", s.handleReportJSON)
		r.Get("/report.csv", s.handleReportCSV)
	})

	r.Get("/ports", s.handlePorts)

	return r
}

// passcode enforces the shared pre-shared header on every request except the
// root banner and the health probe. An empty configured passcode disables
// the check entirely.
func (s *Server) passcode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Passcode == "" || r.URL.Path == "/" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Passcode") != s.cfg.Passcode {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid or missing passcode"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// httpError writes the {"detail": ...} error shape used across the API.
func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
