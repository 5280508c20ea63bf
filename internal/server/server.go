// Package server exposes the daemon's only ambient HTTP surface:
// /healthz for liveness and /metrics for Prometheus scraping. There is no
// control RPC surface here — both routes are read-only and accept no
// input.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/metno/syncer/internal/reporter"
)

// Config wires the admin server's dependencies.
type Config struct {
	Port int
	Log  zerolog.Logger

	// LastHeartbeat and LastLoaderIteration report liveness timestamps
	// for the Listener and DataLoader goroutines respectively.
	LastHeartbeat       func() time.Time
	LastLoaderIteration func() time.Time

	// MaxHeartbeatDelay is used to judge whether LastHeartbeat is stale;
	// zero means the watchdog is disabled and staleness is never reported.
	MaxHeartbeatDelay time.Duration
}

// Server is the admin HTTP surface.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// New builds a Server. Call Start to begin serving and Shutdown to stop.
func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(cfg))
	r.Handle("/metrics", reporter.Handler())

	return &Server{
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: r,
		},
		log: cfg.Log.With().Str("component", "server").Logger(),
	}
}

type healthzResponse struct {
	Status              string  `json:"status"`
	LastHeartbeat       *string `json:"last_heartbeat,omitempty"`
	LastLoaderIteration *string `json:"last_loader_iteration,omitempty"`
	HeartbeatStale      bool    `json:"heartbeat_stale"`
}

func healthzHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthzResponse{Status: "ok"}

		if cfg.LastHeartbeat != nil {
			if last := cfg.LastHeartbeat(); !last.IsZero() {
				s := last.UTC().Format(time.RFC3339)
				resp.LastHeartbeat = &s
				if cfg.MaxHeartbeatDelay > 0 && time.Since(last) > cfg.MaxHeartbeatDelay {
					resp.HeartbeatStale = true
				}
			}
		}
		if cfg.LastLoaderIteration != nil {
			if last := cfg.LastLoaderIteration(); !last.IsZero() {
				s := last.UTC().Format(time.RFC3339)
				resp.LastLoaderIteration = &s
			}
		}
		if resp.HeartbeatStale {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.HeartbeatStale {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Start begins serving and blocks until Shutdown is called, returning
// http.ErrServerClosed in the clean-shutdown case.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("admin server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
