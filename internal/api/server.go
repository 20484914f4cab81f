package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"botfleet/internal/config"
	"botfleet/internal/monitor"
	"botfleet/internal/store"
)

// Server is the HTTP control-plane server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db may be nil when running without a database (development).
func NewServer(cfg *config.Config, ctrl Controller, fleet Fleet, bots BotStore, db *store.DB, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(ctrl, fleet, bots)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured — control API is unauthenticated")
	}

	// Control API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /bots", handlers.HandleCreateBot)
	apiMux.HandleFunc("POST /bots/{id}/deploy", handlers.HandleDeploy)
	apiMux.HandleFunc("POST /bots/{id}/stop", handlers.HandleStop)
	apiMux.HandleFunc("POST /bots/{id}/restart", handlers.HandleRestart)
	apiMux.HandleFunc("POST /bots/{id}/update", handlers.HandleUpdateCode)
	apiMux.HandleFunc("DELETE /bots/{id}", handlers.HandleDelete)
	apiMux.HandleFunc("GET /bots/{id}/status", handlers.HandleStatus)
	apiMux.HandleFunc("GET /bots", handlers.HandleListBots)
	apiMux.HandleFunc("GET /users/{id}/bots", handlers.HandleListUserBots)
	apiMux.HandleFunc("POST /bots/{id}/subscription", handlers.HandleAddSubscription)
	apiMux.HandleFunc("DELETE /bots/{id}/subscription", handlers.HandleCancelSubscription)
	apiMux.HandleFunc("POST /fleet/restart", handlers.HandleRestartAll)
	apiMux.HandleFunc("POST /fleet/cleanup", handlers.HandleCleanupExpired)
	apiMux.HandleFunc("GET /fleet/stats", handlers.HandleStats)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
