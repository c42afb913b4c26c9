// Package api exposes the intake, status, quote, and health surface
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"zec-relay/internal/config"
	"zec-relay/internal/fees"
	"zec-relay/internal/health"
	"zec-relay/internal/storage"
)

// DemoOverlay lets the read path present a demo deposit's expected
// phase before the timer-driven ledger write lands.
type DemoOverlay interface {
	Enqueue(depositID string)
	Phase(createdAt, now time.Time) storage.Status
}

// Server hosts the HTTP API.
type Server struct {
	depositHandler *DepositHandler
	quoteHandler   *QuoteHandler
	healthHandler  *HealthHandler
	logger         zerolog.Logger
	server         *http.Server
}

// NewServer wires the handlers and the underlying http.Server.
func NewServer(cfg config.APIConfig, store storage.DepositStore, rates *config.Config, quotes *fees.QuoteEngine, metrics *health.Metrics, demo DemoOverlay, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	return &Server{
		depositHandler: NewDepositHandler(store, rates, demo, logger),
		quoteHandler:   NewQuoteHandler(quotes, logger),
		healthHandler:  NewHealthHandler(metrics, logger),
		logger:         logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves requests until Stop is called.
func (s *Server) Start() error {
	s.server.Handler = s.Routes()

	s.logger.Info().Str("address", s.server.Addr).Msg("api server listening")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("api server stopping")
	return s.server.Shutdown(ctx)
}

// Routes builds the router. Exposed for handler tests.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/deposits", s.depositHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/deposits/by-signature/{signature}", s.depositHandler.GetBySignature).Methods(http.MethodGet)
	api.HandleFunc("/deposits/{deposit_id}", s.depositHandler.Get).Methods(http.MethodGet)

	api.HandleFunc("/quote", s.quoteHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/health", s.healthHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/health/metrics", s.healthHandler.GetMetrics).Methods(http.MethodGet)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, logger zerolog.Logger) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message}, logger)
}
