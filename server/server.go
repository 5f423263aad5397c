// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"wtw-bot/poll"
)

// Poller runs one reconciliation pass on demand.
type Poller interface {
	RunPass(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Poller   Poller
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger

	// PollInterval is the minimum spacing between POST /pollz requests.
	PollInterval time.Duration
	PassTimeout  time.Duration
}

// Server handles HTTP requests.
type Server struct {
	poller      Poller
	logger      *slog.Logger
	limiter     *rate.Limiter
	passTimeout time.Duration
	mux         *http.ServeMux

	// ctx is the serving context; passes started by /pollz stop with it.
	ctx context.Context
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		poller:      cfg.Poller,
		logger:      cfg.Logger,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		passTimeout: cfg.PassTimeout,
		mux:         http.NewServeMux(),
		ctx:         context.Background(),
	}
	if cfg.PollInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.PollInterval), 1)
	}
	if s.passTimeout <= 0 {
		s.passTimeout = 5 * time.Minute
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/pollz", s.handlePoll)
	if cfg.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Cancelling ctx also stops any pass
// started through /pollz at its next phase or item boundary.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.passTimeout + 30*time.Second, // pollz waits for a whole pass
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("Poll endpoint rate limited", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered", "remote_addr", r.RemoteAddr)

	// Derived from the serving context, not the request: a client hanging up must not abort
	// the pass, but shutdown must.
	ctx, cancel := context.WithTimeout(s.ctx, s.passTimeout)
	defer cancel()

	start := time.Now()
	if err := s.poller.RunPass(ctx); err != nil {
		if errors.Is(err, poll.ErrPassRunning) {
			http.Error(w, "Pass already running", http.StatusConflict)
			return
		}
		if s.ctx.Err() != nil {
			s.logger.Info("Poll pass stopped by shutdown", "error", err)
			http.Error(w, "Shutting down", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("Poll pass failed", "error", err)
		http.Error(w, "Pass failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "completed",
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
