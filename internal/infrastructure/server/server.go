// Package server exposes Prometheus metrics, health and a plain-text status
// report over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/internal/infrastructure/health"
	"skytrader/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc renders the human readable status report
type StatusFunc func(ctx context.Context) (string, error)

type HealthServer struct {
	port   int
	logger core.ILogger
	hm     *health.HealthManager
	status StatusFunc
	srv    *http.Server

	mu      sync.Mutex
	details map[string]func() map[string]interface{}
}

// NewHealthServer creates the server. hm and status may be nil.
func NewHealthServer(port int, logger core.ILogger, hm *health.HealthManager, status StatusFunc) *HealthServer {
	return &HealthServer{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		hm:     hm,
		status: status,
	}
}

// AddDetail reports fn's result under name in the /healthz body
func (s *HealthServer) AddDetail(name string, fn func() map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.details == nil {
		s.details = make(map[string]func() map[string]interface{})
	}
	s.details[name] = fn
}

// Handler returns the routes: /metrics, /healthz and /status
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves until ctx ends, then shuts down gracefully
func (s *HealthServer) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health server", "port", s.port)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Stopping health server")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":        "ok",
		"time":          time.Now().UTC(),
		"position_size": telemetry.GetGlobalMetrics().GetPositionSize(),
	}
	code := http.StatusOK
	if s.hm != nil {
		components, ok := s.hm.GetStatus(r.Context())
		body["components"] = components
		if !ok {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	s.mu.Lock()
	for name, fn := range s.details {
		body[name] = fn()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.NotFound(w, r)
		return
	}
	report, err := s.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(report))
}
