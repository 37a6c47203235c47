// Package server exposes the detector's status, health and metrics over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/tvwake/internal/detector"
	"github.com/HerbHall/tvwake/internal/version"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports the detector's progress; *detector.Detector
// implements it.
type StatusSource interface {
	Status() detector.Status
}

// Server is the optional status server.
type Server struct {
	httpServer *http.Server
	status     StatusSource
	device     string
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server. metrics may be nil, in which case /metrics is not
// served.
func New(addr, device string, status StatusSource, metrics http.Handler, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		status: status,
		device: device,
		logger: logger,
		mux:    mux,
	}

	s.mux.HandleFunc("/healthz", getOnly(s.handleHealth))
	s.mux.HandleFunc("/api/v1/status", getOnly(s.handleStatus))
	if metrics != nil {
		s.mux.Handle("/metrics", getOnly(metrics.ServeHTTP))
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no route for "+r.URL.Path, r.URL.Path)
	})
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully. A listen failure is returned at once.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.Stringer("addr", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth answers 200 once the detector has taken its first reading
// and 503 before that.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	if !st.Started {
		Unavailable(w, "detector has not completed its first probe", r.URL.Path)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"service": "tvwake",
		"version": version.Short(),
	})
}

type statusResponse struct {
	Device  string            `json:"device"`
	Version map[string]string `json:"version"`
	detector.Status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		Device:  s.device,
		Version: version.Map(),
		Status:  s.status.Status(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-TvWake-Version", version.Short())
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			MethodNotAllowed(w, r.Method+" is not supported", r.URL.Path)
			return
		}
		h(w, r)
	}
}
