package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ProgressFunc returns a JSON-serializable snapshot of the current run.
type ProgressFunc func() any

// Server is the operational listener serving metrics, health and progress.
type Server struct {
	router   chi.Router
	progress ProgressFunc
	logger   *zap.Logger
	srv      *http.Server
}

// NewServer builds the ops router. progress may be nil.
func NewServer(progress ProgressFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	Init()
	s := &Server{progress: progress, logger: logger}
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", s.healthz)
	r.Get("/progress", s.progressSnapshot)
	r.Method(http.MethodGet, "/metrics", Handler())
	s.router = r
	return s
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds addr and serves in the background until Shutdown.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops listener stopped", zap.Error(err))
		}
	}()
	s.logger.Info("ops listener started", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Shutdown stops the listener; it is a no-op when Start was never called.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops listener: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) progressSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.progress())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}
