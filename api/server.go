package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/manager"
)

// Server serves the REST API over plain HTTP.
type Server struct {
	manager *manager.Manager
	http    *http.Server
}

// NewServer builds a Server listening on addr.
func NewServer(addr string, m *manager.Manager) *Server {
	s := &Server{manager: m}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("POST /api/peers", s.handleCreatePeer)
	mux.HandleFunc("GET /api/peers", s.handleListPeers)
	mux.HandleFunc("GET /api/peers/{id}", s.handleGetPeer)
	mux.HandleFunc("DELETE /api/peers/{id}", s.handleDeletePeer)
	mux.HandleFunc("GET /api/peers/{id}/config", s.handlePeerConfig)
	mux.HandleFunc("GET /api/peers/{id}/config/text", s.handlePeerConfigText)

	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/metrics/{id}", s.handlePeerMetrics)

	mux.HandleFunc("GET /api/config/interface", s.handleGetInterface)
	mux.HandleFunc("POST /api/config/interface", s.handleInitInterface)
	mux.HandleFunc("POST /api/config/sync", s.handleSync)

	return withRequestID(withAccessLog(mux))
}

// ListenAndServe blocks serving requests until Shutdown is called or the
// listener fails.
func (s *Server) ListenAndServe() error {
	common.LogInfo("http api listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
