// Package server exposes the event engine over HTTP: message submission,
// key-state and log queries, and escrow inspection.
package server

import (
	"log/slog"
	"net/http"

	"github.com/kelworks/keld/pkg/kel"
)

// Server routes HTTP requests to a kel.Service.
type Server struct {
	svc    *kel.Service
	logger *slog.Logger
}

// New creates a server over the service.
func New(svc *kel.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /messages", s.handleSubmit)
	mux.HandleFunc("GET /identifiers", s.handleIdentifiers)
	mux.HandleFunc("GET /identifiers/{id}/state", s.handleKeyState)
	mux.HandleFunc("GET /identifiers/{id}/events", s.handleKeyEventLog)
	mux.HandleFunc("GET /identifiers/{id}/events/{sn}/receipts", s.handleReceipts)
	mux.HandleFunc("GET /escrows/{reason}", s.handleEscrow)

	return mux
}
