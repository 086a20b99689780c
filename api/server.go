// Package api exposes the engine's state over HTTP: health, open
// opportunities, scanned tickets and a websocket stream of open/close events.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/models"
)

// OpportunitySource lists the currently open opportunities.
type OpportunitySource interface {
	Snapshot() []models.Opportunity
}

// TicketSource lists the tickets being scanned.
type TicketSource interface {
	Tickets() []models.Ticket
}

type Config struct {
	Port      string
	JWTSecret string
}

type Server struct {
	cfg           Config
	opportunities OpportunitySource
	tickets       TicketSource
	hub           *Hub
	logger        *logrus.Logger
	startedAt     time.Time
}

func NewServer(cfg Config, opportunities OpportunitySource, tickets TicketSource, hub *Hub, logger *logrus.Logger) *Server {
	return &Server{
		cfg:           cfg,
		opportunities: opportunities,
		tickets:       tickets,
		hub:           hub,
		logger:        logger,
		startedAt:     time.Now().UTC(),
	}
}

// Handler returns the routed API with CORS and bearer auth applied.
func (s *Server) Handler() http.Handler {
	auth := jwtMiddleware(s.cfg.JWTSecret, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /api/opportunities", auth(http.HandlerFunc(s.handleOpportunities)))
	mux.Handle("GET /api/tickets", auth(http.HandlerFunc(s.handleTickets)))
	if s.hub != nil {
		mux.Handle("GET /api/ws", auth(http.HandlerFunc(s.hub.HandleWS)))
	}

	return corsMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("API server shutdown failed")
		}
		return ctx.Err()
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.hub != nil {
		response["streamClients"] = s.hub.ClientCount()
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	opportunities := s.opportunities.Snapshot()
	if opportunities == nil {
		opportunities = []models.Opportunity{}
	}
	s.writeJSON(w, http.StatusOK, opportunities)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	tickets := s.tickets.Tickets()
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	s.writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
