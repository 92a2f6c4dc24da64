package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"calwatch/internal/types"
)

// confirmer records a human confirmation for an event.
type confirmer interface {
	Confirm(ctx context.Context, key types.EventKey, actor string, at time.Time) (types.ConfirmResult, error)
}

// pinger reports backing store liveness. Satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server hosts the admin HTTP endpoints.
type Server struct {
	engine confirmer
	db     pinger
	clock  types.Clock
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the Server and its router.
func NewServer(addr string, engine confirmer, db pinger, clock types.Clock, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		db:     db,
		clock:  clock,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(Recoverer(logger))
	r.Use(RequestID)
	r.Use(RequestLogger(logger))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/events/{key}/confirm", s.handleConfirm)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealthz reports liveness of the process and its database.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "down"})
		return
	}
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// confirmResponse is the body returned by the confirm endpoint.
type confirmResponse struct {
	Status      string `json:"status"`
	EventKey    string `json:"event_key"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
	ConfirmedBy string `json:"confirmed_by,omitempty"`
}

// handleConfirm records a confirmation for the event key in the URL. The
// operation is idempotent: confirming twice returns the original record.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	key, err := types.ParseEventKey(chi.URLParam(r, "key"))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidKey, "malformed event key", err))
		return
	}

	actor := r.Header.Get("X-Confirmed-By")
	if actor == "" {
		actor = "api"
	}

	result, err := s.engine.Confirm(r.Context(), key, actor, s.clock.Now())
	if err != nil {
		Error(w, r, err)
		return
	}

	switch result.Status {
	case types.ConfirmRejected:
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundEvent, "no notification state for this event", nil))
	case types.ConfirmedAlready:
		JSON(w, r, http.StatusOK, confirmResponse{
			Status:      "already_confirmed",
			EventKey:    key.String(),
			ConfirmedAt: result.Record.ConfirmedAt.Format(time.RFC3339),
			ConfirmedBy: result.Record.ConfirmedBy,
		})
	default:
		JSON(w, r, http.StatusOK, confirmResponse{
			Status:      "confirmed",
			EventKey:    key.String(),
			ConfirmedAt: result.Record.ConfirmedAt.Format(time.RFC3339),
			ConfirmedBy: result.Record.ConfirmedBy,
		})
	}
}
