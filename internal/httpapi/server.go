// Package httpapi is the local ops surface: health, pairing code, config
// inspection and edits, manual run trigger, and the delivery ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/history"
	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/session"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// SessionInfo exposes the supervisor to the API.
type SessionInfo interface {
	Status() session.Status
	QR() (string, bool)
}

// ConfigAccess reads and replaces the running configuration.
type ConfigAccess interface {
	// Snapshot returns the active configuration for display.
	Snapshot() any
	// Update validates and applies a new configuration document.
	Update(raw []byte) error
}

// Ledger lists recorded runs.
type Ledger interface {
	Entries(ctx context.Context) ([]history.Entry, error)
}

// Deps wires the server to the rest of the daemon.
type Deps struct {
	Session SessionInfo
	Config  ConfigAccess
	Ledger  Ledger
	// Trigger starts a delivery run; delivery.ErrRunInProgress is mapped to
	// 409.
	Trigger func(ctx context.Context) error
	// RunBusy reports the Trigger error that means a run is active.
	RunBusy error
}

// Server is the ops HTTP listener.
type Server struct {
	addr string
	deps Deps
	log  logx.Logger
	srv  *http.Server
}

func New(addr string, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		addr: addr,
		deps: deps,
		log:  log.With(logx.String("component", "httpapi")),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route tree; exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/qrcode", s.handleQR)
	r.Get("/config", s.handleGetConfig)
	r.Put("/config", s.handlePutConfig)
	r.Post("/run", s.handleRun)
	r.Get("/history", s.handleHistory)
	return r
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", logx.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Session.Status()
	code := http.StatusOK
	if status.State != session.StateReady {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"ok":      status.State == session.StateReady,
		"session": status,
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.deps.Session.QR()
	if !ok {
		respondError(w, http.StatusNotFound, "no pairing code pending")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Config.Snapshot())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.deps.Config.Update(body); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	done := make(chan error, 1)
	go func() { done <- s.deps.Trigger(context.WithoutCancel(r.Context())) }()

	// Give the trigger a moment to report an immediate rejection; a run that
	// takes longer is accepted and left to finish on its own.
	select {
	case err := <-done:
		switch {
		case err == nil:
			respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
		case s.deps.RunBusy != nil && errors.Is(err, s.deps.RunBusy):
			respondError(w, http.StatusConflict, "run already in progress")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
	case <-time.After(500 * time.Millisecond):
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.Entries(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
