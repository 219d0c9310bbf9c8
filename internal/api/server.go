// Package api exposes the orchestration core to the web layer as a
// JSON HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/queue"
)

// Queue is the run-queue surface the API needs.
type Queue interface {
	Submit(profileID string, reason models.TriggerReason) (queue.SubmitStatus, error)
	Cancel(profileID string) bool
	Status() models.QueueStatus
}

// Scheduler is the scheduler surface the API needs.
type Scheduler interface {
	Toggle() (bool, error)
	Enabled() (bool, error)
}

// History lists recorded runs.
type History interface {
	ListRuns(profileID string, limit int) ([]models.RunRecord, error)
}

// Profiles lists configured profiles.
type Profiles interface {
	List() []*models.Profile
}

// Server mounts the queue, scheduler, and history endpoints on a chi
// router.
type Server struct {
	queue     Queue
	scheduler Scheduler
	history   History
	profiles  Profiles
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer creates the API server.
func NewServer(logger zerolog.Logger, q Queue, s Scheduler, h History, p Profiles) *Server {
	srv := &Server{
		queue:     q,
		scheduler: s,
		history:   h,
		profiles:  p,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(srv.requestLogger)

	r.Get("/healthz", srv.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/profiles", srv.handleListProfiles)
		r.Post("/profiles/{id}/run", srv.handleSubmitRun)
		r.Get("/queue", srv.handleQueueStatus)
		r.Delete("/queue/{id}", srv.handleCancel)
		r.Get("/scheduler", srv.handleSchedulerState)
		r.Post("/scheduler/toggle", srv.handleSchedulerToggle)
		r.Get("/runs", srv.handleListRuns)
	})
	srv.router = r

	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type profileSummary struct {
	ID       string             `json:"id"`
	Kind     models.ProfileKind `json:"kind"`
	Enabled  bool               `json:"enabled"`
	Schedule models.Schedule    `json:"schedule"`
	Verify   bool               `json:"verify"`
}

func (s *Server) handleListProfiles(w http.ResponseWriter, _ *http.Request) {
	var out []profileSummary
	for _, p := range s.profiles.List() {
		out = append(out, profileSummary{
			ID:       p.ID,
			Kind:     p.Kind,
			Enabled:  p.Enabled,
			Schedule: p.Schedule,
			Verify:   p.Verify,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type submitResponse struct {
	Status queue.SubmitStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	status, err := s.queue.Submit(profileID, models.TriggerManual)
	if err != nil {
		code := http.StatusBadRequest
		var runErr *models.RunError
		if !errors.As(err, &runErr) {
			code = http.StatusInternalServerError
		}
		s.writeJSON(w, code, submitResponse{Status: status, Error: err.Error()})
		return
	}

	code := http.StatusAccepted
	if status != queue.Accepted {
		// Coalesced duplicates are not an error, just not a new run.
		code = http.StatusOK
	}
	s.writeJSON(w, code, submitResponse{Status: status})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	if !s.queue.Cancel(profileID) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile is not queued"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type schedulerState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSchedulerState(w http.ResponseWriter, _ *http.Request) {
	enabled, err := s.scheduler.Enabled()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, schedulerState{Enabled: enabled})
}

func (s *Server) handleSchedulerToggle(w http.ResponseWriter, _ *http.Request) {
	enabled, err := s.scheduler.Toggle()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, schedulerState{Enabled: enabled})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	records, err := s.history.ListRuns(profileID, limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []models.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
