package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/pipeline"
	"github.com/SirClappington/docpipe/internal/ratelimit"
	"github.com/SirClappington/docpipe/internal/webhook"
)

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	userID, tier := subject(r)
	runID, err := s.Runs.Submit(r.Context(), chi.URLParam(r, "documentID"), userID, tier)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":     runID,
		"status_url": "/v1/runs/" + runID,
	})
}

// ownedRun loads a run and hides it from everyone but its submitter.
func (s *Server) ownedRun(r *http.Request, runID string) (*domain.EnhancementRun, error) {
	run, err := s.Runs.GetRunStatus(r.Context(), runID)
	if err != nil {
		return nil, err
	}
	if userID, _ := subject(r); run.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r, chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.ownedRun(r, runID); err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Runs.Cancel(r.Context(), runID, body.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.Runs.GetRunStatus(r.Context(), runID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) liveRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.Live == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "live updates disabled"})
		return
	}
	if _, err := s.ownedRun(r, runID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.Live.Serve(w, r, runID)
}

type jobView struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	Status      domain.Status `json:"status"`
	Progress    int           `json:"progress"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// getJob exposes stage jobs only. Their IDs embed the run, which carries the
// owner.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	runID, _, ok := strings.Cut(jobID, ":")
	if !ok || runID == "delivery" {
		s.fail(w, r, domain.ErrNotFound)
		return
	}
	if _, err := s.ownedRun(r, runID); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.Get(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		ID: j.ID, Queue: j.Queue, Status: j.Status, Progress: j.Progress,
		Attempts: j.Attempts, MaxAttempts: j.MaxAttempts, Error: j.Error,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt, FinishedAt: j.FinishedAt,
	})
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.ConfigInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	userID, _ := subject(r)
	c, err := s.Webhooks.Create(r.Context(), userID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	userID, _ := subject(r)
	cs, err := s.Webhooks.List(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []domain.WebhookConfig{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	userID, _ := subject(r)
	c, err := s.Webhooks.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.ConfigInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	userID, _ := subject(r)
	c, err := s.Webhooks.Update(r.Context(), userID, chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	userID, _ := subject(r)
	if err := s.Webhooks.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request) {
	userID, _ := subject(r)
	secret, err := s.Webhooks.RotateSecret(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.fail(w, r, domain.Invalid("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}
	userID, _ := subject(r)
	ds, err := s.Webhooks.ListDeliveries(r.Context(), userID, chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []domain.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *domain.ValidationError
		ad *domain.AdmissionDeniedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation", "field": ve.Field, "reason": ve.Reason})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, pipeline.ErrRunFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run_finished"})
	case errors.As(err, &ad):
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(ad.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	default:
		s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
