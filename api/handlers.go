package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/submit"
)

const maxBodyBytes = 1 << 20

// Handler contains all HTTP handlers.
type Handler struct {
	logger *zap.Logger
	svc    JobService
	health HealthCheck
}

// NewHandler creates a new handler.
func NewHandler(logger *zap.Logger, svc JobService, health HealthCheck) *Handler {
	return &Handler{logger: logger, svc: svc, health: health}
}

// HealthCheck reports the service and its Redis connection.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "codequeue",
	})
}

// ListLanguages returns the executable languages.
func (h *Handler) ListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": h.svc.Languages()})
}

// SubmitJob accepts a job and answers 202 with its id.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var sub submit.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorResponse(w, apperr.BadRequest("request body too large"))
			return
		}
		h.errorResponse(w, apperr.BadRequest("invalid request body"))
		return
	}

	receipt, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// GetJob reports the status or result of a job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if st.Status == submit.StatusNotFound {
		writeJSON(w, http.StatusNotFound, submit.Status{
			Status: submit.StatusNotFound,
			Error:  apperr.JobNotFound.Message(),
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorBody struct {
	Error   string         `json:"error"`
	Code    int            `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	code := apperr.GetCode(err)
	status := code.HTTPStatus()
	body := errorBody{Error: err.Error(), Code: int(code)}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Details = appErr.Details
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		if code == apperr.InternalServerError {
			body.Error = code.Message()
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
