package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/domain"
)

// jobView is the operator-facing job status. It never carries the sender secret.
type jobView struct {
	ID              string                            `json:"id"`
	State           domain.State                      `json:"state"`
	From            string                            `json:"from"`
	User            string                            `json:"user"`
	Recipients      []string                          `json:"recipients"`
	Subject         string                            `json:"subject"`
	AttemptCount    int                               `json:"attempt_count"`
	MaxAttempts     int                               `json:"max_attempts"`
	RecipientStatus map[string]domain.RecipientStatus `json:"recipient_status"`
	RunAt           time.Time                         `json:"run_at"`
	LastError       string                            `json:"last_error,omitempty"`
	DeadReason      domain.DeadReason                 `json:"dead_reason,omitempty"`
	CreatedAt       time.Time                         `json:"created_at"`
	UpdatedAt       time.Time                         `json:"updated_at"`
}

func newJobView(j *domain.Job) jobView {
	return jobView{
		ID:              j.ID,
		State:           j.State,
		From:            j.Sender.From,
		User:            j.Sender.Username,
		Recipients:      j.Recipients,
		Subject:         j.Subject,
		AttemptCount:    j.AttemptCount,
		MaxAttempts:     j.MaxAttempts,
		RecipientStatus: j.RecipientStatus,
		RunAt:           j.RunAt,
		LastError:       j.LastError,
		DeadReason:      j.DeadReason,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// fail maps domain errors onto status codes; anything unexpected is a 500
// with the detail kept in the log.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrGroupExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
