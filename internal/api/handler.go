// Package api is the producer boundary: it validates send requests and
// enqueues them, and exposes job status for operators.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/domain"
)

const (
	maxBody      = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

type Queue interface {
	Enqueue(ctx context.Context, j *domain.Job) (string, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error)
}

// Directory resolves group names to recipient lists.
type Directory interface {
	CreateGroup(ctx context.Context, name string, emails []string) error
	ListGroups(ctx context.Context) ([]string, error)
	GroupEmails(ctx context.Context, name string) ([]string, error)
}

// JobDefaults are applied to every enqueued job.
type JobDefaults struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Handler struct {
	q        Queue
	groups   Directory
	log      *zap.Logger
	validate *validator.Validate
	defaults JobDefaults
}

func NewHandler(q Queue, groups Directory, log *zap.Logger, defaults JobDefaults) *Handler {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = domain.DefaultMaxAttempts
	}
	if defaults.BackoffBase <= 0 {
		defaults.BackoffBase = domain.DefaultBackoffBase
	}
	if defaults.BackoffMax <= 0 {
		defaults.BackoffMax = domain.DefaultBackoffMax
	}
	return &Handler{q: q, groups: groups, log: log, validate: newValidator(), defaults: defaults}
}

func (h *Handler) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, h.requestLog, middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rtr.Post("/dispatch-email", h.dispatchEmail)
	rtr.Get("/jobs", h.listJobs)
	rtr.Get("/jobs/{id}", h.getJob)
	rtr.Route("/groups", func(rtr chi.Router) {
		rtr.Post("/", h.createGroup)
		rtr.Get("/", h.listGroups)
		rtr.Get("/{name}/emails", h.getGroupEmails)
	})
	return rtr
}

func (h *Handler) dispatchEmail(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describe(err))
		return
	}

	recipients := []string(req.To)
	if req.Group != "" {
		emails, err := h.resolveGroup(r.Context(), req.Group)
		if err != nil {
			h.fail(w, err)
			return
		}
		recipients = append(recipients, emails...)
	}

	job := domain.NewJob(domain.Sender{
		From:     req.From,
		Username: req.Credentials.User,
		Password: req.Credentials.Pass,
	}, recipients, req.Subject, req.Text)
	job.MaxAttempts = h.defaults.MaxAttempts
	job.BackoffBase = h.defaults.BackoffBase
	job.BackoffMax = h.defaults.BackoffMax

	id, err := h.q.Enqueue(r.Context(), job)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("job enqueued",
		zap.String("job_id", id),
		zap.Object("sender", job.Sender),
		zap.Int("recipients", len(job.Recipients)))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *Handler) resolveGroup(ctx context.Context, name string) ([]string, error) {
	if h.groups == nil {
		return nil, &domain.ValidationError{Field: "group", Reason: "group directory is not configured"}
	}
	emails, err := h.groups.GroupEmails(ctx, name)
	if errors.Is(err, domain.ErrGroupNotFound) {
		return nil, &domain.ValidationError{Field: "group", Reason: "unknown group " + strconv.Quote(name)}
	}
	return emails, err
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	state := domain.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(state)))
		return
	}
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	jobs, err := h.q.List(r.Context(), state, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		writeError(w, http.StatusNotImplemented, "group directory is not configured")
		return
	}
	var req groupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describe(err))
		return
	}
	emails := domain.DedupeRecipients(req.Emails)
	if err := h.groups.CreateGroup(r.Context(), req.GroupName, emails); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Group created",
		"group":   map[string]any{"groupName": req.GroupName, "emails": emails},
	})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		writeJSON(w, http.StatusOK, map[string]any{"groups": []string{}})
		return
	}
	names, err := h.groups.ListGroups(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": names})
}

func (h *Handler) getGroupEmails(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		writeError(w, http.StatusNotFound, domain.ErrGroupNotFound.Error())
		return
	}
	emails, err := h.groups.GroupEmails(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": emails})
}
