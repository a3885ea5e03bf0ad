package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"kanban-live/internal/authz"
	"kanban-live/internal/session"
)

const maxJSONBodyBytes = 1 << 20

type Store interface {
	ListByBoard(ctx context.Context, boardID string) ([]Task, error)
	Get(ctx context.Context, id string) (Task, error)
	Create(ctx context.Context, boardID, userID, content, status string) (Task, error)
	Update(ctx context.Context, id, content, status string) (Task, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	store Store
	authz *authz.Engine
}

func NewHandler(store Store, engine *authz.Engine) *Handler {
	return &Handler{store: store, authz: engine}
}

type taskRequest struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

func (r taskRequest) validate() (string, bool) {
	if r.Content == "" || len(r.Content) > 1000 {
		return "content is required and must not exceed 1000 characters", false
	}
	if !ValidStatus(r.Status) {
		return "status must be todo, doing, done or stopped", false
	}
	return "", true
}

// List returns a board's tasks; reads need any membership, including
// readOnly.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")

	if _, err := h.authz.RequireMember(r.Context(), u.ID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	tasks, err := h.store.ListByBoard(r.Context(), boardID)
	if err != nil {
		internalError(w, err, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")

	var body taskRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if message, valid := body.validate(); !valid {
		writeError(w, http.StatusUnprocessableEntity, "validation", message)
		return
	}

	if _, err := h.authz.RequireWriteCapable(r.Context(), u.ID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	t, err := h.store.Create(r.Context(), boardID, u.ID, body.Content, body.Status)
	if err != nil {
		internalError(w, err, "failed to create task")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"task": t})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	taskID := r.PathValue("id")

	var body taskRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if message, valid := body.validate(); !valid {
		writeError(w, http.StatusUnprocessableEntity, "validation", message)
		return
	}

	existing, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		internalError(w, err, "failed to update task")
		return
	}

	if _, err := h.authz.RequireWriteCapable(r.Context(), u.ID, existing.BoardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	t, err := h.store.Update(r.Context(), taskID, body.Content, body.Status)
	if err != nil {
		internalError(w, err, "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	taskID := r.PathValue("id")

	existing, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		internalError(w, err, "failed to delete task")
		return
	}

	if _, err := h.authz.RequireWriteCapable(r.Context(), u.ID, existing.BoardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	if err := h.store.Delete(r.Context(), taskID); err != nil {
		internalError(w, err, "failed to delete task")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

func writeAuthzError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, authz.ErrNotMember):
		writeError(w, http.StatusNotFound, "not_found", "member not found")
	default:
		internalError(w, err, "authorization check failed")
	}
}

func internalError(w http.ResponseWriter, err error, message string) {
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, "internal", message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
