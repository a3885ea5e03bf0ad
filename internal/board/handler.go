package board

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"kanban-live/internal/authz"
	"kanban-live/internal/session"
	"kanban-live/internal/user"
)

const maxJSONBodyBytes = 1 << 20

// Store is what the handler needs from the persistence layer.
type Store interface {
	ListForUser(ctx context.Context, userID string) ([]Board, error)
	Get(ctx context.Context, id string) (Board, error)
	Create(ctx context.Context, name, creatorID string) (Board, error)
	UpdateName(ctx context.Context, id, name string) (Board, error)
	Delete(ctx context.Context, id string) error
	ListMembers(ctx context.Context, boardID string) ([]Member, error)
	AddMember(ctx context.Context, boardID, userID string, role authz.Role) error
	UpdateMemberRole(ctx context.Context, boardID, userID string, role authz.Role) error
	RemoveMember(ctx context.Context, boardID, userID string) error
}

// UserDirectory resolves target users when adding members.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

type Handler struct {
	store Store
	users UserDirectory
	authz *authz.Engine
}

func NewHandler(store Store, users UserDirectory, engine *authz.Engine) *Handler {
	return &Handler{store: store, users: users, authz: engine}
}

type nameRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}

	boards, err := h.store.ListForUser(r.Context(), u.ID)
	if err != nil {
		internalError(w, err, "failed to list boards")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}

	var body nameRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" || len(body.Name) > 255 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "name is required and must not exceed 255 characters")
		return
	}

	b, err := h.store.Create(r.Context(), body.Name, u.ID)
	if err != nil {
		internalError(w, err, "failed to create board")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"board": b})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")

	var body nameRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" || len(body.Name) > 255 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "name is required and must not exceed 255 characters")
		return
	}

	if _, err := h.authz.RequireWriteCapable(r.Context(), u.ID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	b, err := h.store.UpdateName(r.Context(), boardID, body.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "board not found")
			return
		}
		internalError(w, err, "failed to update board")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"board": b})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")

	if _, err := h.authz.RequireAdmin(r.Context(), u.ID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	if err := h.store.Delete(r.Context(), boardID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "board not found")
			return
		}
		internalError(w, err, "failed to delete board")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "board deleted"})
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
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

	members, err := h.store.ListMembers(r.Context(), boardID)
	if err != nil {
		internalError(w, err, "failed to list members")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")

	var body addMemberRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	role, err := authz.ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "role must be admin, member or readOnly")
		return
	}

	if _, err := h.users.GetByID(r.Context(), body.UserID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		internalError(w, err, "failed to add member")
		return
	}

	if err := h.authz.GuardAdd(r.Context(), u.ID, body.UserID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	if err := h.store.AddMember(r.Context(), boardID, body.UserID, role); err != nil {
		internalError(w, err, "failed to add member")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "member added successfully"})
}

func (h *Handler) UpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")
	targetID := r.PathValue("userID")

	var body roleRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	role, err := authz.ParseRole(body.Role)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "role must be admin, member or readOnly")
		return
	}

	if err := h.authz.GuardRoleChange(r.Context(), u.ID, targetID, boardID, role); err != nil {
		writeAuthzError(w, err)
		return
	}

	if err := h.store.UpdateMemberRole(r.Context(), boardID, targetID, role); err != nil {
		internalError(w, err, "failed to update role")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "role updated"})
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	boardID := r.PathValue("id")
	targetID := r.PathValue("userID")

	if err := h.authz.GuardRemoval(r.Context(), u.ID, targetID, boardID); err != nil {
		writeAuthzError(w, err)
		return
	}

	if err := h.store.RemoveMember(r.Context(), boardID, targetID); err != nil {
		internalError(w, err, "failed to remove member")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "member removed"})
}

func writeAuthzError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, authz.ErrNotMember):
		writeError(w, http.StatusNotFound, "not_found", "member not found")
	case errors.Is(err, authz.ErrAlreadyMember):
		writeError(w, http.StatusConflict, "already_member", "user is already a member of this board")
	case errors.Is(err, authz.ErrLastAdmin):
		writeError(w, http.StatusUnprocessableEntity, "last_admin", "board must keep at least one admin")
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
