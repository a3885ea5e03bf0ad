package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"time"

	"github.com/getsentry/sentry-go"

	"kanban-live/internal/token"
)

const maxJSONBodyBytes = 1 << 20

var (
	hasDigit = regexp.MustCompile(`\d`)
	hasLower = regexp.MustCompile(`[a-z]`)
	hasUpper = regexp.MustCompile(`[A-Z]`)
)

type Handler struct {
	service *Service
	secure  bool
	debug   bool
}

func NewHandler(service *Service, secure, debug bool) *Handler {
	return &Handler{service: service, secure: secure, debug: debug}
}

type registerRequest struct {
	Username             string `json:"username"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(body.Username) < 3 || len(body.Username) > 255 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "username must be between 3 and 255 characters")
		return
	}
	if len(body.Email) > 255 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "email must not exceed 255 characters")
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "a valid email is required")
		return
	}
	if body.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "password is required")
		return
	}
	if body.Password != body.PasswordConfirmation {
		writeError(w, http.StatusUnprocessableEntity, "validation", "password confirmation does not match")
		return
	}
	if !hasDigit.MatchString(body.Password) {
		writeError(w, http.StatusUnprocessableEntity, "validation", "password must contain at least 1 number")
		return
	}
	if !hasLower.MatchString(body.Password) {
		writeError(w, http.StatusUnprocessableEntity, "validation", "password must contain at least 1 lowercase letter")
		return
	}
	if !hasUpper.MatchString(body.Password) {
		writeError(w, http.StatusUnprocessableEntity, "validation", "password must contain at least 1 uppercase letter")
		return
	}

	now := time.Now().UTC()
	u, set, err := h.service.Register(r.Context(), body.Username, body.Email, body.Password, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken):
			writeError(w, http.StatusUnprocessableEntity, "validation", "username already exists")
		case errors.Is(err, ErrEmailTaken):
			writeError(w, http.StatusUnprocessableEntity, "validation", "email already exists")
		default:
			h.internalError(w, err, "registration failed")
		}
		return
	}

	SetAuthCookies(w, set, h.service.codec.AccessTTL(), h.service.codec.RefreshTTL(), h.secure)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "user registered successfully", "user": u})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "username and password are required")
		return
	}

	u, set, err := h.service.Login(r.Context(), body.Username, body.Password, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.internalError(w, err, "failed to login")
		return
	}

	SetAuthCookies(w, set, h.service.codec.AccessTTL(), h.service.codec.RefreshTTL(), h.secure)
	writeJSON(w, http.StatusOK, map[string]any{"message": "user logged in successfully", "user": u})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := ""
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		refreshToken = cookie.Value
	}

	_, pair, err := h.service.Refresh(r.Context(), refreshToken, time.Now().UTC())
	if err != nil {
		status, code := authErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.internalError(w, err, "failed to refresh token")
			return
		}
		writeError(w, status, code, "invalid refresh token")
		return
	}

	SetAccessCookies(w, pair, h.service.codec.AccessTTL(), h.secure)
	writeJSON(w, http.StatusOK, map[string]string{"message": "access token refreshed"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ClearAuthCookies(w, h.secure)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_missing", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) internalError(w http.ResponseWriter, err error, message string) {
	sentry.CaptureException(err)
	if h.debug {
		writeError(w, http.StatusInternalServerError, "internal", message+": "+err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", message)
}

// authErrorStatus maps the authentication error taxonomy to its stable
// machine-readable wire form.
func authErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return http.StatusUnauthorized, "token_missing"
	case errors.Is(err, token.ErrMalformed):
		return http.StatusUnauthorized, "token_malformed"
	case errors.Is(err, token.ErrInvalidSignature):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, token.ErrExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, ErrSubjectMismatch):
		return http.StatusUnauthorized, "subject_mismatch"
	case errors.Is(err, ErrIdentityNotFound):
		return http.StatusUnauthorized, "identity_not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
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
