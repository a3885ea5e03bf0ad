package session

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kanban-live/internal/observability"
	"kanban-live/internal/user"
)

type contextKey struct{}

// Middleware runs the full double-token check before any protected
// handler and stores the resolved user in the request context.
func Middleware(svc *Service, metrics *observability.Metrics, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken := ""
		if cookie, err := r.Cookie(AccessCookie); err == nil {
			accessToken = cookie.Value
		}
		csrfToken := r.Header.Get(CSRFHeader)

		u, err := svc.Authenticate(r.Context(), accessToken, csrfToken, time.Now().UTC())
		if err != nil {
			metrics.AuthFailures.Inc()
			logger.Warn("request rejected", zap.String("path", r.URL.Path), zap.Error(err))

			status, code := authErrorStatus(err)
			writeError(w, status, code, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFrom returns the authenticated user placed by Middleware.
func UserFrom(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(contextKey{}).(user.User)
	return u, ok
}
