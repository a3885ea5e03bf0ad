package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mux *http.ServeMux

	loginCalls   atomic.Int64
	refreshCalls atomic.Int64
	userCalls    atomic.Int64

	// validAccess holds the access token values the fake currently
	// accepts; refresh rotates in a new one.
	validAccess atomic.Value
}

func newFakeAPI() *fakeAPI {
	f := &fakeAPI{mux: http.NewServeMux()}
	f.validAccess.Store("access-1")

	f.mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls.Add(1)
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password != "secret" {
			writeErr(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		setCookies(w, "access-1", "refresh-1", "csrf-1")
		writeOK(w)
	})

	f.mux.HandleFunc("POST /refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		cookie, err := r.Cookie("refresh_token")
		if err != nil || cookie.Value != "refresh-1" {
			writeErr(w, http.StatusUnauthorized, "token_invalid")
			return
		}
		f.validAccess.Store("access-2")
		setCookies(w, "access-2", "", "csrf-2")
		writeOK(w)
	})

	f.mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		f.userCalls.Add(1)
		cookie, err := r.Cookie("access_token")
		if err != nil || cookie.Value != f.validAccess.Load().(string) {
			writeErr(w, http.StatusUnauthorized, "token_expired")
			return
		}
		if r.Header.Get("X-XSRF-TOKEN") == "" {
			writeErr(w, http.StatusUnauthorized, "token_missing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "u1", "username": "alice", "email": "alice@example.com"})
	})

	return f
}

func setCookies(w http.ResponseWriter, access, refresh, csrf string) {
	if access != "" {
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: access, Path: "/", HttpOnly: true})
	}
	if refresh != "" {
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: refresh, Path: "/", HttpOnly: true})
	}
	if csrf != "" {
		http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: csrf, Path: "/"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func writeErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "code": code})
}

func fixture(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := newFakeAPI()
	server := httptest.NewServer(api.mux)
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	require.NoError(t, err)
	return api, c
}

func TestLoginStoresCookiesAndCSRFHeader(t *testing.T) {
	_, c := fixture(t)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "alice", "secret"))
	assert.Equal(t, "access-1", c.AccessToken())

	u, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestLoginFailureSurfacesAPIError(t *testing.T) {
	_, c := fixture(t)

	err := c.Login(context.Background(), "alice", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid_credentials", apiErr.Code)
}

func TestExpiredAccessTokenRefreshedAndRetriedOnce(t *testing.T) {
	api, c := fixture(t)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "alice", "secret"))

	// Simulate server-side expiry of the current access token.
	api.validAccess.Store("rotated-away")

	u, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	assert.Equal(t, int64(1), api.refreshCalls.Load())
	assert.Equal(t, int64(2), api.userCalls.Load())
	assert.Equal(t, "access-2", c.AccessToken())
}

func TestSecondUnauthorizedIsNotRetried(t *testing.T) {
	api, c := fixture(t)
	ctx := context.Background()

	// No login: every request is a 401 and the refresh fails too.
	_, err := c.Me(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(1), api.refreshCalls.Load())
	assert.Equal(t, int64(1), api.userCalls.Load())
}

func TestRefreshItselfIsNeverRetried(t *testing.T) {
	api, c := fixture(t)

	err := c.Do(context.Background(), http.MethodPost, "/refresh", nil, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(1), api.refreshCalls.Load())
}
