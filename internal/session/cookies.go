package session

import (
	"net/http"
	"time"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
	CSRFCookie    = "csrf_token"
	CSRFHeader    = "X-XSRF-TOKEN"
)

// SetAuthCookies writes the full triple: access and refresh are HttpOnly,
// csrf is readable by client script so it can be echoed into the
// X-XSRF-TOKEN header.
func SetAuthCookies(w http.ResponseWriter, set TokenSet, accessTTL, refreshTTL time.Duration, secure bool) {
	http.SetCookie(w, authCookie(AccessCookie, set.Access, accessTTL, true, secure))
	http.SetCookie(w, authCookie(RefreshCookie, set.Refresh, refreshTTL, true, secure))
	http.SetCookie(w, authCookie(CSRFCookie, set.CSRF, accessTTL, false, secure))
}

// SetAccessCookies replaces just the short-lived pair after a refresh.
func SetAccessCookies(w http.ResponseWriter, pair Pair, accessTTL time.Duration, secure bool) {
	http.SetCookie(w, authCookie(AccessCookie, pair.Access, accessTTL, true, secure))
	http.SetCookie(w, authCookie(CSRFCookie, pair.CSRF, accessTTL, false, secure))
}

// ClearAuthCookies instructs the transport to drop all three tokens.
// Already-issued tokens stay cryptographically valid until expiry.
func ClearAuthCookies(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, authCookie(AccessCookie, "", -time.Second, true, secure))
	http.SetCookie(w, authCookie(RefreshCookie, "", -time.Second, true, secure))
	http.SetCookie(w, authCookie(CSRFCookie, "", -time.Second, false, secure))
}

func authCookie(name, value string, ttl time.Duration, httpOnly, secure bool) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}

	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: httpOnly,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
