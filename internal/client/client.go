// Package client is a Go client for the kanban-live HTTP API. It keeps
// the auth cookies in a jar, mirrors the csrf_token cookie into the
// X-XSRF-TOKEN header, and transparently refreshes an expired access
// token once per request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 15 * time.Second,
		},
	}, nil
}

type apiError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

// APIError is a non-2xx response decoded from the service's error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registration struct {
	Username             string `json:"username"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (c *Client) Register(ctx context.Context, username, email, password string) error {
	return c.post(ctx, "/register", registration{
		Username:             username,
		Email:                email,
		Password:             password,
		PasswordConfirmation: password,
	}, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.post(ctx, "/login", credentials{Username: username, Password: password}, nil)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.post(ctx, "/logout", nil, nil)
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	if err := c.get(ctx, "/user", &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// AccessToken returns the current access_token cookie value, or empty
// when the client is not logged in. Websocket handshakes use it as the
// ?token= query parameter.
func (c *Client) AccessToken() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == "access_token" {
			return cookie.Value
		}
	}
	return ""
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

// Do issues a request against an API path. On a 401 it refreshes the
// access token and retries exactly once; a second 401 is returned to
// the caller as ErrUnauthorized.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, err := c.send(ctx, method, path, body, out)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
			return err
		}
	} else if status != http.StatusUnauthorized {
		return nil
	}

	// Never refresh on behalf of refresh itself.
	if path == "/refresh" {
		return ErrUnauthorized
	}
	if err := c.refresh(ctx); err != nil {
		return ErrUnauthorized
	}

	if _, err := c.send(ctx, method, path, body, out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return err
	}
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	_, err := c.send(ctx, http.MethodPost, "/refresh", nil, nil)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCSRFHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var decoded apiError
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		return resp.StatusCode, &APIError{
			Status:  resp.StatusCode,
			Code:    decoded.Code,
			Message: decoded.Message,
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response body: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) setCSRFHeader(req *http.Request) {
	for _, cookie := range c.http.Jar.Cookies(req.URL) {
		if cookie.Name == "csrf_token" {
			req.Header.Set("X-XSRF-TOKEN", cookie.Value)
			return
		}
	}
}
