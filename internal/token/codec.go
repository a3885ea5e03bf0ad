package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects which secret and TTL a token is issued and verified with.
// The three kinds use independent secrets so a leaked csrf secret cannot
// be used to forge access tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindCSRF    Kind = "csrf"
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type Codec struct {
	secrets    map[Kind][]byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCodec(accessSecret, refreshSecret, csrfSecret string, accessTTL, refreshTTL time.Duration) (*Codec, error) {
	if accessSecret == "" || refreshSecret == "" || csrfSecret == "" {
		return nil, errors.New("all three token secrets are required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}

	return &Codec{
		secrets: map[Kind][]byte{
			KindAccess:  []byte(accessSecret),
			KindRefresh: []byte(refreshSecret),
			KindCSRF:    []byte(csrfSecret),
		},
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// TTL returns the configured lifetime for a kind. The csrf token lives
// exactly as long as the access token it is bound to.
func (c *Codec) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

func (c *Codec) Issue(kind Kind, userID string, now time.Time) (string, error) {
	secret, ok := c.secrets[kind]
	if !ok {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL(kind))),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}

	return signed, nil
}

// Verify checks signature before expiry: a forged token fails with
// ErrInvalidSignature regardless of the timestamps it claims.
func (c *Codec) Verify(kind Kind, tokenStr string, now time.Time) (*Claims, error) {
	secret, ok := c.secrets[kind]
	if !ok {
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, ErrInvalidSignature
		}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

var (
	ErrMalformed        = errors.New("token is malformed")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token is expired")
)
