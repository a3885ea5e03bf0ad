package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kanban-live/internal/token"
	"kanban-live/internal/user"
)

// UserStore is the slice of the user store the session layer needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (user.User, error)
	GetByUsername(ctx context.Context, username string) (user.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, username, email, passwordHash string) (user.User, error)
}

// TokenSet is the full credential triple issued at login.
type TokenSet struct {
	Access  string
	Refresh string
	CSRF    string
}

// Pair is the short-lived access+csrf pair minted by a refresh. The
// refresh token itself is never rotated; its lifetime is fixed at login.
type Pair struct {
	Access string
	CSRF   string
}

type Service struct {
	users UserStore
	codec *token.Codec
}

func NewService(users UserStore, codec *token.Codec) *Service {
	return &Service{users: users, codec: codec}
}

// Authenticate validates the access cookie plus the csrf header as one
// unit: both present, both verified with their own secret, both naming
// the same subject, and the subject still backed by a live user row.
func (s *Service) Authenticate(ctx context.Context, accessToken, csrfToken string, now time.Time) (user.User, error) {
	if accessToken == "" || csrfToken == "" {
		return user.User{}, ErrTokenMissing
	}

	access, err := s.codec.Verify(token.KindAccess, accessToken, now)
	if err != nil {
		return user.User{}, err
	}

	csrf, err := s.codec.Verify(token.KindCSRF, csrfToken, now)
	if err != nil {
		return user.User{}, err
	}

	if access.UserID != csrf.UserID {
		return user.User{}, ErrSubjectMismatch
	}

	return s.resolve(ctx, access.UserID)
}

// ResolveAccess verifies the access token alone. The websocket handshake
// cannot carry the csrf header out-of-band, so the gateway authenticates
// with this relaxed check.
func (s *Service) ResolveAccess(ctx context.Context, accessToken string, now time.Time) (user.User, error) {
	if accessToken == "" {
		return user.User{}, ErrTokenMissing
	}

	access, err := s.codec.Verify(token.KindAccess, accessToken, now)
	if err != nil {
		return user.User{}, err
	}

	return s.resolve(ctx, access.UserID)
}

func (s *Service) resolve(ctx context.Context, userID string) (user.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Token subject was deleted after issuance.
			return user.User{}, ErrIdentityNotFound
		}
		return user.User{}, fmt.Errorf("resolve token subject: %w", err)
	}

	return u, nil
}

func (s *Service) Login(ctx context.Context, username, password string, now time.Time) (user.User, TokenSet, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.User{}, TokenSet{}, ErrInvalidCredentials
		}
		return user.User{}, TokenSet{}, fmt.Errorf("load user for login: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return user.User{}, TokenSet{}, ErrInvalidCredentials
	}

	set, err := s.issueSet(u.ID, now)
	if err != nil {
		return user.User{}, TokenSet{}, err
	}

	return u, set, nil
}

func (s *Service) Register(ctx context.Context, username, email, password string, now time.Time) (user.User, TokenSet, error) {
	taken, err := s.users.UsernameExists(ctx, username)
	if err != nil {
		return user.User{}, TokenSet{}, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return user.User{}, TokenSet{}, ErrUsernameTaken
	}

	taken, err = s.users.EmailExists(ctx, email)
	if err != nil {
		return user.User{}, TokenSet{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return user.User{}, TokenSet{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, TokenSet{}, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.Create(ctx, username, email, string(hash))
	if err != nil {
		return user.User{}, TokenSet{}, fmt.Errorf("create user: %w", err)
	}

	set, err := s.issueSet(u.ID, now)
	if err != nil {
		return user.User{}, TokenSet{}, err
	}

	return u, set, nil
}

// Refresh verifies only the refresh token, re-resolves its subject and
// mints a new access+csrf pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, now time.Time) (user.User, Pair, error) {
	if refreshToken == "" {
		return user.User{}, Pair{}, ErrTokenMissing
	}

	claims, err := s.codec.Verify(token.KindRefresh, refreshToken, now)
	if err != nil {
		return user.User{}, Pair{}, err
	}

	u, err := s.resolve(ctx, claims.UserID)
	if err != nil {
		return user.User{}, Pair{}, err
	}

	access, err := s.codec.Issue(token.KindAccess, u.ID, now)
	if err != nil {
		return user.User{}, Pair{}, err
	}
	csrf, err := s.codec.Issue(token.KindCSRF, u.ID, now)
	if err != nil {
		return user.User{}, Pair{}, err
	}

	return u, Pair{Access: access, CSRF: csrf}, nil
}

func (s *Service) issueSet(userID string, now time.Time) (TokenSet, error) {
	access, err := s.codec.Issue(token.KindAccess, userID, now)
	if err != nil {
		return TokenSet{}, err
	}
	refresh, err := s.codec.Issue(token.KindRefresh, userID, now)
	if err != nil {
		return TokenSet{}, err
	}
	csrf, err := s.codec.Issue(token.KindCSRF, userID, now)
	if err != nil {
		return TokenSet{}, err
	}

	return TokenSet{Access: access, Refresh: refresh, CSRF: csrf}, nil
}

var (
	ErrTokenMissing       = errors.New("access or csrf token missing")
	ErrSubjectMismatch    = errors.New("access and csrf tokens name different subjects")
	ErrIdentityNotFound   = errors.New("token subject no longer exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already exists")
)
