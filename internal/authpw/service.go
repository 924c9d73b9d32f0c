// Package authpw signs users in with an email and password and issues the
// bearer tokens the API accepts.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"planarian/api/internal/auth"
	"planarian/api/internal/rbac"
	"planarian/api/internal/store"
	"planarian/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetCredentials(ctx context.Context, email string) (store.User, string, error)
	GetPasswordHash(ctx context.Context, userID string) (string, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	ListGrants(ctx context.Context, accountID, userID string) ([]rbac.Grant, error)
}

// Service provides email/password authentication
type Service struct {
	store       UserStore
	tokenSecret []byte
	tokenTTL    time.Duration
	now         func() time.Time
}

// NewService creates a new auth service
func NewService(store UserStore, tokenSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Service{
		store:       store,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		now:         time.Now,
	}
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	Token     string
	ExpiresAt time.Time
	User      store.User
	Role      rbac.Role
}

// SignIn checks the password and issues a token carrying the user's
// strongest granted role. Scoped checks still happen per request.
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, hash, err := s.store.GetCredentials(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if hash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	grants, err := s.store.ListGrants(ctx, user.AccountID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	role := rbac.Strongest(grants)

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Name:      user.DisplayName,
		AccountID: user.AccountID,
		Role:      string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        util.NewID("jti"),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return nil, err
	}

	return &SignInResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
		Role:      role,
	}, nil
}

// ChangePassword replaces the user's password. A user without a password yet
// may set one without supplying the current password.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}

	hash, err := s.store.GetPasswordHash(ctx, userID)
	if err != nil {
		return fmt.Errorf("load password: %w", err)
	}
	if hash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(currentPassword)); err != nil {
			return ErrInvalidCredentials
		}
	}

	next, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, next); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// HashPassword returns the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
