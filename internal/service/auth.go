package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/hash"
	"github.com/Skotchmaster/sessionguard/internal/logging"
	"github.com/Skotchmaster/sessionguard/internal/models"
)

const (
	minPasswordLen = 8
	// bcrypt only reads the first 72 bytes and rejects longer input.
	maxPasswordLen = 72
)

var defaultRoles = []string{"user"}

type UserStore interface {
	SubjectDirectory
	Create(ctx context.Context, u *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type AuthService struct {
	Engine *Engine
	Users  UserStore
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	l := logging.FromContext(ctx).With("svc", "auth.register")

	switch {
	case email == "" || password == "":
		return nil, fmt.Errorf("%w: email and password are required", domain.ErrValidation)
	case !strings.Contains(email, "@"):
		return nil, fmt.Errorf("%w: invalid email", domain.ErrValidation)
	case len(password) < minPasswordLen:
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, minPasswordLen)
	case len(password) > maxPasswordLen:
		return nil, fmt.Errorf("%w: password must be at most %d bytes", domain.ErrValidation, maxPasswordLen)
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_error", "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: pwHash,
		Roles:        append([]string(nil), defaultRoles...),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			l.Warn("register_error", "reason", "user already exists")
		} else {
			l.Error("register_error", "error", err)
		}
		return nil, err
	}

	l.Info("user_registered", "user_id", user.ID)
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login")

	user, err := s.Users.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, domain.ErrNotFound) {
		hash.DummyCompare(password)
		l.Warn("login_failed", "reason", "unknown email")
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		l.Error("login_failed", "error", err)
		return nil, err
	}
	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "reason", "wrong password", "user_id", user.ID)
		return nil, domain.ErrInvalidCredentials
	}

	return s.Engine.StartSession(ctx, user)
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return s.Engine.Rotate(ctx, refreshToken)
}

func (s *AuthService) Logout(ctx context.Context, ownerID string) error {
	return s.Engine.Logout(ctx, ownerID)
}

func (s *AuthService) Revoke(ctx context.Context, refreshToken string) error {
	return s.Engine.RevokeToken(ctx, refreshToken)
}

func (s *AuthService) Sessions(ctx context.Context, ownerID string) ([]SessionView, error) {
	return s.Engine.Sessions(ctx, ownerID)
}
