package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/logging"
	"github.com/Skotchmaster/sessionguard/internal/metrics"
	"github.com/Skotchmaster/sessionguard/internal/models"
	"github.com/Skotchmaster/sessionguard/internal/repo"
	"github.com/Skotchmaster/sessionguard/internal/tokens"
)

// SubjectDirectory resolves an owner id to the identity embedded in access
// tokens.
type SubjectDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event any) error
}

const (
	EventLogin        = "login"
	EventTokenRotated = "token_rotated"
	EventTokenReuse   = "token_reuse_detected"
	EventTokenRevoked = "token_revoked"
	EventLogout       = "logout"
	EventLinkFailed   = "token_link_failed"
)

type SecurityEvent struct {
	Type    string    `json:"type"`
	OwnerID string    `json:"owner_id"`
	TokenID string    `json:"token_id,omitempty"`
	Revoked int64     `json:"revoked,omitempty"`
	At      time.Time `json:"at"`
}

type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshID        string
	RefreshExpiresAt time.Time
}

type SessionView struct {
	ID           string            `json:"id"`
	IssuedAt     time.Time         `json:"issued_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	RevokedAt    *time.Time        `json:"revoked_at,omitempty"`
	ReplacedByID *string           `json:"replaced_by_id,omitempty"`
	State        domain.TokenState `json:"state"`
}

// Engine runs the refresh token lifecycle. It holds no locks: the store's
// conditional revoke decides which of two concurrent rotations wins.
type Engine struct {
	Issuer   *tokens.Issuer
	Store    repo.TokenStore
	Subjects SubjectDirectory

	// Events is optional. Publish failures are logged and never returned.
	Events      EventPublisher
	EventsTopic string
	Metrics     *metrics.Metrics
}

// StartSession issues a fresh access/refresh pair for an authenticated
// subject.
func (e *Engine) StartSession(ctx context.Context, subject *models.User) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "engine.start_session", "owner_id", subject.ID)

	refresh, err := e.Issuer.IssueRefreshToken(ctx, subject.ID)
	if err != nil {
		l.Error("issue_refresh_failed", "error", err)
		return nil, err
	}
	pair, err := e.withAccessToken(subject, refresh)
	if err != nil {
		l.Error("issue_access_failed", "error", err)
		return nil, err
	}

	e.Metrics.RecordIssued(ctx, "login")
	e.publish(ctx, l, SecurityEvent{Type: EventLogin, OwnerID: subject.ID, TokenID: refresh.ID})
	return pair, nil
}

// Rotate exchanges a valid refresh token for a new pair. Presenting a token
// that was already revoked revokes every token of its owner.
func (e *Engine) Rotate(ctx context.Context, presented string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "engine.rotate")

	claims, err := e.Issuer.ParseRefreshToken(presented)
	if err != nil {
		l.Warn("rotate_rejected", "reason", "verification failed", "error", err)
		return nil, err
	}
	l = l.With("jti", claims.ID, "owner_id", claims.Subject)

	rec, err := e.Store.FindByID(ctx, claims.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		l.Warn("rotate_rejected", "reason", "unknown token")
		return nil, fmt.Errorf("%w: unknown refresh token", domain.ErrInvalidToken)
	case err != nil:
		l.Error("rotate_failed", "error", err)
		return nil, err
	}

	if rec.OwnerID != claims.Subject {
		l.Warn("rotate_rejected", "reason", "owner mismatch", "record_owner_id", rec.OwnerID)
		return nil, fmt.Errorf("%w: owner mismatch", domain.ErrInvalidToken)
	}
	if rec.RevokedAt != nil {
		return nil, e.reuseDetected(ctx, l, rec)
	}
	if !e.Issuer.Now().Before(rec.ExpiresAt) {
		l.Info("rotate_rejected", "reason", "expired")
		return nil, fmt.Errorf("%w: refresh token %s", domain.ErrExpiredToken, rec.ID)
	}

	won, err := e.Store.Revoke(ctx, rec.ID, "")
	if err != nil {
		l.Error("rotate_failed", "step", "revoke", "error", err)
		return nil, err
	}
	if !won {
		// A concurrent rotation got there first.
		return nil, e.reuseDetected(ctx, l, rec)
	}

	// From here a failure leaves the old record revoked without a successor;
	// the owner has to log in again.
	refresh, err := e.Issuer.IssueRefreshToken(ctx, rec.OwnerID)
	if err != nil {
		l.Error("rotate_failed", "step", "issue", "error", err)
		return nil, err
	}
	if err := e.Store.SetReplacedBy(ctx, rec.ID, refresh.ID); err != nil {
		l.Error("link_successor_failed", "new_jti", refresh.ID, "error", err)
		e.Metrics.RecordLinkFailed(ctx)
		e.publish(ctx, l, SecurityEvent{Type: EventLinkFailed, OwnerID: rec.OwnerID, TokenID: rec.ID})
	}

	subject, err := e.Subjects.FindByID(ctx, rec.OwnerID)
	if errors.Is(err, domain.ErrNotFound) {
		l.Warn("rotate_rejected", "reason", "subject no longer exists")
		if _, rerr := e.Store.RevokeAllForOwner(ctx, rec.OwnerID); rerr != nil {
			l.Error("revoke_all_failed", "error", rerr)
		}
		return nil, fmt.Errorf("%w: subject %s not found", domain.ErrInvalidToken, rec.OwnerID)
	}
	if err != nil {
		l.Error("rotate_failed", "step", "subject", "error", err)
		e.abandon(ctx, l, refresh.ID)
		return nil, err
	}

	pair, err := e.withAccessToken(subject, refresh)
	if err != nil {
		l.Error("rotate_failed", "step", "access", "error", err)
		e.abandon(ctx, l, refresh.ID)
		return nil, err
	}

	e.Metrics.RecordIssued(ctx, "rotation")
	e.Metrics.RecordRotated(ctx)
	l.Info("token_rotated", "new_jti", refresh.ID)
	e.publish(ctx, l, SecurityEvent{Type: EventTokenRotated, OwnerID: rec.OwnerID, TokenID: refresh.ID})
	return pair, nil
}

// Logout revokes every token of ownerID. Calling it again is a no-op.
func (e *Engine) Logout(ctx context.Context, ownerID string) error {
	l := logging.FromContext(ctx).With("svc", "engine.logout", "owner_id", ownerID)

	n, err := e.Store.RevokeAllForOwner(ctx, ownerID)
	if err != nil {
		l.Error("logout_failed", "error", err)
		return err
	}
	e.Metrics.RecordRevoked(ctx, "logout", n)
	l.Info("logout", "revoked", n)
	e.publish(ctx, l, SecurityEvent{Type: EventLogout, OwnerID: ownerID, Revoked: n})
	return nil
}

// RevokeToken revokes the presented refresh token only, leaving the owner's
// other sessions alone. Expired or already revoked tokens are a no-op.
func (e *Engine) RevokeToken(ctx context.Context, presented string) error {
	l := logging.FromContext(ctx).With("svc", "engine.revoke")

	claims, err := e.Issuer.ParseRefreshToken(presented)
	if errors.Is(err, domain.ErrExpiredToken) {
		return nil
	}
	if err != nil {
		l.Warn("revoke_rejected", "reason", "verification failed", "error", err)
		return err
	}
	l = l.With("jti", claims.ID, "owner_id", claims.Subject)

	rec, err := e.Store.FindByID(ctx, claims.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%w: unknown refresh token", domain.ErrInvalidToken)
	case err != nil:
		l.Error("revoke_failed", "error", err)
		return err
	}
	if rec.OwnerID != claims.Subject {
		return fmt.Errorf("%w: owner mismatch", domain.ErrInvalidToken)
	}

	won, err := e.Store.Revoke(ctx, rec.ID, "")
	if err != nil {
		l.Error("revoke_failed", "error", err)
		return err
	}
	if won {
		e.Metrics.RecordRevoked(ctx, "single", 1)
		l.Info("token_revoked")
		e.publish(ctx, l, SecurityEvent{Type: EventTokenRevoked, OwnerID: rec.OwnerID, TokenID: rec.ID, Revoked: 1})
	}
	return nil
}

func (e *Engine) Sessions(ctx context.Context, ownerID string) ([]SessionView, error) {
	recs, err := e.Store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := e.Issuer.Now()
	out := make([]SessionView, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		out = append(out, SessionView{
			ID:           rec.ID,
			IssuedAt:     rec.IssuedAt,
			ExpiresAt:    rec.ExpiresAt,
			RevokedAt:    rec.RevokedAt,
			ReplacedByID: rec.ReplacedByID,
			State:        domain.StateOf(rec, now),
		})
	}
	return out, nil
}

// PurgeExpired drops records that expired more than retention ago.
func (e *Engine) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return e.Store.PurgeExpired(ctx, e.Issuer.Now().Add(-retention))
}

func (e *Engine) reuseDetected(ctx context.Context, l *slog.Logger, rec *models.RefreshToken) error {
	l.Warn("token_reuse_detected", "revoked_at", rec.RevokedAt)
	e.Metrics.RecordReuse(ctx)

	n, err := e.Store.RevokeAllForOwner(ctx, rec.OwnerID)
	if err != nil {
		l.Error("revoke_all_failed", "error", err)
		return errors.Join(domain.ErrTokenReuse, fmt.Errorf("revoke owner tokens: %w", err))
	}
	e.Metrics.RecordRevoked(ctx, "reuse", n)
	e.publish(ctx, l, SecurityEvent{Type: EventTokenReuse, OwnerID: rec.OwnerID, TokenID: rec.ID, Revoked: n})
	return domain.ErrTokenReuse
}

// abandon revokes a successor that was issued but never handed to a client.
func (e *Engine) abandon(ctx context.Context, l *slog.Logger, id string) {
	if _, err := e.Store.Revoke(ctx, id, ""); err != nil {
		l.Error("abandon_successor_failed", "new_jti", id, "error", err)
	}
}

func (e *Engine) withAccessToken(subject *models.User, refresh *tokens.IssuedRefreshToken) (*TokenPair, error) {
	access, accessExp, err := e.Issuer.IssueAccessToken(subject.ID, subject.Email, subject.Roles)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh.Token,
		RefreshID:        refresh.ID,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (e *Engine) publish(ctx context.Context, l *slog.Logger, ev SecurityEvent) {
	if e.Events == nil {
		return
	}
	ev.At = e.Issuer.Now().UTC()
	if err := e.Events.PublishEvent(ctx, e.EventsTopic, ev.OwnerID, ev); err != nil {
		l.Warn("publish_event_failed", "event", ev.Type, "error", err)
	}
}
