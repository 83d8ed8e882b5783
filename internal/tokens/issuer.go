package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/models"
)

// RecordCreator persists freshly issued refresh token records.
type RecordCreator interface {
	Create(ctx context.Context, rec *models.RefreshToken) error
}

type Options struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Issuer struct {
	store         RecordCreator
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
	newID         func() string
}

type IssuedRefreshToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

func NewIssuer(store RecordCreator, opts Options) (*Issuer, error) {
	var errs []error
	if store == nil {
		errs = append(errs, errors.New("token store is required"))
	}
	if len(opts.AccessSecret) == 0 {
		errs = append(errs, errors.New("access token secret is required"))
	}
	if len(opts.RefreshSecret) == 0 {
		errs = append(errs, errors.New("refresh token secret is required"))
	}
	if opts.AccessTTL <= 0 || opts.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("issuer: %w", errors.Join(errs...))
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		store:         store,
		accessSecret:  opts.AccessSecret,
		refreshSecret: opts.RefreshSecret,
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		now:           now,
		newID:         uuid.NewString,
	}, nil
}

func (i *Issuer) Now() time.Time { return i.now() }

func (i *Issuer) IssueAccessToken(subjectID, email string, roles []string) (string, time.Time, error) {
	now := i.now()
	claims := AccessClaims{
		Email: email,
		Roles: roles,
		Type:  TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return token, claims.ExpiresAt.Time.UTC(), nil
}

// IssueRefreshToken signs a refresh token for ownerID and stores its record.
// The stored expiry is read back from the signed exp claim so both always agree.
func (i *Issuer) IssueRefreshToken(ctx context.Context, ownerID string) (*IssuedRefreshToken, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is empty", domain.ErrValidation)
	}

	now := i.now()
	id := i.newID()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
	}).SignedString(i.refreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	var decoded RefreshClaims
	if _, _, err := jwt.NewParser().ParseUnverified(signed, &decoded); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}

	rec := &models.RefreshToken{
		ID:        id,
		OwnerID:   ownerID,
		IssuedAt:  decoded.IssuedAt.Time.UTC(),
		ExpiresAt: decoded.ExpiresAt.Time.UTC(),
	}
	if err := i.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store refresh token %s: %w", id, err)
	}

	return &IssuedRefreshToken{Token: signed, ID: id, ExpiresAt: rec.ExpiresAt}, nil
}

func (i *Issuer) ParseAccessToken(token string) (*AccessClaims, error) {
	return AccessClaimsFromToken(token, i.accessSecret, i.now)
}

func (i *Issuer) ParseRefreshToken(token string) (*RefreshClaims, error) {
	return RefreshClaimsFromToken(token, i.refreshSecret, i.now)
}
