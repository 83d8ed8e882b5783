package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/Skotchmaster/sessionguard/internal/models"
)

// TokenStore persists refresh token records. Revoke is the only operation
// rotation correctness depends on: it must be an atomic test-and-set on
// revoked_at.
type TokenStore interface {
	Create(ctx context.Context, rec *models.RefreshToken) error
	FindByID(ctx context.Context, id string) (*models.RefreshToken, error)
	// Revoke sets revoked_at (and replaced_by_id when non-empty) only if the
	// record is not yet revoked. It reports whether this call did it.
	Revoke(ctx context.Context, id, replacedByID string) (bool, error)
	SetReplacedBy(ctx context.Context, id, replacedByID string) error
	RevokeAllForOwner(ctx context.Context, ownerID string) (int64, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func utcNow(now func() time.Time) func() time.Time {
	if now == nil {
		now = time.Now
	}
	return func() time.Time { return now().UTC() }
}
