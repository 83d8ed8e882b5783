package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/sessionguard/internal/db"
	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/models"
)

type GormTokenStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormTokenStore(db *gorm.DB, now func() time.Time) *GormTokenStore {
	return &GormTokenStore{db: db, now: utcNow(now)}
}

func (s *GormTokenStore) Create(ctx context.Context, rec *models.RefreshToken) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh token %s: %w", rec.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (s *GormTokenStore) FindByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

func (s *GormTokenStore) Revoke(ctx context.Context, id, replacedByID string) (bool, error) {
	updates := map[string]any{"revoked_at": s.now()}
	if replacedByID != "" {
		updates["replaced_by_id"] = replacedByID
	}

	res := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormTokenStore) SetReplacedBy(ctx context.Context, id, replacedByID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("id = ? AND revoked_at IS NOT NULL AND replaced_by_id IS NULL", id).
		Update("replaced_by_id", replacedByID)
	if res.Error != nil {
		return fmt.Errorf("link refresh token: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("refresh token %s already linked or still active: %w", id, domain.ErrConflict)
}

func (s *GormTokenStore) RevokeAllForOwner(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("owner_id = ? AND revoked_at IS NULL", ownerID).
		Update("revoked_at", s.now())
	if res.Error != nil {
		return 0, fmt.Errorf("revoke owner tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error) {
	var out []models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("issued_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return out, nil
}

func (s *GormTokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", before.UTC()).
		Delete(&models.RefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormTokenStore) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.db)
}
