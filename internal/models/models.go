package models

import (
	"time"
)

type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)"           json:"id"`
	Email        string    `gorm:"uniqueIndex;not null"                  json:"email"`
	PasswordHash string    `gorm:"not null"                              json:"-"`
	Roles        []string  `gorm:"serializer:json;type:text;not null"    json:"roles"`
	CreatedAt    time.Time `gorm:"not null"                              json:"created_at"`
}

// RefreshToken is one issued refresh token. Only RevokedAt and ReplacedByID
// are ever updated after insert.
type RefreshToken struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)"  json:"id"`
	OwnerID      string     `gorm:"index;not null"               json:"owner_id"`
	IssuedAt     time.Time  `gorm:"not null"                     json:"issued_at"`
	ExpiresAt    time.Time  `gorm:"index;not null"               json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	ReplacedByID *string    `gorm:"type:varchar(36)"             json:"replaced_by_id,omitempty"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }
