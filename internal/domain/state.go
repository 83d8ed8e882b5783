package domain

import (
	"time"

	"github.com/Skotchmaster/sessionguard/internal/models"
)

type TokenState string

const (
	StateActive  TokenState = "active"
	StateRotated TokenState = "rotated"
	StateRevoked TokenState = "revoked"
	StateExpired TokenState = "expired"
)

// StateOf derives the lifecycle state of a record at now. Expiry is never
// stored; a revoked record reports its revocation even after it expires.
func StateOf(rt *models.RefreshToken, now time.Time) TokenState {
	switch {
	case rt.RevokedAt != nil && rt.ReplacedByID != nil:
		return StateRotated
	case rt.RevokedAt != nil:
		return StateRevoked
	case !now.Before(rt.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}
