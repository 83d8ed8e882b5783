package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Skotchmaster/sessionguard/internal/domain"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

type AccessClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	Type  string   `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

func parse(tokenStr string, claims jwt.Claims, secret []byte, now func() time.Time) error {
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err == nil {
		return nil
	}
	// Signature is checked before claims, so an expired token here is an
	// authentic one.
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", domain.ErrExpiredToken, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
}

func AccessClaimsFromToken(tokenStr string, secret []byte, now func() time.Time) (*AccessClaims, error) {
	var claims AccessClaims
	if err := parse(tokenStr, &claims, secret, now); err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not an access token", domain.ErrInvalidToken)
	}
	return &claims, nil
}

func RefreshClaimsFromToken(tokenStr string, secret []byte, now func() time.Time) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := parse(tokenStr, &claims, secret, now); err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh || claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: not a refresh token", domain.ErrInvalidToken)
	}
	return &claims, nil
}
