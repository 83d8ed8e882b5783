package domain

import "errors"

// Authentication failures. The HTTP layer maps all of them to 401.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var (
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)
