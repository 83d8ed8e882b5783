package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/sessionguard/internal/domain"
)

// statusFor maps a service error to an HTTP status and a stable error code.
// ErrTokenReuse is checked first because a failed mass revocation joins it
// with the store error.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTokenReuse):
		return http.StatusUnauthorized, "token_reuse"
	case errors.Is(err, domain.ErrExpiredToken):
		return http.StatusUnauthorized, "expired_token"
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func httpError(err error) *echo.HTTPError {
	status, code := statusFor(err)
	body := echo.Map{"error": code}
	if status == http.StatusBadRequest {
		body["message"] = err.Error()
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
