package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/tokens"
)

type AccessParser interface {
	ParseAccessToken(token string) (*tokens.AccessClaims, error)
}

type Config struct {
	Parser AccessParser
	// CookieName is checked when no Authorization header is sent.
	CookieName string
	// OnUnauthorized runs before a 401 is returned, e.g. to clear cookies.
	OnUnauthorized func(c echo.Context)
}

// RequireLogin accepts an access token from "Authorization: Bearer" or from
// the access cookie and stores the subject in the echo context.
func RequireLogin(cfg Config) echo.MiddlewareFunc {
	if cfg.CookieName == "" {
		cfg.CookieName = "accessToken"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := accessToken(c, cfg.CookieName)
			if raw == "" {
				return unauthorized(c, cfg, "invalid_token")
			}

			claims, err := cfg.Parser.ParseAccessToken(raw)
			if err != nil {
				code := "invalid_token"
				if errors.Is(err, domain.ErrExpiredToken) {
					code = "expired_token"
				}
				return unauthorized(c, cfg, code)
			}

			setUserContext(c, claims)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, cfg Config, code string) error {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c)
	}
	return echo.NewHTTPError(http.StatusUnauthorized, echo.Map{"error": code})
}

func accessToken(c echo.Context, cookieName string) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if ck, err := c.Cookie(cookieName); err == nil {
		return ck.Value
	}
	return ""
}
