// Package middleware guards echo handlers of services that sit in front of
// sessionguard and keep the user's tokens in their own cookies.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/sessionguard/internal/tokens"
	"github.com/Skotchmaster/sessionguard/pkg/authclient"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"

	CtxUserID = "user_id"
	CtxRoles  = "roles"
)

// Refresher rotates a refresh token. *authclient.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authclient.Tokens, error)
}

type AutoRefreshMiddleware struct {
	AccessSecret []byte
	AuthClient   Refresher
	// RefreshPath scopes the refresh cookie. Defaults to "/".
	RefreshPath  string
	CookieSecure bool
	Now          func() time.Time
}

func NewAutoRefreshMiddleware(secret []byte, authClient Refresher) *AutoRefreshMiddleware {
	return &AutoRefreshMiddleware{
		AccessSecret: secret,
		AuthClient:   authClient,
		RefreshPath:  "/",
		CookieSecure: true,
	}
}

type ValidatorFunc func(claims *tokens.AccessClaims) error

func (m *AutoRefreshMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return m.requireAuthWithValidator(next, nil)
}

func (m *AutoRefreshMiddleware) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return m.requireAuthWithValidator(next, func(claims *tokens.AccessClaims) error {
			if !slices.Contains(claims.Roles, role) {
				return echo.NewHTTPError(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return nil
		})
	}
}

func (m *AutoRefreshMiddleware) requireAuthWithValidator(next echo.HandlerFunc, validator ValidatorFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accessCookie, err := c.Cookie(AccessCookie)
		if err != nil || accessCookie.Value == "" {
			return unauthorized("invalid_token")
		}

		claims, err := tokens.AccessClaimsFromToken(accessCookie.Value, m.AccessSecret, m.now)
		if err == nil {
			if validator != nil {
				if vErr := validator(claims); vErr != nil {
					return vErr
				}
			}
			setUserContext(c, claims)
			return next(c)
		}

		if !errors.Is(err, authclient.ErrExpiredToken) {
			m.clearAuthCookies(c)
			return unauthorized("invalid_token")
		}

		refreshCookie, rErr := c.Cookie(RefreshCookie)
		if rErr != nil || refreshCookie.Value == "" {
			m.clearAuthCookies(c)
			return unauthorized("expired_token")
		}

		fresh, refErr := m.AuthClient.Refresh(c.Request().Context(), refreshCookie.Value)
		if refErr != nil {
			m.clearAuthCookies(c)
			if errors.Is(refErr, authclient.ErrTokenReuse) {
				slog.WarnContext(c.Request().Context(), "refresh_token_reuse_reported", "path", c.Path())
				return unauthorized("token_reuse")
			}
			return unauthorized("invalid_token")
		}

		m.setAuthCookies(c, fresh)

		newClaims, pErr := tokens.AccessClaimsFromToken(fresh.AccessToken, m.AccessSecret, m.now)
		if pErr != nil {
			m.clearAuthCookies(c)
			return unauthorized("invalid_token")
		}
		if validator != nil {
			if vErr := validator(newClaims); vErr != nil {
				return vErr
			}
		}

		setUserContext(c, newClaims)
		return next(c)
	}
}

func (m *AutoRefreshMiddleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *AutoRefreshMiddleware) refreshPath() string {
	if m.RefreshPath == "" {
		return "/"
	}
	return m.RefreshPath
}

func (m *AutoRefreshMiddleware) setAuthCookies(c echo.Context, t *authclient.Tokens) {
	c.SetCookie(m.cookie(AccessCookie, t.AccessToken, "/", t.AccessExpiresAt))
	c.SetCookie(m.cookie(RefreshCookie, t.RefreshToken, m.refreshPath(), t.RefreshExpiresAt))
}

func (m *AutoRefreshMiddleware) clearAuthCookies(c echo.Context) {
	c.SetCookie(m.cookie(AccessCookie, "", "/", time.Unix(0, 0)))
	c.SetCookie(m.cookie(RefreshCookie, "", m.refreshPath(), time.Unix(0, 0)))
}

func (m *AutoRefreshMiddleware) cookie(name, value, path string, expires time.Time) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
	if value == "" {
		ck.MaxAge = -1
	}
	return ck
}

func unauthorized(code string) error {
	return echo.NewHTTPError(http.StatusUnauthorized, echo.Map{"error": code})
}

func setUserContext(c echo.Context, claims *tokens.AccessClaims) {
	c.Set(CtxUserID, claims.Subject)
	c.Set(CtxRoles, claims.Roles)
}
