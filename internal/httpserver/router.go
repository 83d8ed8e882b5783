package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/Skotchmaster/sessionguard/internal/middleware/auth"
	"github.com/Skotchmaster/sessionguard/internal/middleware/csrf"
	loggingmw "github.com/Skotchmaster/sessionguard/internal/middleware/logging"
	"github.com/Skotchmaster/sessionguard/internal/service"
	"github.com/Skotchmaster/sessionguard/internal/tokens"
)

type Deps struct {
	Auth   *service.AuthService
	Issuer *tokens.Issuer
	Logger *slog.Logger

	// Ready reports whether the token store is reachable.
	Ready func(ctx context.Context) error
	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	CookieSecure bool
	CSRFEnabled  bool
	// RateLimitPerSecond limits login and refresh per client IP; 0 disables.
	RateLimitPerSecond int
}

func New(d *Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID(), loggingmw.RequestLogger(d.Logger))

	Register(e, d)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	h := &AuthHTTP{Svc: d.Auth, cookies: cookieFactory{secure: d.CookieSecure}}

	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	g := e.Group("/auth")
	if d.CSRFEnabled {
		g.Use(csrf.Middleware(csrf.Config{
			Skipper:    withoutCookieCredentials,
			Secure:     d.CookieSecure,
			SkipPaths:  []string{"/auth/register", "/auth/login"},
			CookiePath: "/",
		}))
		g.GET("/csrf", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	}

	limited := []echo.MiddlewareFunc{}
	if d.RateLimitPerSecond > 0 {
		limited = append(limited, rateLimiter(d.RateLimitPerSecond))
	}

	requireLogin := auth.RequireLogin(auth.Config{
		Parser:         d.Issuer,
		CookieName:     AccessCookie,
		OnUnauthorized: h.clearCookies,
	})

	g.POST("/register", h.Register)
	g.POST("/login", h.Login, limited...)
	g.POST("/refresh", h.Refresh, limited...)
	g.POST("/revoke", h.Revoke)
	g.POST("/logout", h.Logout, requireLogin)
	g.GET("/sessions", h.Sessions, requireLogin)
}

// withoutCookieCredentials skips CSRF checks for requests that do not rely
// on auth cookies; a cross-site form cannot set an Authorization header.
func withoutCookieCredentials(c echo.Context) bool {
	if c.Request().Header.Get(echo.HeaderAuthorization) != "" {
		return true
	}
	for _, name := range []string{AccessCookie, RefreshCookie} {
		if ck, err := c.Cookie(name); err == nil && ck.Value != "" {
			return false
		}
	}
	return true
}

func rateLimiter(perSecond int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     perSecond,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, echo.Map{"error": "forbidden"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, echo.Map{"error": "rate_limited"})
		},
	})
}
