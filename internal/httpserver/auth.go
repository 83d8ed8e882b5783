package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/logging"
	"github.com/Skotchmaster/sessionguard/internal/middleware/auth"
	"github.com/Skotchmaster/sessionguard/internal/service"
)

type AuthHTTP struct {
	Svc     *service.AuthService
	cookies cookieFactory
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

func (h *AuthHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "invalid_body"})
	}

	user, err := h.Svc.Register(ctx, req.Email, req.Password)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"id":    user.ID,
		"email": user.Email,
		"roles": user.Roles,
	})
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "invalid_body"})
	}

	pair, err := h.Svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return h.fail(c, err)
	}

	h.setCookies(c, pair)
	l.Info("login_successful", "jti", pair.RefreshID)
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
	})
}

// Refresh rotates the refresh token from the cookie, or from the JSON body for
// clients without a cookie jar. Body clients get the new refresh token back in
// the body as well.
func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	presented, fromBody, err := h.presentedRefreshToken(c)
	if err != nil {
		return err
	}
	if presented == "" {
		return h.fail(c, domain.ErrInvalidToken)
	}

	pair, err := h.Svc.Refresh(ctx, presented)
	if err != nil {
		if errors.Is(err, domain.ErrTokenReuse) {
			l.Warn("refresh_reuse_detected")
		}
		return h.fail(c, err)
	}

	h.setCookies(c, pair)
	resp := tokenResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
	}
	if fromBody {
		resp.RefreshToken = pair.RefreshToken
		resp.RefreshExpiresAt = &pair.RefreshExpiresAt
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHTTP) Revoke(c echo.Context) error {
	ctx := c.Request().Context()

	presented, _, err := h.presentedRefreshToken(c)
	if err != nil {
		return err
	}
	if presented == "" {
		return httpError(fmt.Errorf("%w: refresh token is required", domain.ErrValidation))
	}

	if err := h.Svc.Revoke(ctx, presented); err != nil {
		return h.fail(c, err)
	}

	h.clearCookies(c)
	return c.JSON(http.StatusOK, echo.Map{"message": "revoked"})
}

func (h *AuthHTTP) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	if err := h.Svc.Logout(ctx, auth.UserID(c)); err != nil {
		l.Error("logout_failed", "status", 500, "reason", "cannot revoke tokens", "error", err)
		return httpError(err)
	}

	h.clearCookies(c)
	l.Info("successful_logout")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHTTP) Sessions(c echo.Context) error {
	sessions, err := h.Svc.Sessions(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": sessions})
}

func (h *AuthHTTP) presentedRefreshToken(c echo.Context) (token string, fromBody bool, err error) {
	if ck, cerr := c.Cookie(RefreshCookie); cerr == nil && ck.Value != "" {
		return ck.Value, false, nil
	}
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return "", false, echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "invalid_body"})
	}
	return req.RefreshToken, req.RefreshToken != "", nil
}

// fail maps err and clears the auth cookies on authentication failures.
func (h *AuthHTTP) fail(c echo.Context, err error) error {
	he := httpError(err)
	if he.Code == http.StatusUnauthorized {
		h.clearCookies(c)
	}
	return he
}

func (h *AuthHTTP) setCookies(c echo.Context, pair *service.TokenPair) {
	c.SetCookie(h.cookies.create(AccessCookie, pair.AccessToken, accessCookiePath, pair.AccessExpiresAt))
	c.SetCookie(h.cookies.create(RefreshCookie, pair.RefreshToken, refreshCookiePath, pair.RefreshExpiresAt))
}

func (h *AuthHTTP) clearCookies(c echo.Context) {
	c.SetCookie(h.cookies.delete(AccessCookie, accessCookiePath))
	c.SetCookie(h.cookies.delete(RefreshCookie, refreshCookiePath))
}
