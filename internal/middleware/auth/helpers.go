package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/sessionguard/internal/tokens"
)

const (
	userIDKey = "user_id"
	emailKey  = "email"
	rolesKey  = "roles"
)

func setUserContext(c echo.Context, claims *tokens.AccessClaims) {
	c.Set(userIDKey, claims.Subject)
	c.Set(emailKey, claims.Email)
	c.Set(rolesKey, claims.Roles)
}

func UserID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func Roles(c echo.Context) []string {
	roles, _ := c.Get(rolesKey).([]string)
	return roles
}
