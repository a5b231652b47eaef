package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"escrowflow/auth"
)

const (
	ctxUserID   = "user_id"
	ctxUserRole = "user_role"
)

// TokenValidator checks bearer tokens; satisfied by *auth.Service.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// requireAuth extracts and validates the bearer token, stashing the caller's
// identity on the request context.
func requireAuth(v TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims, err := v.ValidateToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(ctxUserID, claims.UserID)
			c.Set(ctxUserRole, claims.Role)
			return next(c)
		}
	}
}

func actorID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func actorRole(c echo.Context) auth.Role {
	role, _ := c.Get(ctxUserRole).(auth.Role)
	return role
}
