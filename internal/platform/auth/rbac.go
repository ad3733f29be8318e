package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleDoctor     = "doctor"
	RoleNurse      = "nurse"
)

// RequireRole passes requests whose caller holds at least one of roles.
// Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(held []string, wanted ...string) bool {
	for _, h := range held {
		if h == RoleAdmin {
			return true
		}
		for _, w := range wanted {
			if h == w {
				return true
			}
		}
	}
	return false
}
