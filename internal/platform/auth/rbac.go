package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin      = "admin"
	RolePhysician  = "physician"
	RoleNurse      = "nurse"
	RolePharmacist = "pharmacist"
)

// ClinicalReadRoles may read allergy lists; ClinicalWriteRoles may reconcile them.
var (
	ClinicalReadRoles  = []string{RolePhysician, RoleNurse, RolePharmacist}
	ClinicalWriteRoles = []string{RolePhysician, RoleNurse}
)

// RequireRole passes when the principal holds any of roles. Admin always passes.
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

func HasAnyRole(userRoles []string, roles ...string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// RequireScope checks for a SMART on FHIR scope such as "AllergyIntolerance.read".
func RequireScope(resource, operation string) echo.MiddlewareFunc {
	required := resource + "." + operation
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope supports "user/*.*", "patient/*.read" and context-prefixed
// resource grants like "user/AllergyIntolerance.read".
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	gRes, gOp, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rRes, rOp, ok := strings.Cut(required, ".")
	if !ok {
		return false
	}

	if _, res, found := strings.Cut(gRes, "/"); found && res != "*" {
		gRes = res
	}
	resMatch := gRes == rRes || gRes == "user/*" || gRes == "patient/*"
	opMatch := gOp == rOp || gOp == "*"
	return resMatch && opMatch
}
