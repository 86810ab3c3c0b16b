package auth

import (
	"slices"

	"github.com/labstack/echo/v4"
)

// operationalRoutes are served without a principal. They are registered on
// the root router, outside the tenant-scoped groups.
var operationalRoutes = []string{
	"/health",
	"/health/db",
	"/metrics",
	"/fhir/metadata",
}

// AuthSkipper compares the matched route template rather than the request
// URI, so an unmatched or traversing URI is never treated as operational.
func AuthSkipper(c echo.Context) bool {
	return slices.Contains(operationalRoutes, c.Path())
}
