package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// PublicPrefix marks routes that never require credentials.
const PublicPrefix = "/api/v1/public/"

// publicPaths are infrastructure endpoints reachable without credentials.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/health/redis": true,
	"/metrics":      true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	if p := c.Path(); p != "" {
		return IsPublicPath(p)
	}
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, PublicPrefix)
}
