// Package middleware provides Echo middleware for CORS, logging and metrics.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Preflight answer. Players only ever read, so the method list is fixed.
const (
	allowOrigin     = "*"
	allowMethods    = "GET, OPTIONS, HEAD"
	allowHeaders    = "Content-Type, Range, User-Agent"
	exposeHeaders   = "Content-Length, Content-Range"
	preflightMaxAge = "86400"
)

// CORS returns an Echo middleware that answers every OPTIONS request as a
// CORS preflight without calling next, and stamps the wildcard
// Access-Control-Allow-Origin on every other response, including errors.
// Register it with e.Pre so it runs before routing.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, allowOrigin)

			if c.Request().Method != http.MethodOptions {
				return next(c)
			}

			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, allowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, exposeHeaders)
			h.Set(echo.HeaderAccessControlMaxAge, preflightMaxAge)
			return c.NoContent(http.StatusOK)
		}
	}
}
