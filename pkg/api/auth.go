package api

import (
	"net"

	echo "github.com/labstack/echo/v5"
)

// extractActor extracts the acting user from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func extractActor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}

// actorFromContext returns the actor resolved by the auth middleware.
func actorFromContext(c *echo.Context) string {
	if info, ok := c.Request().Context().Value(authCtxKey{}).(authInfo); ok && info.actor != "" {
		return info.actor
	}
	return "api-client"
}

// clientIP resolves the requester address for audit records.
func clientIP(c *echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
