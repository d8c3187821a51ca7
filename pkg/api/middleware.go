package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

type role string

const (
	roleOperator role = "operator"
	roleApprover role = "approver"
)

type authCtxKey struct{}

type authInfo struct {
	roles map[role]bool
	actor string
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// authMiddleware resolves the bearer token to a role set and stashes it in
// the request context. With no tokens configured at all, auth is disabled
// and every request carries both roles (local development).
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			info := authInfo{roles: map[role]bool{}, actor: extractActor(c)}

			if len(s.cfg.OperatorTokens) == 0 && len(s.cfg.ApproverTokens) == 0 {
				info.roles[roleOperator] = true
				info.roles[roleApprover] = true
			} else {
				token := bearerToken(c.Request())
				if token == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
				}
				if tokenMatches(token, s.cfg.OperatorTokens) {
					info.roles[roleOperator] = true
				}
				if tokenMatches(token, s.cfg.ApproverTokens) {
					info.roles[roleApprover] = true
				}
				if len(info.roles) == 0 {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
				}
			}

			ctx := context.WithValue(c.Request().Context(), authCtxKey{}, info)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// requireRole gates a route on any of the listed roles.
func requireRole(roles ...role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			info, ok := c.Request().Context().Value(authCtxKey{}).(authInfo)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			for _, r := range roles {
				if info.roles[r] {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// tokenMatches compares against each configured token in constant time.
// Both sides are hashed first so length never leaks.
func tokenMatches(token string, configured []string) bool {
	got := sha256.Sum256([]byte(token))
	matched := false
	for _, want := range configured {
		if want == "" {
			continue
		}
		expect := sha256.Sum256([]byte(want))
		if subtle.ConstantTimeCompare(got[:], expect[:]) == 1 {
			matched = true
		}
	}
	return matched
}
