package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/droverhq/drover/pkg/config"
)

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "camera=(), microphone=(), geolocation=()", rec.Header().Get("Permissions-Policy"))
}

func authTestRouter(cfg *config.ServerConfig) *echo.Echo {
	s := &Server{cfg: cfg}
	e := echo.New()
	g := e.Group("/api")
	g.Use(s.authMiddleware())
	g.GET("/operator", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, requireRole(roleOperator))
	g.GET("/approver", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, requireRole(roleApprover))
	g.GET("/either", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, requireRole(roleOperator, roleApprover))
	return e
}

func TestAuthRoles(t *testing.T) {
	cfg := &config.ServerConfig{
		OperatorTokens: []string{"op-secret"},
		ApproverTokens: []string{"appr-secret"},
	}
	e := authTestRouter(cfg)

	tests := []struct {
		name     string
		path     string
		token    string
		wantCode int
	}{
		{name: "missing token", path: "/api/operator", token: "", wantCode: http.StatusUnauthorized},
		{name: "unknown token", path: "/api/operator", token: "bogus", wantCode: http.StatusUnauthorized},
		{name: "operator token on operator route", path: "/api/operator", token: "op-secret", wantCode: http.StatusOK},
		{name: "approver token on operator route", path: "/api/operator", token: "appr-secret", wantCode: http.StatusForbidden},
		{name: "approver token on approver route", path: "/api/approver", token: "appr-secret", wantCode: http.StatusOK},
		{name: "operator token on approver route", path: "/api/approver", token: "op-secret", wantCode: http.StatusForbidden},
		{name: "operator token on shared route", path: "/api/either", token: "op-secret", wantCode: http.StatusOK},
		{name: "approver token on shared route", path: "/api/either", token: "appr-secret", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestAuthDisabledWithoutTokens(t *testing.T) {
	e := authTestRouter(&config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/operator", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(req))

	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", bearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
}

func TestTokenMatches(t *testing.T) {
	configured := []string{"one", "two"}
	assert.True(t, tokenMatches("one", configured))
	assert.True(t, tokenMatches("two", configured))
	assert.False(t, tokenMatches("three", configured))
	assert.False(t, tokenMatches("", []string{""}))
}
