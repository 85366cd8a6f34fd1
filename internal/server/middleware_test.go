package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/ctxutil"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareByIP(t *testing.T) {
	// rate=1 token/sec with burst=2 admits two rapid requests per IP.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil, testLogger())(okHandler())

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)
		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "separate bucket per IP")
}

func TestAccountKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/intake", nil)
	assert.Empty(t, accountKeyFunc(req))

	withClaims := func(c *auth.Claims) *http.Request {
		return req.WithContext(ctxutil.WithClaims(req.Context(), c))
	}
	assert.Equal(t, "portal-web", accountKeyFunc(withClaims(&auth.Claims{Name: "portal-web", Role: model.RolePortal})))
	assert.Empty(t, accountKeyFunc(withClaims(&auth.Claims{Name: "root", Role: model.RoleAdmin})))
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	var seen *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, inner)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public health", "/health", "", http.StatusOK},
		{"missing header", "/v1/intake", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/intake", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/v1/intake", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	token, _, err := jwtMgr.IssueToken(model.ServiceAccount{ID: uuid.New(), Name: "ops-console", Role: model.RoleOps})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/ops/alerts", nil)
	req.Header.Set("Authorization", "bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "scheme is case-insensitive")
	require.NotNil(t, seen)
	assert.Equal(t, "ops-console", seen.Name)
}

func TestRoleGates(t *testing.T) {
	tests := []struct {
		name string
		gate func(http.Handler) http.Handler
		role model.AccountRole
		want int
	}{
		{"exact match admits", requireRole(model.RoleAdmin, model.RoleOps), model.RoleOps, http.StatusOK},
		{"exact match rejects higher rank", requireRole(model.RolePortal, model.RoleAgent), model.RoleOps, http.StatusForbidden},
		{"at least admits higher", requireAtLeast(model.RoleAgent), model.RoleAdmin, http.StatusOK},
		{"at least rejects lower", requireAtLeast(model.RoleOps), model.RoleAgent, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Name: "x", Role: tt.role}))
			tt.gate(okHandler()).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	requireAtLeast(model.RolePortal)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no claims")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestLoggingMiddlewareSeesClaims(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := jwtMgr.IssueToken(model.ServiceAccount{ID: uuid.New(), Name: "portal-web", Role: model.RolePortal})
	require.NoError(t, err)

	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := loggingMiddleware(logger, authMiddleware(jwtMgr, okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1/kb/review-queue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, buf.String(), `"account":"portal-web"`)
	assert.Contains(t, buf.String(), `"role":"portal"`)
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	decodeBody := func(body string, limit int64) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return rec, decodeJSON(rec, req, &target, limit)
	}

	_, err := decodeBody(`{"name":"a"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, "a", target.Name)

	_, err = decodeBody("", 1024)
	assert.ErrorIs(t, err, errEmptyBody)

	_, err = decodeBody(`{"name":"a","extra":1}`, 1024)
	assert.Error(t, err)

	rec, err := decodeBody(`{"name":"`+strings.Repeat("x", 100)+`"}`, 16)
	require.Error(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader("")))
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
