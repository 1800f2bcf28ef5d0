package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"storylab-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authRouter(manager *jwt.JWTManager) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(), Recovery(), AuthMiddleware(manager))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet(ContextUserID).(uuid.UUID).String())
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("0123456789abcdef0123456789abcdef", "storylab-api", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "ada", "user")
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "bearer header", target: "/me", header: "Bearer " + token, status: http.StatusOK},
		{name: "query token", target: "/me?access_token=" + token, status: http.StatusOK},
		{name: "missing", target: "/me", status: http.StatusUnauthorized},
		{name: "wrong scheme", target: "/me", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "garbage", target: "/me", header: "Bearer nope", status: http.StatusUnauthorized},
	}

	router := authRouter(manager)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
			if tt.status == http.StatusOK {
				assert.Equal(t, userID.String(), w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_RejectsOtherAudience(t *testing.T) {
	issuer := jwt.NewJWTManager("0123456789abcdef0123456789abcdef", "another-api", time.Minute)
	token, err := issuer.GenerateAccessToken(uuid.New(), "ada", "user")
	require.NoError(t, err)

	router := authRouter(jwt.NewJWTManager("0123456789abcdef0123456789abcdef", "storylab-api", time.Minute))
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_ErrorCodes(t *testing.T) {
	manager := jwt.NewJWTManager("0123456789abcdef0123456789abcdef", "storylab-api", time.Nanosecond)
	expired, err := manager.GenerateAccessToken(uuid.New(), "ada", "user")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", code: "UNAUTHORIZED"},
		{name: "expired", header: "Bearer " + expired, code: "EXPIRED_TOKEN"},
		{name: "garbage", header: "Bearer nope", code: "INVALID_TOKEN"},
	}

	router := authRouter(manager)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}

func TestRecovery(t *testing.T) {
	manager := jwt.NewJWTManager("0123456789abcdef0123456789abcdef", "storylab-api", time.Minute)
	token, err := manager.GenerateAccessToken(uuid.New(), "ada", "user")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	authRouter(manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"http://localhost:3000"}))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		method string
		origin string
		status int
	}{
		{name: "allowed origin", method: http.MethodGet, origin: "http://localhost:3000", status: http.StatusOK},
		{name: "no origin", method: http.MethodGet, status: http.StatusOK},
		{name: "other origin", method: http.MethodGet, origin: "http://evil.example", status: http.StatusForbidden},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:3000", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/ok", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	r := gin.New()
	r.Use(HealthCheck("call-service"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "call-service")
}

type failingStore struct {
	limiter.Store
}

func (failingStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("redis down")
}

func (failingStore) Increment(context.Context, string, int64, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("redis down")
}

func TestRateLimiter(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-User") == "bob" {
			c.Set(ContextUserID, bob)
		} else {
			c.Set(ContextUserID, alice)
		}
		c.Next()
	})
	r.Use(NewRateLimiter(memory.NewStore(), "calls", 2, time.Minute).Middleware())
	r.POST("/calls", func(c *gin.Context) { c.Status(http.StatusCreated) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/calls", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, do("alice").Code)
	w := do("alice")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusTooManyRequests, do("alice").Code)
	assert.Equal(t, http.StatusCreated, do("bob").Code)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	r := gin.New()
	r.Use(NewRateLimiter(failingStore{}, "calls", 1, time.Minute).Middleware())
	r.POST("/calls", func(c *gin.Context) { c.Status(http.StatusCreated) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/calls", nil))
		assert.Equal(t, http.StatusCreated, w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Permissions-Policy"), "camera=(self)")
}
