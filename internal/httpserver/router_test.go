package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot/internal/handler"
	"mailpilot/pkg/trace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authEngine() *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware("secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.MustGet(handler.UserIDKey)})
	})
	return r
}

func get(r http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := authEngine()
	valid := signToken(t, "secret", jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 7,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	w := get(r, "/me", map[string]string{"Authorization": "Bearer " + valid})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7}`, w.Body.String())

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic " + valid,
		"wrong secret": "Bearer " + signToken(t, "other", jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 7}),
		"expired": "Bearer " + signToken(t, "secret", jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": 7,
			"exp":     time.Now().Add(-time.Minute).Unix(),
		}),
		"no user":   "Bearer " + signToken(t, "secret", jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}),
		"wrong alg": "Bearer " + signToken(t, "secret", jwt.SigningMethodHS512, jwt.MapClaims{"user_id": 7}),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			w := get(r, "/me", map[string]string{"Authorization": header})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestTraceMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(TraceMiddleware())
	r.GET("/t", func(c *gin.Context) {
		c.String(http.StatusOK, trace.FromContext(c.Request.Context()))
	})

	w := get(r, "/t", map[string]string{trace.HeaderName(): "abc123"})
	assert.Equal(t, "abc123", w.Body.String())
	assert.Equal(t, "abc123", w.Header().Get(trace.HeaderName()))

	w = get(r, "/t", nil)
	assert.NotEmpty(t, w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get(trace.HeaderName()))
}

func TestRouter_HealthAndReadiness(t *testing.T) {
	healthy := NewRouter(Handlers{}, "secret", Probe{Name: "db", Check: func(context.Context) error { return nil }})
	assert.Equal(t, http.StatusOK, get(healthy.Engine, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(healthy.Engine, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, get(healthy.Engine, "/metrics", nil).Code)

	down := NewRouter(Handlers{}, "secret", Probe{Name: "mq", Check: func(context.Context) error { return errors.New("closed") }})
	w := get(down.Engine, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "mq_not_ready")

	// 受保护路由需要 token
	assert.Equal(t, http.StatusUnauthorized, get(healthy.Engine, "/api/triage/counts", nil).Code)
}
