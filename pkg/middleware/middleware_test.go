package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, operatorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"operator_id": operatorID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newControlRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Auth before the limiter so requests are keyed per operator.
	grp := router.Group("/api/v1/mirroring")
	grp.Use(JWTAuth(testSecret), RateLimit())
	grp.POST("/stop", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func doStop(router *gin.Engine, token string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mirroring/stop", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitKeysByOperator(t *testing.T) {
	router := newControlRouter()
	tokenA := signToken(t, "operator-a")
	tokenB := signToken(t, "operator-b")

	// Same client IP, distinct operators: each gets its own limiter, so the
	// second operator's first request passes while the first operator's
	// immediate repeat exhausts its burst.
	assert.Equal(t, http.StatusOK, doStop(router, tokenA))
	assert.Equal(t, http.StatusOK, doStop(router, tokenB))
	assert.Equal(t, http.StatusBadRequest, doStop(router, tokenA))
}

func TestJWTAuthRejections(t *testing.T) {
	router := newControlRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mirroring/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/mirroring/stop", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRequiresOperatorClaim(t *testing.T) {
	router := newControlRouter()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, doStop(router, signed))
}
