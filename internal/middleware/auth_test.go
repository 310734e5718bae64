package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/pkg/jwt"
)

func authRouter(t *testing.T, manager *jwt.JWTManager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTAuthMiddleware(manager), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	return router
}

func TestAuthAcceptsBearerHeader(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "peercall-api")
	token, err := manager.GenerateAccessToken("alice", "Alice")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authRouter(t, manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}

func TestAuthAcceptsTokenQueryParam(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "peercall-api")
	token, err := manager.GenerateAccessToken("bob", "Bob")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil)
	authRouter(t, manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob")
}

func TestAuthRejectsMissingToken(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "peercall-api")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	authRouter(t, manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsWrongAudience(t *testing.T) {
	issuer := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "other-api")
	token, err := issuer.GenerateAccessToken("alice", "Alice")
	require.NoError(t, err)

	manager := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "peercall-api")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authRouter(t, manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsMalformedHeader(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-key-thats-long-enough!", time.Minute, "peercall-api")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Token abcdef")
	authRouter(t, manager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
