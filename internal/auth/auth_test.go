package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret"})

	token, err := a.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret"})

	_, err := a.ValidateToken("not-a-jwt")
	assert.Error(t, err)

	// A token minted under another secret fails verification.
	other := New(Config{JWTSecret: "different-secret"})
	token, err := other.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret", TokenDuration: -time.Minute})

	token, err := a.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	_, err = a.ValidateToken(token)
	assert.Error(t, err)
}

func TestUserIDFromToken(t *testing.T) {
	a := New(Config{JWTSecret: "test-secret"})

	// Empty means anonymous, not an error.
	userID, err := a.UserIDFromToken("")
	require.NoError(t, err)
	assert.Empty(t, userID)

	token, err := a.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	userID, err = a.UserIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = a.UserIDFromToken("garbage")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := New(Config{JWTSecret: "test-secret"})

	engine := gin.New()
	engine.GET("/protected", a.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})

	request := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, request("").Code)
	assert.Equal(t, http.StatusUnauthorized, request("Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, request("Bearer garbage").Code)

	token, err := a.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	w := request("Bearer " + token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}
