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

var secret = []byte("test-secret")

type numericClaims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func sign(t *testing.T, claims jwt.Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func router(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetString("userId"), "username": c.GetString("username")})
	})
	return r
}

func do(r http.Handler, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	r := router(JWTMiddleware(secret))
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	valid := sign(t, &numericClaims{UserID: 42, Username: "alice", Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, secret)
	w := do(r, "/me", valid)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"42","username":"alice"}`, w.Body.String())

	// WebSocket clients pass the token in the query
	w = do(r, "/me?token="+valid, "")
	assert.Equal(t, http.StatusOK, w.Code)

	refresh := sign(t, &numericClaims{UserID: 42, Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, secret)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", refresh).Code)

	forged := sign(t, &numericClaims{UserID: 42, Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, []byte("other"))
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", forged).Code)

	expired := sign(t, &numericClaims{UserID: 42, Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}, secret)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", expired).Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "").Code)
}

func TestAuthMiddleware_RemoteVerify(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/auth/verify", req.URL.Path)
		switch req.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"userId":"u-7","username":"bob","type":"access"}`))
		case "Bearer numeric":
			_, _ = w.Write([]byte(`{"userId":7,"username":"bob","type":"access"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
		}
	}))
	defer upstream.Close()

	r := router(AuthMiddleware(upstream.URL + "/"))

	w := do(r, "/me", "good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"u-7","username":"bob"}`, w.Body.String())

	w = do(r, "/me", "numeric")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"7","username":"bob"}`, w.Body.String())

	w = do(r, "/me", "bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestAuthMiddleware_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base := upstream.URL
	upstream.Close()

	w := do(router(AuthMiddleware(base)), "/me", "good")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("bearer  abc "))
	assert.Equal(t, "", extractBearer("Basic abc"))
	assert.Equal(t, "", extractBearer(""))
}
