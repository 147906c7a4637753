package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const verifyTimeout = 1200 * time.Millisecond

// UserID 兼容 auth-service 的数字 id 与字符串 id
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*u = UserID(s)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("userId must be a string or an unsigned integer")
	}
	*u = UserID(strconv.FormatUint(n, 10))
	return nil
}

// Claims matches the tokens signed by auth-service.
type Claims struct {
	// Go的结构体标签需要用反引号
	UserID   UserID `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// JWTMiddleware verifies HS256 access tokens locally with the shared secret.
func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			abortUnauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abortUnauthenticated(c, "invalid token")
			return
		}
		if !setIdentity(c, string(claims.UserID), claims.Username, claims.Type) {
			return
		}
		c.Next()
	}
}

// authBaseURL 不要带路径：建议是 http://localhost:3001，middleware 自己拼 + "/v1/auth/verify"
func AuthMiddleware(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}

	// 统一拼接 verify URL（避免 double slash）
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			abortUnauthenticated(c, "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 这里包含超时：context deadline exceeded
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify failed",
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			abortUnauthenticated(c, msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth-service verify non-200",
			})
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "invalid verify response",
			})
			return
		}
		if !setIdentity(c, string(claims.UserID), claims.Username, claims.Type) {
			return
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, userID, username, typ string) bool {
	if typ != "" && typ != "access" {
		abortUnauthenticated(c, "access token required")
		return false
	}
	if userID == "" {
		abortUnauthenticated(c, "token carries no user")
		return false
	}
	c.Set("userId", userID)
	c.Set("username", username)
	return true
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHENTICATED",
		"message": msg,
	})
}

// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
func tokenFrom(c *gin.Context) string {
	if t := extractBearer(c.Request.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
