package middleware

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware 本地校验 HS256 访问令牌，通过后写入 userId/username
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFrom(c)
		if raw == "" {
			deny(c, "UNAUTHENTICATED", "missing access token")
			return
		}
		claims, err := ParseToken(secret, raw)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			deny(c, "TOKEN_EXPIRED", err.Error())
			return
		case err != nil:
			log.Printf("auth: reject token from %s: %v", c.ClientIP(), err)
			deny(c, "UNAUTHENTICATED", err.Error())
			return
		}
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func deny(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "message": msg})
}

// tokenFrom 先看 Authorization 头，WebSocket 握手带不了头时退回 ?token=
func tokenFrom(c *gin.Context) string {
	if t := extractBearer(c.GetHeader("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

// extractBearer 前缀不区分大小写
func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
