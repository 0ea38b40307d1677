// Package auth resolves the caller of a request. Authentication itself lives in front of
// this service; the gateway forwards the authenticated user id in X-User-ID.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"

	principalKey = "auth.principal"
)

// Principal 当前调用者；UserID 为 nil 表示游客。
type Principal struct {
	UserID *uint
}

// Guest 是否游客。
func (p Principal) Guest() bool { return p.UserID == nil }

// Parse 解析 X-User-ID，非法或缺失视为游客。
func Parse(header string) Principal {
	header = strings.TrimSpace(header)
	if header == "" {
		return Principal{}
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil || id == 0 {
		return Principal{}
	}
	uid := uint(id)
	return Principal{UserID: &uid}
}

// FromGin 取出当前请求的调用者（每个请求只解析一次）。
func FromGin(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	p := Parse(c.GetHeader(HeaderUserID))
	c.Set(principalKey, p)
	return p
}

// RequireUser 要求已登录。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if FromGin(c).Guest() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "login required"})
			return
		}
		c.Next()
	}
}

// IsAdmin 请求是否携带正确的管理令牌。
func IsAdmin(c *gin.Context, token string) bool {
	got := c.GetHeader(HeaderAdminToken)
	return token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// RequireAdmin 校验管理令牌。
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "unauthorized"})
			return
		}
		c.Next()
	}
}
