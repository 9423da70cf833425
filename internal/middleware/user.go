package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID 网关鉴权后透传的用户 ID。
	HeaderUserID = "X-User-ID"
	ctxUserID    = "user_id"
)

// RequireUser 解析用户身份并放进 gin.Context，handler 再显式传给下游。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "未登录"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// UserID 取出 RequireUser 写入的用户 ID。
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
