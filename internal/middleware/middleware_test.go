package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"local_review/internal/logging"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(rdb rd.UniversalClient, limit int) *gin.Engine {
	r := gin.New()
	r.POST("/buy", RequireUser(), RedisRateLimit(rdb, limit, time.Second, logging.Discard()), func(c *gin.Context) {
		id, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user": id})
	})
	return r
}

func do(r http.Handler, userID string) int {
	req := httptest.NewRequest(http.MethodPost, "/buy", nil)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireUser(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newEngine(rd.NewClient(&rd.Options{Addr: mr.Addr()}), 100)

	assert.Equal(t, http.StatusUnauthorized, do(r, ""))
	assert.Equal(t, http.StatusUnauthorized, do(r, "abc"))
	assert.Equal(t, http.StatusUnauthorized, do(r, "-1"))
	assert.Equal(t, http.StatusOK, do(r, "7"))
}

func TestRedisRateLimit_PerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newEngine(rd.NewClient(&rd.Options{Addr: mr.Addr()}), 3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "7"))
	}
	assert.Equal(t, http.StatusTooManyRequests, do(r, "7"))
	assert.Equal(t, http.StatusOK, do(r, "8"), "other users have their own window")
}

func TestRedisRateLimit_DegradesWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newEngine(rd.NewClient(&rd.Options{Addr: mr.Addr()}), 1)
	mr.Close()

	assert.Equal(t, http.StatusOK, do(r, "7"))
	assert.Equal(t, http.StatusOK, do(r, "7"))
}
