package router

import (
	"net/http"
	"strconv"
	"time"

	"local_review/internal/config"
	"local_review/internal/middleware"
	"local_review/internal/model"
	"local_review/internal/seckill"
	"local_review/internal/service"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖。
type Deps struct {
	Shops     *service.ShopService
	ShopTypes *service.ShopTypeService
	Vouchers  *service.VoucherService
	Redis     rd.UniversalClient
	RateLimit config.RateLimitConfig
	Log       logrus.FieldLogger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	// Shop
	r.GET("/shop/:id", queryShop(d.Shops))
	r.GET("/shop/hot/:id", queryHotShop(d.Shops))
	r.PUT("/shop", updateShop(d.Shops))
	r.POST("/shop/:id/preheat", preheatShop(d.Shops))
	r.GET("/shop-type/list", listShopTypes(d.ShopTypes))
	// Voucher
	r.POST("/voucher/seckill", addSeckillVoucher(d.Vouchers))
	r.GET("/voucher/seckill/:id/stock", getStock(d.Vouchers))
	// Seckill
	user := r.Group("/voucher-order", middleware.RequireUser())
	user.POST("/seckill/:id",
		middleware.RedisRateLimit(d.Redis, d.RateLimit.Limit, d.RateLimit.Window, d.Log),
		seckillVoucher(d.Vouchers, d.Log))
	user.GET("/:id", getOrderStatus(d.Vouchers))
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ID无效"})
		return 0, false
	}
	return id, true
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
}

// queryShop 查询商户（缓存穿透防护）。
func queryShop(shops *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		shop, err := shops.QueryByID(c.Request.Context(), id)
		if err != nil {
			internalError(c, err)
			return
		}
		if shop == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
	}
}

// queryHotShop 查询热点商户（逻辑过期），未预热视为不存在。
func queryHotShop(shops *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		shop, err := shops.QueryHotByID(c.Request.Context(), id)
		if err != nil {
			internalError(c, err)
			return
		}
		if shop == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
	}
}

// updateShop 更新商户，写库后删缓存。
func updateShop(shops *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var shop model.Shop
		if err := c.ShouldBindJSON(&shop); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		err := shops.Update(c.Request.Context(), &shop)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "更新成功"})
		case errors.Is(err, service.ErrInvalidShop):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "店铺id不能为空"})
		case errors.Is(err, service.ErrShopNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		default:
			internalError(c, err)
		}
	}
}

// preheatShop 热点商户预热，ttl 为逻辑过期时长（如 30m）。
func preheatShop(shops *service.ShopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var ttl time.Duration
		if s := c.Query("ttl"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ttl 格式错误"})
				return
			}
			ttl = d
		}
		err := shops.Preheat(c.Request.Context(), id, ttl)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
		case errors.Is(err, service.ErrShopNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "店铺不存在"})
		default:
			internalError(c, err)
		}
	}
}

func listShopTypes(types *service.ShopTypeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := types.List(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		if list == nil {
			list = []model.ShopType{}
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// addSeckillVoucher 新增秒杀券（含时间窗校验），同时预热库存。
func addSeckillVoucher(vouchers *service.VoucherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			VoucherID int64  `json:"voucher_id" binding:"required,min=1"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		v := &model.SeckillVoucher{VoucherID: req.VoucherID, Stock: req.Stock, BeginTime: begin, EndTime: end}
		err = vouchers.AddSeckillVoucher(c.Request.Context(), v)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
		case errors.Is(err, service.ErrInvalidVoucher):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		default:
			internalError(c, err)
		}
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(vouchers *service.VoucherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		stock, err := vouchers.RemainingStock(c.Request.Context(), id)
		if errors.Is(err, seckill.ErrStockNotLoaded) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "库存未预热"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": stock}})
	}
}

var rejectionMsg = map[seckill.Reason]string{
	seckill.ReasonVoucherNotFound:   "优惠券不存在",
	seckill.ReasonSaleNotStarted:    "秒杀尚未开始",
	seckill.ReasonSaleEnded:         "秒杀已经结束",
	seckill.ReasonInsufficientStock: "库存不足",
	seckill.ReasonDuplicateOrder:    "不允许重复下单",
	seckill.ReasonStockNotLoaded:    "秒杀尚未开放",
}

// seckillVoucher 是秒杀下单入口。
// 准入与入队在一次 Lua 调用内完成，这里只负责参数与结果映射；
// 订单异步落库，返回订单号后用 /voucher-order/:id 查询状态。
// 客户端超时重试时带上 ?order_id=，已准入的订单原样返回。
func seckillVoucher(vouchers *service.VoucherService, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := parseID(c)
		if !ok {
			return
		}
		userID, _ := middleware.UserID(c)

		var orderID int64
		if s := c.Query("order_id"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order_id 无效"})
				return
			}
			orderID = id
		}

		orderID, err := vouchers.Seckill(c.Request.Context(), userID, voucherID, orderID)
		if err != nil {
			reason := seckill.ReasonOf(err)
			switch {
			case seckill.IsRejection(err):
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": rejectionMsg[reason], "reason": reason})
			case reason == seckill.ReasonUnavailable:
				log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "voucher_id": voucherID}).Warn("seckill unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "系统繁忙，请稍后重试", "reason": reason})
			default:
				internalError(c, err)
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_id": strconv.FormatInt(orderID, 10),
				"status":   "pending",
			},
		})
	}
}

// getOrderStatus 根据订单号查询异步落库状态。
func getOrderStatus(vouchers *service.VoucherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseID(c)
		if !ok {
			return
		}
		userID, _ := middleware.UserID(c)
		st, err := vouchers.OrderStatus(c.Request.Context(), userID, orderID)
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": st})
	}
}
