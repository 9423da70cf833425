package redis

import (
	"fmt"
	"time"
)

// 缓存与锁的键前缀，所有服务实例共享同一套约定。
const (
	CacheShopKey     = "cache:shop:"
	CacheHotShopKey  = "cache:shop:hot:"
	LockShopKey      = "shop:"
	CacheShopTypeKey = "cache:shopType"
	CacheVoucherKey  = "cache:seckill:voucher:"

	SeckillStockKey = "seckill:stock:"
	SeckillOrderKey = "seckill:order:"
	OrderStream     = "stream.orders"

	LockKeyPrefix   = "lock:"
	IDCounterPrefix = "icr:"
	OrderStateKey   = "order:state:"
)

const (
	CacheNullTTL     = 2 * time.Minute
	CacheShopTTL     = 30 * time.Minute
	CacheShopTypeTTL = 30 * time.Minute
	LockShopTTL      = 10 * time.Second
)

// StockKey 秒杀券在 Redis 中的库存计数。
func StockKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", SeckillStockKey, voucherID)
}

// OrderUsersKey 记录某张券已下单的用户：field=userId, value=orderId。
func OrderUsersKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", SeckillOrderKey, voucherID)
}

// LockKey 分布式锁的完整键名。
func LockKey(resource string) string {
	return LockKeyPrefix + resource
}

// IDCounterKey 按命名空间和自然日分片的自增计数器。
func IDCounterKey(namespace string, day time.Time) string {
	return IDCounterPrefix + namespace + ":" + day.Format("2006:01:02")
}

// OrderStatusKey 存储订单异步落库的结果。
func OrderStatusKey(orderID int64) string {
	return fmt.Sprintf("%s%d", OrderStateKey, orderID)
}
