package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
)

const (
	// OrderPending 已通过准入并入队，等待异步落库。
	OrderPending = "pending"
	// OrderCreated 订单已落库。
	OrderCreated = "created"
	// OrderFailed 落库阶段被拒（终态），不会再生成订单。
	OrderFailed = "failed"
)

// OrderState 对应 Redis 内的订单状态结构。
type OrderState struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
	Status    string
	Reason    string
}

// luaInitOrderState 仅在状态不存在时写入，避免覆盖消费者已写的终态。
var luaInitOrderState = rd.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'order_id', ARGV[1], 'user_id', ARGV[2], 'voucher_id', ARGV[3], 'status', ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// InitOrderState 准入成功后登记 pending；返回 false 表示已有状态。
func InitOrderState(ctx context.Context, rdb rd.UniversalClient, st OrderState, ttl time.Duration) (bool, error) {
	n, err := luaInitOrderState.Run(ctx, rdb, []string{OrderStatusKey(st.OrderID)},
		st.OrderID, st.UserID, st.VoucherID, OrderPending, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "init order state %d", st.OrderID)
	}
	return n == 1, nil
}

// GetOrderState 查询订单当前状态。found=false 表示 key 不存在。
func GetOrderState(ctx context.Context, rdb rd.UniversalClient, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStatusKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, errors.Wrapf(err, "get order state %d", orderID)
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}

	out := OrderState{
		OrderID: orderID,
		Status:  m["status"],
		Reason:  m["reason"],
	}
	out.UserID, _ = strconv.ParseInt(m["user_id"], 10, 64)
	out.VoucherID, _ = strconv.ParseInt(m["voucher_id"], 10, 64)
	if out.Status == "" {
		out.Status = OrderPending
	}
	return out, true, nil
}

// PutOrderState 更新订单状态，并刷新 key TTL。
func PutOrderState(ctx context.Context, rdb rd.UniversalClient, st OrderState, ttl time.Duration) error {
	key := OrderStatusKey(st.OrderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", st.OrderID,
		"user_id", st.UserID,
		"voucher_id", st.VoucherID,
		"status", st.Status,
		"reason", st.Reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "put order state %d", st.OrderID)
	}
	return nil
}
