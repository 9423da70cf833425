package seckill

import (
	"context"
	"strconv"
	"time"

	"local_review/internal/model"
	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// VoucherReader 读取秒杀券的时间窗；不存在返回 nil, nil。
type VoucherReader interface {
	SeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
}

// IDGenerator 订单号生成。
type IDGenerator interface {
	NextID(ctx context.Context, namespace string) (int64, error)
}

// Coordinator 秒杀准入：时间窗校验 → 生成订单号 → Lua 原子准入并入流。
// 只负责准入与入队，落库由队列消费者完成。
type Coordinator struct {
	rdb      rd.UniversalClient
	ids      IDGenerator
	vouchers VoucherReader
	log      logrus.FieldLogger

	stream    string
	namespace string
	now       func() time.Time

	cb      *gobreaker.CircuitBreaker
	soldOut *soldOutMemo
}

type Option func(*Coordinator)

// WithStream 订单 stream 名，默认 stream.orders。
func WithStream(stream string) Option { return func(c *Coordinator) { c.stream = stream } }

// WithNamespace 订单号命名空间，默认 order。
func WithNamespace(ns string) Option { return func(c *Coordinator) { c.namespace = ns } }

// WithSoldOutTTL 售罄标记的有效期，<=0 关闭。
func WithSoldOutTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.soldOut = newSoldOutMemo(1024, d) }
}

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithBreaker 连续 trips 次基础设施故障后熔断。
func WithBreaker(name string, trips uint32) Option {
	return func(c *Coordinator) { c.cb = newBreaker(name, trips, c.log) }
}

func NewCoordinator(rdb rd.UniversalClient, ids IDGenerator, vouchers VoucherReader, log logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{
		rdb:       rdb,
		ids:       ids,
		vouchers:  vouchers,
		log:       log,
		stream:    rediskey.OrderStream,
		namespace: "order",
		now:       time.Now,
		soldOut:   newSoldOutMemo(1024, time.Second),
	}
	c.cb = newBreaker("seckill-admission", 5, log)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newBreaker(name string, trips uint32, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s state changed from %s to %s", name, from, to)
		},
	})
}

// Seckill 发起一次秒杀，成功返回订单号（此时订单尚未落库）。
func (c *Coordinator) Seckill(ctx context.Context, userID, voucherID int64) (int64, error) {
	return c.SeckillWithOrderID(ctx, userID, voucherID, 0)
}

// SeckillWithOrderID orderID 为 0 时生成新订单号；
// 客户端超时重试时带上上次的订单号，已准入则原样返回成功。
func (c *Coordinator) SeckillWithOrderID(ctx context.Context, userID, voucherID, orderID int64) (int64, error) {
	if userID <= 0 {
		return 0, errors.Newf("invalid user id %d", userID)
	}

	voucher, err := c.vouchers.SeckillVoucher(ctx, voucherID)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "load voucher %d", voucherID), ErrUnavailable)
	}
	if voucher == nil {
		return 0, ErrVoucherNotFound
	}
	now := c.now()
	if now.Before(voucher.BeginTime) {
		return 0, ErrSaleNotStarted
	}
	if now.After(voucher.EndTime) {
		return 0, ErrSaleEnded
	}
	if orderID == 0 && c.soldOut.soldOut(voucherID, now) {
		return 0, ErrInsufficientStock
	}

	if orderID == 0 {
		orderID, err = c.ids.NextID(ctx, c.namespace)
		if err != nil {
			return 0, errors.Mark(errors.Wrap(err, "generate order id"), ErrUnavailable)
		}
	}

	code, err := c.admit(ctx, userID, voucherID, orderID)
	if err != nil {
		return 0, err
	}

	log := c.log.WithFields(logrus.Fields{"user_id": userID, "voucher_id": voucherID, "order_id": orderID})
	switch code {
	case codeAdmitted:
		log.Debug("seckill admitted")
		return orderID, nil
	case codeReplay:
		log.Info("seckill replay of admitted order")
		return orderID, nil
	case codeNoStock:
		c.soldOut.mark(voucherID, now)
		return 0, ErrInsufficientStock
	case codeDuplicate:
		return 0, ErrDuplicateOrder
	case codeStockNotReady:
		log.Warn("seckill stock not preloaded")
		return 0, ErrStockNotLoaded
	default:
		return 0, errors.Mark(errors.Newf("unexpected admission code %d", code), ErrUnavailable)
	}
}

func (c *Coordinator) admit(ctx context.Context, userID, voucherID, orderID int64) (int64, error) {
	keys := []string{rediskey.StockKey(voucherID), rediskey.OrderUsersKey(voucherID), c.stream}
	res, err := c.cb.Execute(func() (interface{}, error) {
		return admissionScript.Run(ctx, c.rdb, keys,
			strconv.FormatInt(voucherID, 10),
			strconv.FormatInt(userID, 10),
			strconv.FormatInt(orderID, 10),
		).Int64()
	})
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "admission voucher=%d user=%d", voucherID, userID), ErrUnavailable)
	}
	return res.(int64), nil
}

// PreloadStock 把库存写入 Redis，秒杀开始前调用。
func (c *Coordinator) PreloadStock(ctx context.Context, voucherID, stock int64) error {
	if err := c.rdb.Set(ctx, rediskey.StockKey(voucherID), stock, 0).Err(); err != nil {
		return errors.Wrapf(err, "preload stock %d", voucherID)
	}
	c.soldOut.forget(voucherID)
	return nil
}

// RemainingStock Redis 中的剩余库存；未预热返回 ErrStockNotLoaded。
func (c *Coordinator) RemainingStock(ctx context.Context, voucherID int64) (int64, error) {
	n, err := c.rdb.Get(ctx, rediskey.StockKey(voucherID)).Int64()
	if errors.Is(err, rd.Nil) {
		return 0, ErrStockNotLoaded
	}
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "get stock %d", voucherID), ErrUnavailable)
	}
	return n, nil
}
