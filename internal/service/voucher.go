package service

import (
	"context"
	"strconv"
	"time"

	"local_review/internal/cache"
	"local_review/internal/model"
	"local_review/internal/seckill"
	"local_review/internal/store"
	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidVoucher = errors.New("invalid seckill voucher")
	ErrOrderNotFound  = errors.New("order not found")
)

// OrderStatus 订单异步处理状态，对外展示。
type OrderStatus struct {
	OrderID   int64  `json:"order_id,string"`
	VoucherID int64  `json:"voucher_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// VoucherCatalog 供协调器读取秒杀券时间窗，走缓存穿透防护。
type VoucherCatalog struct {
	store *store.Store
	cache *cache.Client
}

func NewVoucherCatalog(s *store.Store, c *cache.Client) *VoucherCatalog {
	return &VoucherCatalog{store: s, cache: c}
}

func (v *VoucherCatalog) SeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return cache.QueryWithPassThrough(ctx, v.cache, rediskey.CacheVoucherKey, voucherID, v.store.FindSeckillVoucher, rediskey.CacheShopTTL)
}

// Invalidate 券信息变更后删除缓存（包括空值标记）。
func (v *VoucherCatalog) Invalidate(ctx context.Context, voucherID int64) error {
	return v.cache.Delete(ctx, rediskey.CacheVoucherKey+strconv.FormatInt(voucherID, 10))
}

// VoucherService 秒杀券：新增、秒杀下单、订单状态查询。
type VoucherService struct {
	store    *store.Store
	catalog  *VoucherCatalog
	rdb      rd.UniversalClient
	coord    *seckill.Coordinator
	log      logrus.FieldLogger
	stateTTL time.Duration
}

func NewVoucherService(
	s *store.Store, catalog *VoucherCatalog, coord *seckill.Coordinator,
	rdb rd.UniversalClient, log logrus.FieldLogger, stateTTL time.Duration,
) *VoucherService {
	return &VoucherService{store: s, catalog: catalog, coord: coord, rdb: rdb, log: log, stateTTL: stateTTL}
}

// AddSeckillVoucher 落库并把库存预热到 Redis。
func (s *VoucherService) AddSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if v.VoucherID <= 0 || v.Stock <= 0 {
		return errors.Wrap(ErrInvalidVoucher, "voucher id and stock must be > 0")
	}
	if !v.EndTime.After(v.BeginTime) {
		return errors.Wrap(ErrInvalidVoucher, "end time must be after begin time")
	}
	if err := s.store.CreateSeckillVoucher(ctx, v); err != nil {
		return err
	}
	if err := s.coord.PreloadStock(ctx, v.VoucherID, v.Stock); err != nil {
		return err
	}
	// 新建前可能被查过，清掉空值标记
	return s.catalog.Invalidate(ctx, v.VoucherID)
}

// Seckill 准入成功后登记 pending 状态，返回订单号。
func (s *VoucherService) Seckill(ctx context.Context, userID, voucherID, orderID int64) (int64, error) {
	id, err := s.coord.SeckillWithOrderID(ctx, userID, voucherID, orderID)
	if err != nil {
		return 0, err
	}
	st := rediskey.OrderState{OrderID: id, UserID: userID, VoucherID: voucherID}
	if _, err := rediskey.InitOrderState(ctx, s.rdb, st, s.stateTTL); err != nil {
		s.log.WithError(err).WithField("order_id", id).Warn("init order state failed")
	}
	return id, nil
}

// OrderStatus 先查 Redis 状态，缺失时回查订单表；只返回本人的订单。
func (s *VoucherService) OrderStatus(ctx context.Context, userID, orderID int64) (OrderStatus, error) {
	st, found, err := rediskey.GetOrderState(ctx, s.rdb, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	if found && st.UserID == userID {
		return OrderStatus{OrderID: orderID, VoucherID: st.VoucherID, Status: st.Status, Reason: st.Reason}, nil
	}

	order, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	if order == nil || order.UserID != userID {
		return OrderStatus{}, ErrOrderNotFound
	}
	return OrderStatus{OrderID: orderID, VoucherID: order.VoucherID, Status: rediskey.OrderCreated}, nil
}

// RemainingStock Redis 中的剩余库存。
func (s *VoucherService) RemainingStock(ctx context.Context, voucherID int64) (int64, error) {
	return s.coord.RemainingStock(ctx, voucherID)
}
