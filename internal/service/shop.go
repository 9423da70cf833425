package service

import (
	"context"
	"strconv"
	"time"

	"local_review/internal/cache"
	"local_review/internal/model"
	"local_review/internal/store"
	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
)

var (
	ErrShopNotFound = errors.New("shop not found")
	ErrInvalidShop  = errors.New("invalid shop")
)

// ShopService 商户查询：普通读走缓存穿透防护，热点读走逻辑过期。
type ShopService struct {
	store *store.Store
	cache *cache.Client
	ttl   time.Duration
}

func NewShopService(s *store.Store, c *cache.Client, ttl time.Duration) *ShopService {
	if ttl <= 0 {
		ttl = rediskey.CacheShopTTL
	}
	return &ShopService{store: s, cache: c, ttl: ttl}
}

// QueryByID 不存在返回 nil, nil。
func (s *ShopService) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithPassThrough(ctx, s.cache, rediskey.CacheShopKey, id, s.store.FindShop, s.ttl)
}

// QueryHotByID 热点商户，需先 Preheat；未预热返回 nil, nil。
func (s *ShopService) QueryHotByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.QueryWithLogicalExpire(ctx, s.cache, rediskey.CacheHotShopKey, rediskey.LockShopKey, id, s.store.FindShop, s.ttl)
}

// Preheat 把商户写入逻辑过期缓存。
func (s *ShopService) Preheat(ctx context.Context, id int64, ttl time.Duration) error {
	shop, err := s.store.FindShop(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return ErrShopNotFound
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.cache.SetWithLogicalExpire(ctx, rediskey.CacheHotShopKey+strconv.FormatInt(id, 10), shop, ttl)
}

// Update 先写库再删缓存，删缓存失败则整体回滚。
// 逻辑过期条目不删除，等下一次过期重建。
func (s *ShopService) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID <= 0 {
		return errors.Wrap(ErrInvalidShop, "shop id is required")
	}
	return s.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.UpdateShop(ctx, shop)
		if err != nil {
			return err
		}
		if !ok {
			return ErrShopNotFound
		}
		return s.cache.Delete(ctx, rediskey.CacheShopKey+strconv.FormatInt(shop.ID, 10))
	})
}

// ShopTypeService 商户类型列表整体缓存。
type ShopTypeService struct {
	store *store.Store
	cache *cache.Client
}

func NewShopTypeService(s *store.Store, c *cache.Client) *ShopTypeService {
	return &ShopTypeService{store: s, cache: c}
}

func (s *ShopTypeService) List(ctx context.Context) ([]model.ShopType, error) {
	list, err := cache.QueryWithPassThrough(ctx, s.cache, rediskey.CacheShopTypeKey, "", s.load, rediskey.CacheShopTypeTTL)
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

func (s *ShopTypeService) load(ctx context.Context, _ string) (*[]model.ShopType, error) {
	list, err := s.store.ListShopTypes(ctx)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list, nil
}
