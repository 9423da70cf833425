package cache

import (
	"context"
	"fmt"
	"time"

	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// nullValue 穿透防护的空值标记：源数据确认不存在。
const nullValue = ""

// Loader 回源函数；返回 nil, nil 表示源数据不存在。
type Loader[T any, ID any] func(ctx context.Context, id ID) (*T, error)

// logicalEntry 逻辑过期缓存的存储结构，Redis 侧不设 TTL。
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// Client 面向 Redis 的读穿缓存，提供缓存穿透与缓存击穿两种防护。
type Client struct {
	rdb    rd.UniversalClient
	locker *rediskey.Locker
	pool   *Pool
	log    logrus.FieldLogger

	nullTTL        time.Duration
	lockTTL        time.Duration
	rebuildTimeout time.Duration
	now            func() time.Time

	sf singleflight.Group
}

type Option func(*Client)

func WithNullTTL(d time.Duration) Option { return func(c *Client) { c.nullTTL = d } }

func WithLockTTL(d time.Duration) Option { return func(c *Client) { c.lockTTL = d } }

// WithClock 替换逻辑过期判断用的时钟。
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(rdb rd.UniversalClient, locker *rediskey.Locker, pool *Pool, log logrus.FieldLogger, opts ...Option) *Client {
	c := &Client{
		rdb:     rdb,
		locker:  locker,
		pool:    pool,
		log:     log,
		nullTTL: rediskey.CacheNullTTL,
		lockTTL: rediskey.LockShopTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rebuildTimeout = c.lockTTL
	return c
}

// Set 序列化后写入，带 Redis TTL。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", key)
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return errors.Wrapf(err, "cache set %s", key)
	}
	return nil
}

// SetWithLogicalExpire 写入 {data, expireTime}，不设 Redis TTL。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", key)
	}
	b, err := json.Marshal(logicalEntry{Data: data, ExpireTime: c.now().Add(ttl)})
	if err != nil {
		return errors.Wrapf(err, "cache encode %s", key)
	}
	if err := c.rdb.Set(ctx, key, b, 0).Err(); err != nil {
		return errors.Wrapf(err, "cache set %s", key)
	}
	return nil
}

// Delete 写库后删缓存。
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(err, "cache del %v", keys)
	}
	return nil
}

// QueryWithPassThrough 缓存穿透防护：源数据不存在时写入空值标记并设置短 TTL。
// 返回 nil, nil 表示不存在；回源出错时原样返回错误，不写空值。
func QueryWithPassThrough[T any, ID any](
	ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[T, ID], ttl time.Duration,
) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	v, hit, err := getPassThrough[T](ctx, c, key)
	if err != nil || hit {
		return v, err
	}

	// 同进程内并发 miss 合并为一次回源
	res, err, _ := c.sf.Do(key, func() (any, error) {
		// 拿到执行权后再查一次，前一轮可能刚写完
		v, hit, err := getPassThrough[T](ctx, c, key)
		if err != nil || hit {
			return v, err
		}

		v, err = load(ctx, id)
		if err != nil {
			return (*T)(nil), errors.Wrapf(err, "load %s", key)
		}
		if v == nil {
			if err := c.rdb.Set(ctx, key, nullValue, c.nullTTL).Err(); err != nil {
				c.log.WithError(err).WithField("key", key).Warn("cache write null value failed")
			}
			return (*T)(nil), nil
		}
		if err := c.Set(ctx, key, v, ttl); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("cache write failed")
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*T), nil
}

// getPassThrough hit=true 时 v 为结果（空值标记时 v 为 nil）。
func getPassThrough[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, rd.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache get %s", key)
	}
	if raw == nullValue {
		return nil, true, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// 脏数据按未命中处理，回源后覆盖
		c.log.WithError(err).WithField("key", key).Warn("cache decode failed")
		return nil, false, nil
	}
	return &v, true, nil
}

// QueryWithLogicalExpire 缓存击穿防护：数据需预热，过期后返回旧值，
// 由抢到分布式锁的一个实例异步重建。未命中直接返回 nil, nil。
func QueryWithLogicalExpire[T any, ID any](
	ctx context.Context, c *Client, keyPrefix, lockPrefix string, id ID, load Loader[T, ID], ttl time.Duration,
) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	v, expireAt, found, err := getLogical[T](ctx, c, key)
	if err != nil || !found {
		return nil, err
	}
	if c.now().Before(expireAt) {
		return v, nil
	}

	log := c.log.WithField("key", key)
	resource := lockPrefix + fmt.Sprint(id)
	lock, ok, err := c.locker.TryAcquire(ctx, resource, c.lockTTL)
	if err != nil {
		log.WithError(err).Warn("rebuild lock failed, serving stale")
		return v, nil
	}
	if !ok {
		return v, nil
	}

	// double check：可能别的实例刚重建完
	fresh, freshAt, found, err := getLogical[T](ctx, c, key)
	if err == nil && found && c.now().Before(freshAt) {
		c.release(ctx, lock, log)
		return fresh, nil
	}

	// 重建脱离请求生命周期，只受锁 TTL 约束
	bg := context.WithoutCancel(ctx)
	submitted := c.pool.Submit(func() {
		rctx, cancel := context.WithTimeout(bg, c.rebuildTimeout)
		defer cancel()
		defer c.release(bg, lock, log)
		rebuildLogical(rctx, c, key, id, load, ttl, log)
	})
	if !submitted {
		log.Warn("rebuild pool full, serving stale")
		c.release(ctx, lock, log)
	}
	return v, nil
}

func rebuildLogical[T any, ID any](
	ctx context.Context, c *Client, key string, id ID, load Loader[T, ID], ttl time.Duration, log logrus.FieldLogger,
) {
	v, err := load(ctx, id)
	if err != nil {
		log.WithError(err).Error("cache rebuild failed, stale entry kept")
		return
	}
	if v == nil {
		// 源数据已删除，逻辑过期条目不允许存空值
		if err := c.Delete(ctx, key); err != nil {
			log.WithError(err).Error("cache rebuild delete failed")
		}
		return
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, ttl); err != nil {
		log.WithError(err).Error("cache rebuild write failed")
	}
}

func (c *Client) release(ctx context.Context, lock *rediskey.Lock, log logrus.FieldLogger) {
	if _, err := lock.Release(ctx); err != nil {
		log.WithError(err).Warn("rebuild lock release failed")
	}
}

func getLogical[T any](ctx context.Context, c *Client, key string) (*T, time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "cache get %s", key)
	}
	var entry logicalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "cache decode %s", key)
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "cache decode %s", key)
	}
	return &v, entry.ExpireTime, true, nil
}
