package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
)

// unlockScript 仅当锁值与持有者令牌一致时才删除，避免误删别人的锁。
var unlockScript = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式互斥锁，不阻塞、不续期。
type Locker struct {
	rdb       rd.UniversalClient
	processID string
	seq       atomic.Uint64
}

// NewLocker 创建锁实例，进程标识在此生成一次。
func NewLocker(rdb rd.UniversalClient) *Locker {
	return &Locker{
		rdb:       rdb,
		processID: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// NewToken 进程标识 + 进程内序号 + 随机后缀，跨进程、跨任务唯一。
func (l *Locker) NewToken() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", l.processID, l.seq.Inc(), suffix)
}

// TryLock 尝试获取锁；锁被占用返回 false, nil。
func (l *Locker) TryLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.Newf("lock %s: ttl must be > 0", resource)
	}
	ok, err := l.rdb.SetNX(ctx, LockKey(resource), token, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", resource)
	}
	return ok, nil
}

// Unlock 比较并删除。锁已过期或被他人持有时返回 false, nil。
func (l *Locker) Unlock(ctx context.Context, resource, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, l.rdb, []string{LockKey(resource)}, token).Int()
	if err != nil {
		return false, errors.Wrapf(err, "release lock %s", resource)
	}
	return n == 1, nil
}

// Lock 一次成功加锁的句柄。
type Lock struct {
	Resource  string
	Token     string
	ExpiresAt time.Time

	locker *Locker
}

// TryAcquire 自动生成令牌并加锁，未抢到时返回 nil, false, nil。
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	token := l.NewToken()
	ok, err := l.TryLock(ctx, resource, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{
		Resource:  resource,
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
		locker:    l,
	}, true, nil
}

// Release 释放锁。
func (lk *Lock) Release(ctx context.Context) (bool, error) {
	return lk.locker.Unlock(ctx, lk.Resource, lk.Token)
}
