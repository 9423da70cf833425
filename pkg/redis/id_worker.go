package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
)

const (
	// BeginTimestamp 2022-01-01T00:00:00Z
	BeginTimestamp int64 = 1640995200

	countBits     = 32
	timestampBits = 31
	maxCount      = int64(1)<<countBits - 1
	maxTimestamp  = int64(1)<<timestampBits - 1
)

// IDWorker 全局唯一 ID：符号位 0 | 31 位秒级时间戳 | 32 位当日序号。
// 同一命名空间内严格按 (时间戳, 序号) 递增；时钟回拨不做补偿。
type IDWorker struct {
	rdb rd.UniversalClient
	now func() time.Time
}

type IDWorkerOption func(*IDWorker)

// WithClock 替换时钟，测试用。
func WithClock(now func() time.Time) IDWorkerOption {
	return func(w *IDWorker) { w.now = now }
}

func NewIDWorker(rdb rd.UniversalClient, opts ...IDWorkerOption) *IDWorker {
	w := &IDWorker{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NextID 生成 namespace 下的下一个 ID，Redis 不可用时返回错误。
func (w *IDWorker) NextID(ctx context.Context, namespace string) (int64, error) {
	now := w.now().UTC()
	ts := now.Unix() - BeginTimestamp
	if ts < 0 || ts > maxTimestamp {
		return 0, errors.Newf("id worker: timestamp %d out of range", ts)
	}

	count, err := w.rdb.Incr(ctx, IDCounterKey(namespace, now)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "id worker: incr %s", namespace)
	}
	if count > maxCount {
		return 0, errors.Newf("id worker: daily sequence exhausted for %s", namespace)
	}
	return ts<<countBits | count, nil
}

// ParseID 拆出生成时间与当日序号。
func ParseID(id int64) (time.Time, uint32) {
	ts := id >> countBits
	return time.Unix(ts+BeginTimestamp, 0).UTC(), uint32(id & maxCount)
}
