package seckill

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// soldOutMemo 进程内售罄标记，只用来挡掉无意义的脚本调用，从不放行请求。
type soldOutMemo struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func newSoldOutMemo(size int, ttl time.Duration) *soldOutMemo {
	return &soldOutMemo{cache: lru.New(size), ttl: ttl}
}

func (m *soldOutMemo) mark(voucherID int64, now time.Time) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(voucherID, now.Add(m.ttl))
}

func (m *soldOutMemo) soldOut(voucherID int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(voucherID)
	if !ok {
		return false
	}
	if now.After(v.(time.Time)) {
		m.cache.Remove(voucherID)
		return false
	}
	return true
}

func (m *soldOutMemo) forget(voucherID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(voucherID)
}
