package cache

import (
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Pool 缓存重建的有界工作池，提交不阻塞：满了直接拒绝。
// 由组合根创建，生命周期 Submit -> Drain/Stop。
type Pool struct {
	mu      sync.RWMutex
	g       errgroup.Group
	stopped bool

	submitted atomic.Int64
	rejected  atomic.Int64
}

// NewPool size 为同时在跑的重建任务上限。
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{}
	p.g.SetLimit(size)
	return p
}

// Submit 尝试提交任务，池已满或已停止时返回 false。
func (p *Pool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Inc()
		return false
	}
	ok := p.g.TryGo(func() error {
		fn()
		return nil
	})
	if !ok {
		p.rejected.Inc()
		return false
	}
	p.submitted.Inc()
	return true
}

// Drain 等待所有已提交任务结束，之后仍可继续提交。
// 等待期间 Submit 会被挂起，只用于停机与测试。
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.g.Wait()
}

// Stop 拒绝新任务并等待在跑任务结束。
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	_ = p.g.Wait()
}

// Stats 已接受与被拒绝的提交次数。
func (p *Pool) Stats() (submitted, rejected int64) {
	return p.submitted.Load(), p.rejected.Load()
}
