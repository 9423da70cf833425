package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"local_review/internal/logging"
	rediskey "local_review/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

type shop struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ClientSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	rdb    *rd.Client
	locker *rediskey.Locker
	pool   *Pool
	client *Client
	ctx    context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.rdb = rd.NewClient(&rd.Options{Addr: s.mr.Addr()})
	s.locker = rediskey.NewLocker(s.rdb)
	s.pool = NewPool(4)
	s.client = NewClient(s.rdb, s.locker, s.pool, logging.Discard())
	s.ctx = context.Background()
}

func (s *ClientSuite) TearDownTest() {
	s.pool.Stop()
	_ = s.rdb.Close()
}

func countingLoader(calls *atomic.Int64, src map[int64]*shop) Loader[shop, int64] {
	return func(_ context.Context, id int64) (*shop, error) {
		calls.Inc()
		return src[id], nil
	}
}

func (s *ClientSuite) TestPassThrough_HitAfterLoad() {
	var calls atomic.Int64
	load := countingLoader(&calls, map[int64]*shop{1: {ID: 1, Name: "茶餐厅"}})

	for i := 0; i < 3; i++ {
		v, err := QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(1), load, 30*time.Minute)
		s.Require().NoError(err)
		s.Require().NotNil(v)
		s.Equal("茶餐厅", v.Name)
	}
	s.Equal(int64(1), calls.Load())
	s.Equal(30*time.Minute, s.mr.TTL("cache:shop:1"))
}

func (s *ClientSuite) TestPassThrough_NullValueWithinTTL() {
	var calls atomic.Int64
	load := countingLoader(&calls, map[int64]*shop{})

	for i := 0; i < 5; i++ {
		v, err := QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(404), load, 30*time.Minute)
		s.Require().NoError(err)
		s.Nil(v)
	}
	s.Equal(int64(1), calls.Load())

	raw, err := s.mr.Get("cache:shop:404")
	s.Require().NoError(err)
	s.Equal("", raw)
	s.Equal(rediskey.CacheNullTTL, s.mr.TTL("cache:shop:404"))

	// 空值过期后重新回源
	s.mr.FastForward(rediskey.CacheNullTTL + time.Second)
	_, err = QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(404), load, 30*time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(2), calls.Load())
}

func (s *ClientSuite) TestPassThrough_ConcurrentMissesLoadOnce() {
	var calls atomic.Int64
	load := func(_ context.Context, id int64) (*shop, error) {
		calls.Inc()
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(9), load, time.Minute)
			s.NoError(err)
			s.Nil(v)
		}()
	}
	wg.Wait()
	s.Equal(int64(1), calls.Load())
}

func (s *ClientSuite) TestPassThrough_LoaderErrorNotCached() {
	boom := errors.New("db down")
	load := func(_ context.Context, id int64) (*shop, error) { return nil, boom }

	_, err := QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(1), load, time.Minute)
	s.ErrorIs(err, boom)
	s.False(s.mr.Exists("cache:shop:1"))
}

func (s *ClientSuite) TestPassThrough_RedisDown() {
	var calls atomic.Int64
	load := countingLoader(&calls, map[int64]*shop{1: {ID: 1}})
	s.mr.Close()

	_, err := QueryWithPassThrough(s.ctx, s.client, "cache:shop:", int64(1), load, time.Minute)
	s.Error(err)
	s.Equal(int64(0), calls.Load())
}

func (s *ClientSuite) TestLogicalExpire_MissIsNotRebuilt() {
	var calls atomic.Int64
	load := countingLoader(&calls, map[int64]*shop{1: {ID: 1}})

	v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
	s.Require().NoError(err)
	s.Nil(v)
	s.pool.Drain()
	s.Equal(int64(0), calls.Load())
}

func (s *ClientSuite) TestLogicalExpire_FreshHit() {
	s.Require().NoError(s.client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "v1"}, time.Minute))
	s.Equal(time.Duration(0), s.mr.TTL("cache:shop:hot:1"))

	var calls atomic.Int64
	v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1),
		countingLoader(&calls, nil), time.Minute)
	s.Require().NoError(err)
	s.Equal("v1", v.Name)
	s.Equal(int64(0), calls.Load())
}

func (s *ClientSuite) TestLogicalExpire_StaleServedSingleRebuild() {
	s.Require().NoError(s.client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "old"}, -time.Second))

	var calls atomic.Int64
	gate := make(chan struct{})
	load := func(_ context.Context, id int64) (*shop, error) {
		calls.Inc()
		<-gate
		return &shop{ID: id, Name: "new"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
			s.NoError(err)
			s.Equal("old", v.Name)
		}()
	}
	wg.Wait()
	close(gate)
	s.pool.Drain()

	s.Equal(int64(1), calls.Load())
	s.False(s.mr.Exists("lock:shop:1"), "rebuild lock should be released")

	v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
	s.Require().NoError(err)
	s.Equal("new", v.Name)
}

func (s *ClientSuite) TestLogicalExpire_LockHeldElsewhere() {
	s.Require().NoError(s.client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "old"}, -time.Second))
	ok, err := s.locker.TryLock(s.ctx, "shop:1", "other-instance", 10*time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	var calls atomic.Int64
	v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1),
		countingLoader(&calls, nil), time.Minute)
	s.Require().NoError(err)
	s.Equal("old", v.Name)
	s.pool.Drain()
	s.Equal(int64(0), calls.Load())

	owner, err := s.mr.Get("lock:shop:1")
	s.Require().NoError(err)
	s.Equal("other-instance", owner)
}

func (s *ClientSuite) TestLogicalExpire_RebuildFailureKeepsStale() {
	s.Require().NoError(s.client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "old"}, -time.Second))
	load := func(_ context.Context, id int64) (*shop, error) { return nil, errors.New("db down") }

	v, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
	s.Require().NoError(err)
	s.Equal("old", v.Name)
	s.pool.Drain()

	v, err = QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
	s.Require().NoError(err)
	s.Equal("old", v.Name)
	s.pool.Drain()
	s.False(s.mr.Exists("lock:shop:1"))
}

func (s *ClientSuite) TestLogicalExpire_SourceDeletedDropsEntry() {
	s.Require().NoError(s.client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "old"}, -time.Second))
	load := func(_ context.Context, id int64) (*shop, error) { return nil, nil }

	_, err := QueryWithLogicalExpire(s.ctx, s.client, "cache:shop:hot:", "shop:", int64(1), load, time.Minute)
	s.Require().NoError(err)
	s.pool.Drain()
	s.False(s.mr.Exists("cache:shop:hot:1"))
}

func (s *ClientSuite) TestLogicalExpire_PoolFullReleasesLock() {
	pool := NewPool(1)
	defer pool.Stop()
	client := NewClient(s.rdb, s.locker, pool, logging.Discard())

	block := make(chan struct{})
	s.Require().True(pool.Submit(func() { <-block }))

	s.Require().NoError(client.SetWithLogicalExpire(s.ctx, "cache:shop:hot:1", shop{ID: 1, Name: "old"}, -time.Second))
	var calls atomic.Int64
	v, err := QueryWithLogicalExpire(s.ctx, client, "cache:shop:hot:", "shop:", int64(1),
		countingLoader(&calls, nil), time.Minute)
	s.Require().NoError(err)
	s.Equal("old", v.Name)
	s.False(s.mr.Exists("lock:shop:1"))

	close(block)
	pool.Drain()
	s.Equal(int64(0), calls.Load())
	_, rejected := pool.Stats()
	s.Equal(int64(1), rejected)
}

func (s *ClientSuite) TestDelete() {
	s.Require().NoError(s.client.Set(s.ctx, "cache:shop:1", shop{ID: 1}, time.Minute))
	s.Require().NoError(s.client.Delete(s.ctx, "cache:shop:1"))
	s.False(s.mr.Exists("cache:shop:1"))
}
