package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"local_review/internal/logging"
	"local_review/internal/model"
	"local_review/internal/store"
	rediskey "local_review/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type env struct {
	mr    *miniredis.Miniredis
	rdb   *rd.Client
	store *store.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &env{mr: mr, rdb: rdb, store: s}
}

func (e *env) seedVoucher(t *testing.T, id, stock int64) {
	t.Helper()
	now := time.Now()
	require.NoError(t, e.store.CreateSeckillVoucher(context.Background(), &model.SeckillVoucher{
		VoucherID: id, Stock: stock, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
	}))
}

func (e *env) enqueue(t *testing.T, in OrderIntent) string {
	t.Helper()
	id, err := e.rdb.XAdd(context.Background(), &rd.XAddArgs{Stream: rediskey.OrderStream, Values: in.Values()}).Result()
	require.NoError(t, err)
	return id
}

// pending 可在 Eventually 的 goroutine 里调用，出错返回 -1。
func (e *env) pending(t *testing.T) int64 {
	t.Helper()
	entries, err := e.rdb.XPendingExt(context.Background(), &rd.XPendingExtArgs{
		Stream: rediskey.OrderStream,
		Group:  "g1",
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return -1
	}
	return int64(len(entries))
}

func testConfig(name string) ConsumerConfig {
	return ConsumerConfig{Name: name, Block: 20 * time.Millisecond, RetryDelay: 5 * time.Millisecond}
}

func startConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, c.Stop(ctx))
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderCreatedEvent
	err    error
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, evt OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestConsumer_MaterializesAndAcks(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 3)
	for i := int64(1); i <= 3; i++ {
		e.enqueue(t, OrderIntent{OrderID: 100 + i, UserID: i, VoucherID: 1})
	}

	pub := &recordingPublisher{}
	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), pub, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := e.store.CountOrders(ctx, 1)
		return err == nil && n == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pub.count() == 3 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), e.pending(t))
	v, err := e.store.FindSeckillVoucher(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Stock)

	st, found, err := rediskey.GetOrderState(ctx, e.rdb, 101)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rediskey.OrderCreated, st.Status)

	processed, rejected, failures := c.Stats()
	assert.Equal(t, int64(3), processed)
	assert.Zero(t, rejected)
	assert.Zero(t, failures)
}

func TestConsumer_DuplicateDeliveryCreatesOneOrder(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 5)
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1})
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1})
	e.enqueue(t, OrderIntent{OrderID: 102, UserID: 7, VoucherID: 1})

	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, _ := e.rdb.XLen(ctx, rediskey.OrderStream).Result()
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)

	n, err := e.store.CountOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := e.store.FindSeckillVoucher(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.Stock, "stock decremented once")

	st, found, err := rediskey.GetOrderState(ctx, e.rdb, 102)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rediskey.OrderFailed, st.Status)
	assert.Equal(t, "duplicate_order", st.Reason)
}

// 消费者收到消息后未 ACK 就崩溃，重启后从 pending 列表恢复且只落一次。
func TestConsumer_RecoversPendingAfterCrash(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 5)
	ctx := context.Background()

	require.NoError(t, e.rdb.XGroupCreateMkStream(ctx, rediskey.OrderStream, "g1", "0").Err())
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1})

	// 模拟崩溃前的那次读取：消息进入 c1 的 pending，但没有 ACK
	streams, err := e.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group: "g1", Consumer: "c1", Streams: []string{rediskey.OrderStream, ">"}, Count: 1, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams[0].Messages, 1)
	require.Equal(t, int64(1), e.pending(t))

	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	require.Eventually(t, func() bool { return e.pending(t) == 0 }, 3*time.Second, 10*time.Millisecond)
	n, err := e.store.CountOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumer_DropsMalformedEntry(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 5)
	ctx := context.Background()

	_, err := e.rdb.XAdd(ctx, &rd.XAddArgs{Stream: rediskey.OrderStream, Values: map[string]interface{}{"userId": "x"}}).Result()
	require.NoError(t, err)
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1})

	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	require.Eventually(t, func() bool {
		n, err := e.store.CountOrders(ctx, 1)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := e.rdb.XLen(ctx, rediskey.OrderStream).Result()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConsumer_StockExhaustedCreatesNoOrder(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 1)
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 1, VoucherID: 1})
	e.enqueue(t, OrderIntent{OrderID: 102, UserID: 2, VoucherID: 1})

	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, found, _ := rediskey.GetOrderState(ctx, e.rdb, 102)
		return found
	}, 3*time.Second, 10*time.Millisecond)

	n, err := e.store.CountOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	st, _, err := rediskey.GetOrderState(ctx, e.rdb, 102)
	require.NoError(t, err)
	assert.Equal(t, rediskey.OrderFailed, st.Status)
	assert.Equal(t, "stock_exhausted", st.Reason)
}

type mockMaterializer struct {
	mock.Mock
}

func (m *mockMaterializer) Materialize(ctx context.Context, in OrderIntent) (Outcome, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(Outcome), args.Error(1)
}

// 落库失败不 ACK，转入 pending 重放直到成功。
func TestConsumer_RetriesUntilCommitted(t *testing.T) {
	e := newEnv(t)
	in := OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1}
	e.enqueue(t, in)

	mat := &mockMaterializer{}
	mat.On("Materialize", mock.Anything, in).Return(OutcomeCreated, errors.New("db down")).Twice()
	mat.On("Materialize", mock.Anything, in).Return(OutcomeCreated, nil).Once()

	c := NewConsumer(e.rdb, mat, nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	require.Eventually(t, func() bool {
		processed, _, _ := c.Stats()
		return processed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), e.pending(t))
	_, _, failures := c.Stats()
	assert.Equal(t, int64(2), failures)
	mat.AssertNumberOfCalls(t, "Materialize", 3)
}

func TestConsumer_PublishFailureDoesNotBlockAck(t *testing.T) {
	e := newEnv(t)
	e.seedVoucher(t, 1, 1)
	e.enqueue(t, OrderIntent{OrderID: 101, UserID: 7, VoucherID: 1})

	pub := &recordingPublisher{err: errors.New("kafka down")}
	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), pub, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, _ := e.rdb.XLen(ctx, rediskey.OrderStream).Result()
		return n == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pub.count())
}

func TestConsumer_StartTwice(t *testing.T) {
	e := newEnv(t)
	c := NewConsumer(e.rdb, NewOrderMaterializer(e.store), nil, logging.Discard(), testConfig("c1"))
	startConsumer(t, c)
	assert.Error(t, c.Start(context.Background()))
}

func TestParseOrderIntent(t *testing.T) {
	in := OrderIntent{OrderID: 1, UserID: 2, VoucherID: 3}
	got, err := parseOrderIntent(in.Values())
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = parseOrderIntent(map[string]interface{}{"id": "1", "userId": "0", "voucherId": "3"})
	assert.Error(t, err)
	_, err = parseOrderIntent(map[string]interface{}{"id": "abc", "userId": "2", "voucherId": "3"})
	assert.Error(t, err)
	_, err = parseOrderIntent(map[string]interface{}{"id": "1", "userId": "2"})
	assert.Error(t, err)
}

func TestNewOrderCreatedMessage(t *testing.T) {
	msg, err := newOrderCreatedMessage(OrderCreatedEvent{OrderID: 42, UserID: 7, VoucherID: 1})
	require.NoError(t, err)
	assert.Equal(t, "42", string(msg.Key))
	assert.Contains(t, string(msg.Value), `"order_id":42`)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "order.created", string(msg.Headers[0].Value))
}
