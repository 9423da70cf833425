package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ConsumerConfig 消费组参数。
type ConsumerConfig struct {
	Stream     string
	Group      string
	Name       string
	Block      time.Duration
	RetryDelay time.Duration
	StateTTL   time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Stream == "" {
		c.Stream = rediskey.OrderStream
	}
	if c.Group == "" {
		c.Group = "g1"
	}
	if c.Name == "" {
		c.Name = "c1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 20 * time.Millisecond
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 24 * time.Hour
	}
	return c
}

// Consumer 从 Redis Stream 消费组读取下单意图并异步落库。
// 语义：落库事务提交后才 ACK；任何失败都转入 pending 列表重放，直到清空。
type Consumer struct {
	rdb    rd.UniversalClient
	mat    Materializer
	events EventPublisher
	log    logrus.FieldLogger
	cfg    ConsumerConfig

	processed atomic.Int64
	rejected  atomic.Int64
	failures  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer events 可为 nil。
func NewConsumer(rdb rd.UniversalClient, mat Materializer, events EventPublisher, log logrus.FieldLogger, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		rdb:    rdb,
		mat:    mat,
		events: events,
		log:    log.WithFields(logrus.Fields{"stream": cfg.Stream, "group": cfg.Group, "consumer": cfg.Name}),
		cfg:    cfg,
	}
}

// Start 建组并在后台启动消费循环；不随调用方 ctx 取消。
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("consumer already started")
	}
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.Run(runCtx)
	}()
	return nil
}

// Stop 通知退出并等待循环结束，ctx 到期则放弃等待。
// 正在处理的消息若未 ACK，会留在 pending 列表，下次启动时重放。
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 消费主循环，直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context) {
	if err := c.ensureGroup(ctx); err != nil {
		c.log.WithError(err).Error("ensure group failed")
		return
	}

	// 启动先处理自己遗留的 pending，覆盖进程崩溃的场景。
	c.handlePending(ctx)

	for ctx.Err() == nil {
		msgs, err := c.readGroup(ctx, ">", c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("read new entries failed")
			c.sleep(ctx)
			continue
		}
		for _, xm := range msgs {
			if err := c.processOne(ctx, xm); err != nil {
				c.log.WithError(err).WithField("msg_id", xm.ID).Error("process entry failed, replaying pending list")
				c.handlePending(ctx)
				break
			}
		}
	}
}

// handlePending 从头扫描本消费者的 pending 列表并逐条重放，直到列表为空。
func (c *Consumer) handlePending(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := c.readGroup(ctx, "0", -1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("read pending entries failed")
			c.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			return
		}
		for _, xm := range msgs {
			if err := c.processOne(ctx, xm); err != nil {
				c.log.WithError(err).WithField("msg_id", xm.ID).Error("replay pending entry failed")
				c.sleep(ctx)
				break
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return errors.Wrapf(err, "create group %s on %s", c.cfg.Group, c.cfg.Stream)
}

// readGroup block<0 时不带 BLOCK 参数（读 pending 用）。
func (c *Consumer) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, streamID},
		Count:    1,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 1)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *Consumer) processOne(ctx context.Context, xm rd.XMessage) error {
	intent, err := parseOrderIntent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		c.log.WithError(err).WithField("msg_id", xm.ID).Warn("drop malformed entry")
		if ackErr := c.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return errors.Wrapf(ackErr, "ack malformed entry (parse: %v)", err)
		}
		return nil
	}

	log := c.log.WithFields(logrus.Fields{
		"msg_id":     xm.ID,
		"order_id":   intent.OrderID,
		"user_id":    intent.UserID,
		"voucher_id": intent.VoucherID,
	})

	outcome, err := c.mat.Materialize(ctx, intent)
	if err != nil {
		c.failures.Inc()
		return err
	}

	state := rediskey.OrderState{OrderID: intent.OrderID, UserID: intent.UserID, VoucherID: intent.VoucherID}
	switch outcome {
	case OutcomeCreated:
		c.processed.Inc()
		state.Status = rediskey.OrderCreated
		log.Info("voucher order created")
	default:
		c.rejected.Inc()
		state.Status = rediskey.OrderFailed
		state.Reason = outcome.String()
		log.WithField("reason", state.Reason).Warn("voucher order rejected at materialization")
	}

	// 事务已提交，状态与事件只是通知，失败不阻塞 ACK
	if err := rediskey.PutOrderState(ctx, c.rdb, state, c.cfg.StateTTL); err != nil {
		log.WithError(err).Warn("write order state failed")
	}
	if outcome == OutcomeCreated && c.events != nil {
		evt := OrderCreatedEvent{OrderID: intent.OrderID, UserID: intent.UserID, VoucherID: intent.VoucherID, CreatedAt: time.Now()}
		if err := c.events.PublishOrderCreated(ctx, evt); err != nil {
			log.WithError(err).Warn("publish order created failed")
		}
	}

	return c.ackAndDelete(ctx, xm.ID)
}

func (c *Consumer) ackAndDelete(ctx context.Context, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, id)
	pipe.XDel(ctx, c.cfg.Stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "ack %s", id)
	}
	return nil
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Stats 已落库、落库被拒、处理失败的次数。
func (c *Consumer) Stats() (processed, rejected, failures int64) {
	return c.processed.Load(), c.rejected.Load(), c.failures.Load()
}

// Name 消费者名。
func (c *Consumer) Name() string { return c.cfg.Name }
