package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// OrderCreatedEvent 订单落库后对外发布的事件。
type OrderCreatedEvent struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EventPublisher 下游事件出口；发布失败不影响 ACK。
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, evt OrderCreatedEvent) error
}

// Producer 封装 Kafka 写入器。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一订单号落到同一分区。
// - RequireAll: 等待 ISR 副本确认。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// PublishOrderCreated 同步写入一条订单创建事件。
func (p *Producer) PublishOrderCreated(ctx context.Context, evt OrderCreatedEvent) error {
	msg, err := newOrderCreatedMessage(evt)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish order created %d", evt.OrderID)
	}
	return nil
}

// newOrderCreatedMessage 订单号作为 Kafka key，下游据此去重。
func newOrderCreatedMessage(evt OrderCreatedEvent) (kafka.Message, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "encode order created event")
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.OrderID, 10)),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("order.created")},
		},
	}, nil
}
