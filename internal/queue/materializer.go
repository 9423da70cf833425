package queue

import (
	"context"

	"local_review/internal/model"
	"local_review/internal/store"

	"github.com/cockroachdb/errors"
)

// Outcome 一次落库的结果。
type Outcome int

const (
	// OutcomeCreated 订单已存在或本次新建，均视为成功。
	OutcomeCreated Outcome = iota
	// OutcomeDuplicate 该用户已有另一笔订单。
	OutcomeDuplicate
	// OutcomeStockExhausted 关系库库存已耗尽，不建单。
	OutcomeStockExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeDuplicate:
		return "duplicate_order"
	case OutcomeStockExhausted:
		return "stock_exhausted"
	default:
		return "unknown"
	}
}

// Materializer 把一条下单意图变成订单记录。
// 返回 error 表示可重试的故障，消息不会被 ACK。
type Materializer interface {
	Materialize(ctx context.Context, intent OrderIntent) (Outcome, error)
}

// errRollbackDuplicate 唯一索引冲突时回滚已扣减的库存。
var errRollbackDuplicate = errors.New("rollback: duplicate order")

// OrderMaterializer 在一个事务里完成：幂等复核 → 条件扣库存 → 插入订单。
type OrderMaterializer struct {
	store *store.Store
}

func NewOrderMaterializer(s *store.Store) *OrderMaterializer {
	return &OrderMaterializer{store: s}
}

func (m *OrderMaterializer) Materialize(ctx context.Context, in OrderIntent) (Outcome, error) {
	out := OutcomeCreated
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		// 同一条消息重复投递：订单号已落库
		existing, err := tx.FindOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = OutcomeCreated
			return nil
		}

		exists, err := tx.OrderExists(ctx, in.UserID, in.VoucherID)
		if err != nil {
			return err
		}
		if exists {
			out = OutcomeDuplicate
			return nil
		}

		ok, err := tx.DecrementStock(ctx, in.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			out = OutcomeStockExhausted
			return nil
		}

		err = tx.CreateOrder(ctx, &model.VoucherOrder{
			ID:        in.OrderID,
			UserID:    in.UserID,
			VoucherID: in.VoucherID,
			Status:    model.OrderUnpaid,
		})
		if errors.Is(err, store.ErrDuplicateOrder) {
			out = OutcomeDuplicate
			return errRollbackDuplicate
		}
		return err
	})
	if errors.Is(err, errRollbackDuplicate) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "materialize order %d", in.OrderID)
	}
	return out, nil
}
