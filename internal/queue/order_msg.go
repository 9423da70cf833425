package queue

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// stream 字段名，与准入脚本 XADD 的字段保持一致。
const (
	fieldOrderID   = "id"
	fieldUserID    = "userId"
	fieldVoucherID = "voucherId"
)

// OrderIntent 准入成功后写入 stream 的下单意图，自带 userId，消费者不依赖请求上下文。
type OrderIntent struct {
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
	VoucherID int64 `json:"voucher_id"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderIntent) Validate() error {
	if m.OrderID <= 0 {
		return errors.New("order id is required")
	}
	if m.UserID <= 0 {
		return errors.New("user id is required")
	}
	if m.VoucherID <= 0 {
		return errors.New("voucher id is required")
	}
	return nil
}

// Values stream 字段编码。
func (m OrderIntent) Values() map[string]interface{} {
	return map[string]interface{}{
		fieldOrderID:   strconv.FormatInt(m.OrderID, 10),
		fieldUserID:    strconv.FormatInt(m.UserID, 10),
		fieldVoucherID: strconv.FormatInt(m.VoucherID, 10),
	}
}

func parseOrderIntent(values map[string]interface{}) (OrderIntent, error) {
	var (
		msg OrderIntent
		err error
	)
	if msg.OrderID, err = getStreamInt(values, fieldOrderID); err != nil {
		return OrderIntent{}, err
	}
	if msg.UserID, err = getStreamInt(values, fieldUserID); err != nil {
		return OrderIntent{}, err
	}
	if msg.VoucherID, err = getStreamInt(values, fieldVoucherID); err != nil {
		return OrderIntent{}, err
	}
	if err := msg.Validate(); err != nil {
		return OrderIntent{}, err
	}
	return msg, nil
}

func getStreamInt(values map[string]interface{}, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, errors.Newf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, errors.Newf("invalid %s %q", key, x)
		}
		return n, nil
	case []byte:
		return getStreamInt(map[string]interface{}{key: string(x)}, key)
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, errors.Newf("unsupported field type %s: %T", key, v)
	}
}
