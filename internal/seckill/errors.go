package seckill

import "github.com/cockroachdb/errors"

// 准入被拒的原因，调用方用 errors.Is 判断。
var (
	ErrVoucherNotFound   = errors.New("voucher not found")
	ErrSaleNotStarted    = errors.New("sale not started")
	ErrSaleEnded         = errors.New("sale ended")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrStockNotLoaded    = errors.New("stock not loaded")
	// ErrUnavailable 基础设施故障，可重试；绝不能当成库存不足返回。
	ErrUnavailable = errors.New("seckill temporarily unavailable")
)

// Reason 稳定的拒绝原因码，直接透给前端。
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonVoucherNotFound   Reason = "voucher_not_found"
	ReasonSaleNotStarted    Reason = "sale_not_started"
	ReasonSaleEnded         Reason = "sale_ended"
	ReasonInsufficientStock Reason = "insufficient_stock"
	ReasonDuplicateOrder    Reason = "duplicate_order"
	ReasonStockNotLoaded    Reason = "stock_not_loaded"
	ReasonUnavailable       Reason = "unavailable"
)

var reasons = []struct {
	err    error
	reason Reason
}{
	{ErrVoucherNotFound, ReasonVoucherNotFound},
	{ErrSaleNotStarted, ReasonSaleNotStarted},
	{ErrSaleEnded, ReasonSaleEnded},
	{ErrInsufficientStock, ReasonInsufficientStock},
	{ErrDuplicateOrder, ReasonDuplicateOrder},
	{ErrStockNotLoaded, ReasonStockNotLoaded},
	{ErrUnavailable, ReasonUnavailable},
}

// ReasonOf 把错误映射为原因码；未知错误返回 ReasonNone。
func ReasonOf(err error) Reason {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonNone
}

// IsRejection 业务拒绝（非基础设施故障）。
func IsRejection(err error) bool {
	r := ReasonOf(err)
	return r != ReasonNone && r != ReasonUnavailable
}
