package model

import "time"

// OrderStatus 订单状态。
type OrderStatus int

const (
	OrderUnpaid   OrderStatus = iota + 1 // 待支付
	OrderPaid                            // 已支付
	OrderUsed                            // 已核销
	OrderCanceled                        // 已取消
)

// VoucherOrder 秒杀订单；ID 由全局 ID 生成器分配，(user_id, voucher_id) 唯一保证一人一单。
type VoucherOrder struct {
	ID        int64       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    int64       `gorm:"not null;uniqueIndex:idx_user_voucher" json:"userId"`
	VoucherID int64       `gorm:"not null;uniqueIndex:idx_user_voucher;index" json:"voucherId"`
	Status    OrderStatus `gorm:"not null;default:1" json:"status"`
	CreatedAt time.Time   `json:"createTime"`
	UpdatedAt time.Time   `json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "tb_voucher_order" }
