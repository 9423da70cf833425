package model

import "time"

// SeckillVoucher 秒杀券：库存与秒杀时间段。
// Stock 是落库侧的权威库存；高并发准入走 Redis 里的预热副本。
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucherId"`
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"beginTime"`
	EndTime   time.Time `gorm:"not null" json:"endTime"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (SeckillVoucher) TableName() string { return "tb_seckill_voucher" }

// InWindow 判断 now 是否落在 [BeginTime, EndTime] 内。
func (v SeckillVoucher) InWindow(now time.Time) bool {
	return !now.Before(v.BeginTime) && !now.After(v.EndTime)
}
