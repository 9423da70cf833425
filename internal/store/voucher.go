package store

import (
	"context"

	"local_review/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(v).Error, "create seckill voucher")
}

// FindSeckillVoucher 不存在返回 nil, nil。
func (s *Store) FindSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var v model.SeckillVoucher
	err := s.db.WithContext(ctx).First(&v, "voucher_id = ?", voucherID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find seckill voucher %d", voucherID)
	}
	return &v, nil
}

// DecrementStock 条件扣减：stock = stock - 1 WHERE stock > 0。
// 返回 false 表示库存已耗尽，调用方不得再建单。
func (s *Store) DecrementStock(ctx context.Context, voucherID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.SeckillVoucher{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		UpdateColumn("stock", gorm.Expr("stock - ?", 1))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "decrement stock %d", voucherID)
	}
	return res.RowsAffected == 1, nil
}

// OrderExists 一人一单复核。
func (s *Store) OrderExists(ctx context.Context, userID, voucherID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "count orders user=%d voucher=%d", userID, voucherID)
	}
	return n > 0, nil
}

// CreateOrder 插入订单；唯一索引冲突时返回 ErrDuplicateOrder。
func (s *Store) CreateOrder(ctx context.Context, o *model.VoucherOrder) error {
	err := s.db.WithContext(ctx).Create(o).Error
	if isUnique(err) {
		return errors.Mark(errors.Wrapf(err, "create order %d", o.ID), ErrDuplicateOrder)
	}
	return errors.Wrapf(err, "create order %d", o.ID)
}

// FindOrder 不存在返回 nil, nil。
func (s *Store) FindOrder(ctx context.Context, id int64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	err := s.db.WithContext(ctx).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find order %d", id)
	}
	return &o, nil
}

// CountOrders 某张券已落库的订单数。
func (s *Store) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).Where("voucher_id = ?", voucherID).Count(&n).Error
	return n, errors.Wrapf(err, "count orders voucher=%d", voucherID)
}
