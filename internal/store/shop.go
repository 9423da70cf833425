package store

import (
	"context"

	"local_review/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// FindShop 按 ID 查商户；不存在返回 nil, nil。
func (s *Store) FindShop(ctx context.Context, id int64) (*model.Shop, error) {
	var shop model.Shop
	err := s.db.WithContext(ctx).First(&shop, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find shop %d", id)
	}
	return &shop, nil
}

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(shop).Error, "create shop")
}

// UpdateShop 按主键更新非零字段；返回是否命中记录。
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Shop{ID: shop.ID}).Updates(shop)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "update shop %d", shop.ID)
	}
	return res.RowsAffected > 0, nil
}

// ListShopTypes 按 sort 升序返回全部类型。
func (s *Store) ListShopTypes(ctx context.Context) ([]model.ShopType, error) {
	var list []model.ShopType
	if err := s.db.WithContext(ctx).Order("sort asc").Find(&list).Error; err != nil {
		return nil, errors.Wrap(err, "list shop types")
	}
	return list, nil
}

func (s *Store) CreateShopType(ctx context.Context, t *model.ShopType) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(t).Error, "create shop type")
}
