package store

import (
	"context"
	"strings"

	"local_review/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateOrder 同一用户同一张券已存在订单（唯一索引冲突）。
var ErrDuplicateOrder = errors.New("store: duplicate voucher order")

// Store 关系库（权威数据源）的访问入口；事务内通过 Transaction 拿到绑定 tx 的副本。
type Store struct {
	db *gorm.DB
}

// Open 连接 SQLite，自动建表。
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "db open")
	}
	// SQLite 单写者，串行化写入避免 database is locked。
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "db handle")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Shop{}, &model.ShopType{}, &model.SeckillVoucher{}, &model.VoucherOrder{}); err != nil {
		return nil, errors.Wrap(err, "db migrate")
	}
	return &Store{db: db}, nil
}

// New 包装已有连接，不做迁移。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 暴露底层连接，供组合根做关闭等操作。
func (s *Store) DB() *gorm.DB { return s.db }

// Close 关闭连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction 单个工作单元：fn 返回 nil 提交，否则回滚。
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func isUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
