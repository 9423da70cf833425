package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"local_review/internal/model"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedVoucher(t *testing.T, s *Store, id, stock int64) {
	t.Helper()

	now := time.Now()
	require.NoError(t, s.CreateSeckillVoucher(context.Background(), &model.SeckillVoucher{
		VoucherID: id,
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}))
}

func TestStore_FindShop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	shop, err := s.FindShop(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, shop)

	require.NoError(t, s.CreateShop(ctx, &model.Shop{ID: 1, Name: "茶餐厅", TypeID: 1}))
	shop, err = s.FindShop(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, shop)
	assert.Equal(t, "茶餐厅", shop.Name)

	ok, err := s.UpdateShop(ctx, &model.Shop{ID: 1, Name: "新茶餐厅"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.UpdateShop(ctx, &model.Shop{ID: 99, Name: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ListShopTypesSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateShopType(ctx, &model.ShopType{ID: 1, Name: "KTV", Sort: 2}))
	require.NoError(t, s.CreateShopType(ctx, &model.ShopType{ID: 2, Name: "美食", Sort: 1}))

	list, err := s.ListShopTypes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "美食", list[0].Name)
}

func TestStore_DecrementStockNeverNegative(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 10, 3)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := s.DecrementStock(ctx, 10)
			assert.NoError(t, err)
			if dec {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)

	v, err := s.FindSeckillVoucher(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Stock)
}

func TestStore_CreateOrderDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 10, 5)

	require.NoError(t, s.CreateOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 7, VoucherID: 10, Status: model.OrderUnpaid}))

	err := s.CreateOrder(ctx, &model.VoucherOrder{ID: 2, UserID: 7, VoucherID: 10, Status: model.OrderUnpaid})
	assert.True(t, errors.Is(err, ErrDuplicateOrder))

	exists, err := s.OrderExists(ctx, 7, 10)
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := s.CountOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_TransactionRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedVoucher(t, s, 10, 1)

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Store) error {
		dec, err := tx.DecrementStock(ctx, 10)
		require.NoError(t, err)
		require.True(t, dec)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := s.FindSeckillVoucher(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Stock)
}
