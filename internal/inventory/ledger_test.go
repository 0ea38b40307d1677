package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/logging"
	"storefront/internal/model"
	"storefront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*Ledger, *gorm.DB) {
	db := testutil.NewDB(t)
	return NewLedger(db, logging.Discard()), db
}

func reload(t *testing.T, db *gorm.DB, id uint) model.StockBatch {
	var b model.StockBatch
	require.NoError(t, db.First(&b, id).Error)
	return b
}

func productStatus(t *testing.T, db *gorm.DB, id uint) model.ProductStatus {
	var p model.Product
	require.NoError(t, db.First(&p, id).Error)
	return p.Status
}

func TestDeductConsumesOldestBatchFirst(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Áo thun", "150000")
	base := time.Now().Add(-time.Hour)
	older := testutil.SeedBatch(t, db, p.ID, 5, "10", base)
	newer := testutil.SeedBatch(t, db, p.ID, 3, "12", base.Add(time.Minute))

	res, err := ledger.Deduct(ctx, p.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, int64(0), reload(t, db, older.ID).Quantity)
	assert.Equal(t, int64(1), reload(t, db, newer.ID).Quantity)
	require.Len(t, res.Consumed, 2)
	assert.Equal(t, older.ID, res.Consumed[0].BatchID)
	assert.Equal(t, int64(5), res.Consumed[0].Quantity)
	assert.Equal(t, newer.ID, res.Consumed[1].BatchID)
	assert.Equal(t, int64(2), res.Consumed[1].Quantity)
	assert.True(t, testutil.Dec("74").Equal(res.Cost), res.Cost.String())
	assert.Equal(t, int64(1), res.Remaining)
	assert.False(t, res.Hidden)
	assert.Equal(t, model.ProductVisible, productStatus(t, db, p.ID))
}

func TestDeductInsufficientStockLeavesBatchesUntouched(t *testing.T) {
	ledger, db := setup(t)
	p := testutil.SeedProduct(t, db, "Quần jean", "300000")
	b1 := testutil.SeedBatch(t, db, p.ID, 3, "100", time.Now().Add(-time.Hour))
	b2 := testutil.SeedBatch(t, db, p.ID, 1, "110", time.Now())

	_, err := ledger.Deduct(context.Background(), p.ID, 10)

	var se *apperr.InsufficientStockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, p.ID, se.ProductID)
	assert.Equal(t, int64(10), se.Requested)
	assert.Equal(t, int64(4), se.Available)
	assert.Equal(t, int64(3), reload(t, db, b1.ID).Quantity)
	assert.Equal(t, int64(1), reload(t, db, b2.ID).Quantity)
}

func TestDeductToZeroHidesProductAndRestockShowsIt(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Mũ", "50000")
	testutil.SeedBatch(t, db, p.ID, 2, "20", time.Now())
	require.Equal(t, model.ProductVisible, productStatus(t, db, p.ID))

	res, err := ledger.Deduct(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.True(t, res.Hidden)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, model.ProductHidden, productStatus(t, db, p.ID))

	batchID, err := ledger.Restock(ctx, p.ID, 4, testutil.Dec("21.5"), nil)
	require.NoError(t, err)
	assert.NotZero(t, batchID)
	assert.Equal(t, model.ProductVisible, productStatus(t, db, p.ID))

	avail, err := ledger.AvailableQuantity(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), avail)
}

func TestDeductUnknownProduct(t *testing.T) {
	ledger, _ := setup(t)
	_, err := ledger.Deduct(context.Background(), 999, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeductRejectsNonPositiveQuantity(t *testing.T) {
	ledger, db := setup(t)
	p := testutil.SeedProduct(t, db, "Giày", "1")
	_, err := ledger.Deduct(context.Background(), p.ID, 0)
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRestockValidatesInput(t *testing.T) {
	ledger, db := setup(t)
	p := testutil.SeedProduct(t, db, "Túi", "1")

	_, err := ledger.Restock(context.Background(), p.ID, 0, testutil.Dec("-1"), nil)

	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Fields, 2)
}

func TestAdjustBatchReevaluatesVisibility(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Khăn", "10")
	b := testutil.SeedBatch(t, db, p.ID, 3, "5", time.Now())

	got, err := ledger.AdjustBatch(ctx, b.ID, 0, testutil.Dec("5"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Quantity)
	assert.Equal(t, model.ProductHidden, productStatus(t, db, p.ID))

	_, err = ledger.AdjustBatch(ctx, b.ID, 6, testutil.Dec("4.5"))
	require.NoError(t, err)
	assert.Equal(t, model.ProductVisible, productStatus(t, db, p.ID))
	assert.True(t, testutil.Dec("4.5").Equal(reload(t, db, b.ID).UnitCost))

	_, err = ledger.AdjustBatch(ctx, 12345, 1, testutil.Dec("1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAvailableQuantityFollowsOperations(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Vớ", "10")

	ops := []struct {
		restock int64
		deduct  int64
	}{{restock: 10}, {deduct: 3}, {restock: 2}, {deduct: 9}, {restock: 1}}
	var want int64
	for _, op := range ops {
		if op.restock > 0 {
			_, err := ledger.Restock(ctx, p.ID, op.restock, testutil.Dec("1"), nil)
			require.NoError(t, err)
			want += op.restock
		}
		if op.deduct > 0 {
			_, err := ledger.Deduct(ctx, p.ID, op.deduct)
			require.NoError(t, err)
			want -= op.deduct
		}
		got, err := ledger.AvailableQuantity(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.GreaterOrEqual(t, got, int64(0))
	}

	all, err := ledger.AvailableQuantities(ctx, []uint{p.ID, 4242})
	require.NoError(t, err)
	assert.Equal(t, want, all[p.ID])
	assert.Equal(t, int64(0), all[4242])
}

func TestConcurrentDeductNeverOversells(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Limited", "99")
	testutil.SeedBatch(t, db, p.ID, 4, "1", time.Now().Add(-time.Minute))
	testutil.SeedBatch(t, db, p.ID, 6, "2", time.Now())

	const workers = 12
	demand := []int64{3, 1, 2, 4, 1, 3, 2, 2, 1, 3, 2, 1} // 合计 25 > 10

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int64
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			_, err := ledger.Deduct(ctx, p.ID, qty)
			mu.Lock()
			defer mu.Unlock()
			var se *apperr.InsufficientStockError
			switch {
			case err == nil:
				succeeded += qty
			case errors.As(err, &se):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(demand[i])
	}
	wg.Wait()

	left, err := ledger.AvailableQuantity(ctx, p.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, succeeded, int64(10))
	assert.GreaterOrEqual(t, insufficient, 1)
	assert.Equal(t, int64(10)-succeeded, left)
	assert.GreaterOrEqual(t, left, int64(0))
}

func TestDeductInsideOuterTransactionRollsBackWithIt(t *testing.T) {
	ledger, db := setup(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, db, "Áo khoác", "10")
	b := testutil.SeedBatch(t, db, p.ID, 5, "1", time.Now())

	boom := errors.New("order insert failed")
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.WithTx(tx).Deduct(ctx, p.ID, 5); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(5), reload(t, db, b.ID).Quantity)
	assert.Equal(t, model.ProductVisible, productStatus(t, db, p.ID))
}
