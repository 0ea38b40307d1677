package redis_test

import (
	"context"
	"testing"
	"time"

	"storefront/internal/model"
	"storefront/internal/testutil"
	rediskey "storefront/pkg/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(ref string, expires time.Time) model.PendingCheckout {
	return model.PendingCheckout{
		TransactionRef: ref,
		Provider:       "vnpay",
		Contact:        model.Contact{Name: "B", Email: "b@example.com", Phone: "0911111111", Address: "2 Hai Ba Trung"},
		Lines:          []model.CartLine{{ProductID: 1, Quantity: 2, Price: testutil.Dec("25000")}},
		Total:          testutil.Dec("50000"),
		CreatedAt:      expires.Add(-30 * time.Minute),
		ExpiresAt:      expires,
	}
}

func TestPendingStorePutGetDelete(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	store := rediskey.NewPendingStore(rdb, 30*time.Minute)
	ctx := context.Background()

	pc := pending("VNP_1_aaaa0000", time.Now().Add(30*time.Minute))
	require.NoError(t, store.Put(ctx, pc))
	assert.ErrorIs(t, store.Put(ctx, pc), rediskey.ErrRefCollision)

	got, found, err := store.Get(ctx, pc.TransactionRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, pc.Total.Equal(got.Total))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, int64(2), got.Lines[0].Quantity)

	require.NoError(t, store.Delete(ctx, pc.TransactionRef))
	_, found, err = store.Get(ctx, pc.TransactionRef)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingStoreCollisionKeepsExistingIndexEntry(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	store := rediskey.NewPendingStore(rdb, 30*time.Minute)
	ctx := context.Background()

	live := pending("VNP_1_cccc2222", time.Now().Add(30*time.Minute))
	require.NoError(t, store.Put(ctx, live))

	clash := pending(live.TransactionRef, time.Now().Add(90*time.Minute))
	clash.Total = testutil.Dec("1")
	assert.ErrorIs(t, store.Put(ctx, clash), rediskey.ErrRefCollision)

	score, err := rdb.ZScore(ctx, rediskey.PendingCheckoutIndexKey, live.TransactionRef).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(live.ExpiresAt.Unix()), score)

	got, found, err := store.Get(ctx, live.TransactionRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, live.Total.Equal(got.Total))
}

func TestPendingStoreExpiresWithTTL(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	store := rediskey.NewPendingStore(rdb, time.Minute)
	ctx := context.Background()

	pc := pending("MOMO_1_bbbb1111", time.Now().Add(time.Minute))
	require.NoError(t, store.Put(ctx, pc))

	mr.FastForward(2 * time.Minute)

	_, found, err := store.Get(ctx, pc.TransactionRef)
	require.NoError(t, err)
	assert.False(t, found)

	// 键已过期，索引项要等 Reap
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reaped, err := store.Reap(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	reaped, err = store.Reap(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestReconcileLock(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()

	ok, err := rediskey.AcquireReconcileLock(ctx, rdb, "vnpay", "VNP_1", "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rediskey.AcquireReconcileLock(ctx, rdb, "vnpay", "VNP_1", "t2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放无效
	require.NoError(t, rediskey.ReleaseReconcileLockIfMatch(ctx, rdb, "vnpay", "VNP_1", "t2"))
	ok, err = rediskey.AcquireReconcileLock(ctx, rdb, "vnpay", "VNP_1", "t3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rediskey.ReleaseReconcileLockIfMatch(ctx, rdb, "vnpay", "VNP_1", "t1"))
	ok, err = rediskey.AcquireReconcileLock(ctx, rdb, "vnpay", "VNP_1", "t3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkNotifiedOnce(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()

	first, err := rediskey.MarkNotifiedOnce(ctx, rdb, 10)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := rediskey.MarkNotifiedOnce(ctx, rdb, 10)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, rediskey.UnmarkNotified(ctx, rdb, 10))
	retry, err := rediskey.MarkNotifiedOnce(ctx, rdb, 10)
	require.NoError(t, err)
	assert.True(t, retry)
}
