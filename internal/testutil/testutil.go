// Package testutil builds throwaway SQLite and Redis backends for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"storefront/internal/logging"
	"storefront/internal/model"
	"storefront/internal/store"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB 为每个测试创建独立的内存 SQLite 库并建表。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := store.Open("sqlite", dsn, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewRedis 启动 miniredis 并返回客户端。
func NewRedis(t testing.TB) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// SeedProduct 插入一个商品。
func SeedProduct(t testing.TB, db *gorm.DB, name, price string) *model.Product {
	t.Helper()
	p := &model.Product{
		Name:      name,
		SalePrice: decimal.RequireFromString(price),
		Status:    model.ProductHidden,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// SeedBatch 插入一个入库批次，createdAt 决定 FIFO 顺序，并按库存刷新商品上下架。
func SeedBatch(t testing.TB, db *gorm.DB, productID uint, qty int64, cost string, createdAt time.Time) *model.StockBatch {
	t.Helper()
	b := &model.StockBatch{
		ProductID: productID,
		Quantity:  qty,
		UnitCost:  decimal.RequireFromString(cost),
		CreatedAt: createdAt,
	}
	require.NoError(t, db.Create(b).Error)
	if qty > 0 {
		require.NoError(t, db.Model(&model.Product{}).Where("id = ?", productID).
			Update("status", model.ProductVisible).Error)
	}
	return b
}

// Dec 是 decimal.RequireFromString 的简写。
func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
