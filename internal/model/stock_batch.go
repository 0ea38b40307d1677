package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockBatch 入库批次（lot）。按 CreatedAt 先进先出消耗，数量为 0 的批次保留用于审计。
type StockBatch struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `gorm:"index:idx_stock_batches_fifo,priority:2" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID uint            `gorm:"not null;index:idx_stock_batches_fifo,priority:1" json:"product_id"`
	Quantity  int64           `gorm:"not null;default:0;check:quantity >= 0" json:"quantity"`
	UnitCost  decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"unit_cost"`
	CreatedBy *uint           `json:"created_by,omitempty"`
}

func (StockBatch) TableName() string { return "stock_batches" }
