package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductStatus 商品可见性：由库存总量推导，不由运营直接维护。
type ProductStatus int

const (
	ProductHidden  ProductStatus = 0
	ProductVisible ProductStatus = 1
)

// Product 商品：名称、售价、上下架状态
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name      string          `gorm:"size:255;not null" json:"name"`
	SalePrice decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"sale_price"`
	// Status=1 当且仅当未删除批次的库存合计 > 0（库存账本负责翻转）。
	Status ProductStatus `gorm:"not null;default:0;index" json:"status"`
}

func (Product) TableName() string { return "products" }
