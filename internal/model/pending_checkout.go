package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxLineQuantity 单行数量上限，与 CartLine.Quantity 的 validate tag 一致。
const MaxLineQuantity = 100000

// CartLine 购物车行，下单时原样固化为 OrderLine。
type CartLine struct {
	ProductID    uint            `json:"product_id" validate:"required"`
	Quantity     int64           `json:"qty" validate:"min=1,max=100000"` // 上限防止按商品汇总需求时溢出
	Price        decimal.Decimal `json:"price"`
	Discount     decimal.Decimal `json:"discount"`
	VariantLabel string          `json:"variant_label,omitempty" validate:"max=50"`
}

// Amount = qty*price - discount
func (l CartLine) Amount() decimal.Decimal {
	return LineAmount(l.Quantity, l.Price, l.Discount)
}

// PendingCheckout 跳转支付前暂存的完整下单数据，只存在于 Redis（带 TTL），从不落库。
type PendingCheckout struct {
	TransactionRef string          `json:"transaction_ref"`
	Provider       string          `json:"provider"`
	UserID         *uint           `json:"user_id,omitempty"`
	Contact        Contact         `json:"contact"`
	Note           string          `json:"note,omitempty"`
	Lines          []CartLine      `json:"lines"`
	Total          decimal.Decimal `json:"total"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// CartTotal 计算购物车合计。
func CartTotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount())
	}
	return total.Round(2)
}
