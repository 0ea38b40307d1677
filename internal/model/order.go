package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 订单状态。数值沿用历史数据：0 已取消 1 待处理 2 已支付 3 配送中 4 已完成
type OrderStatus int

const (
	OrderCancelled OrderStatus = 0
	OrderPending   OrderStatus = 1
	OrderPaid      OrderStatus = 2
	OrderShipping  OrderStatus = 3
	OrderCompleted OrderStatus = 4
)

func (s OrderStatus) Valid() bool {
	return s >= OrderCancelled && s <= OrderCompleted
}

func (s OrderStatus) String() string {
	switch s {
	case OrderCancelled:
		return "cancelled"
	case OrderPending:
		return "pending"
	case OrderPaid:
		return "paid"
	case OrderShipping:
		return "shipping"
	case OrderCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PaymentCOD 货到付款；在线支付的 PaymentMethod 为渠道名（vnpay / momo）。
const PaymentCOD = "cod"

// Contact 下单时的联系人快照，与用户资料后续修改无关。
type Contact struct {
	Name    string `gorm:"size:255;not null" json:"name" validate:"required,max=255"`
	Email   string `gorm:"size:255;not null" json:"email" validate:"required,email,max=255"`
	Phone   string `gorm:"size:20;not null" json:"phone" validate:"required,max=20"`
	Address string `gorm:"size:255;not null" json:"address" validate:"required,max=255"`
}

// Order 订单头。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo string  `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	UserID  *uint   `gorm:"index" json:"user_id"` // 访客流程为空，绝不默认到某个真实账号
	Contact Contact `gorm:"embedded" json:"contact"`
	Note    string  `gorm:"size:1024" json:"note"`

	Total         decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"total"`
	PaymentMethod string          `gorm:"size:32;not null;index" json:"payment_method"`
	Status        OrderStatus     `gorm:"not null;index" json:"status"`

	// PaymentTransactionRef 在线支付的交易号，唯一索引保证一笔支付最多落一张订单。
	PaymentTransactionRef *string    `gorm:"size:64;uniqueIndex" json:"payment_transaction_ref,omitempty"`
	ProviderTxnID         string     `gorm:"size:64" json:"provider_txn_id,omitempty"`
	PaidAt                *time.Time `json:"paid_at,omitempty"`

	Lines []OrderLine `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"lines"`
}

func (Order) TableName() string { return "orders" }

// OrderLine 订单明细。单价与折扣在下单时固化，后续改价不影响历史订单。
type OrderLine struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID      uint            `gorm:"not null;index" json:"order_id"`
	ProductID    uint            `gorm:"not null;index" json:"product_id"`
	Quantity     int64           `gorm:"not null" json:"qty"`
	Price        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"price"`
	Discount     decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"discount"`
	Amount       decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	VariantLabel string          `gorm:"size:50" json:"variant_label,omitempty"`
}

func (OrderLine) TableName() string { return "order_lines" }

// LineAmount = qty*price - discount，保留两位小数。
func LineAmount(qty int64, price, discount decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Sub(discount).Round(2)
}
