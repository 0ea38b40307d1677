package model

import (
	"time"

	"gorm.io/gorm"
)

// CallbackOutcome 描述一次支付回调（IPN 或浏览器回跳）的处理结果。
type CallbackOutcome int

const (
	CallbackProcessed        CallbackOutcome = iota // 新建订单成功
	CallbackDuplicate                               // 已处理过，幂等返回
	CallbackPaymentFailed                           // 渠道返回失败/取消
	CallbackInvalidSignature                        // 验签失败
	CallbackPendingMissing                          // 支付成功但暂存购物车丢失，需人工对账
	CallbackAmountMismatch                          // 金额与暂存合计不一致，需人工对账
	CallbackError                                   // 系统错误
)

func (o CallbackOutcome) String() string {
	switch o {
	case CallbackProcessed:
		return "processed"
	case CallbackDuplicate:
		return "duplicate"
	case CallbackPaymentFailed:
		return "payment_failed"
	case CallbackInvalidSignature:
		return "invalid_signature"
	case CallbackPendingMissing:
		return "pending_missing"
	case CallbackAmountMismatch:
		return "amount_mismatch"
	case CallbackError:
		return "error"
	default:
		return "unknown"
	}
}

// NeedsAttention 为 true 的回调需要运营人工跟进。
func (o CallbackOutcome) NeedsAttention() bool {
	return o == CallbackPendingMissing || o == CallbackAmountMismatch || o == CallbackError
}

// PaymentCallback records every provider callback with its raw payload for operator follow-up.
type PaymentCallback struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TransactionRef string `gorm:"size:64;index" json:"transaction_ref"`
	Provider       string `gorm:"size:32;not null;index" json:"provider"`
	Source         string `gorm:"size:16;not null" json:"source"` // ipn / return
	ResultCode     string `gorm:"size:16" json:"result_code"`
	ProviderTxnID  string `gorm:"size:64" json:"provider_txn_id"`
	// Outcome + ErrorMsg 支撑对账排查。
	Outcome  CallbackOutcome `gorm:"not null;default:0;index" json:"outcome"`
	OrderID  *uint           `gorm:"index" json:"order_id,omitempty"`
	Payload  string          `gorm:"type:text" json:"payload"`
	ErrorMsg string          `gorm:"size:255" json:"error_msg"`
}

func (PaymentCallback) TableName() string { return "payment_callbacks" }
