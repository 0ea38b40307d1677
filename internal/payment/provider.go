// Package payment adapts the online payment providers (VNPay, MoMo) behind one interface:
// build a signed redirect, verify a signed callback, and answer the provider's IPN contract.
package payment

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
)

const (
	SourceIPN    = "ipn"
	SourceReturn = "return"
)

// RedirectRequest 构造支付跳转链接所需的数据。
type RedirectRequest struct {
	TransactionRef string
	Amount         decimal.Decimal
	ClientIP       string
	OrderInfo      string
}

// Verification 回调验签结果。Valid=false 时其余字段不可信。
type Verification struct {
	Valid          bool
	TransactionRef string
	ResultCode     string
	ProviderTxnID  string
	Amount         decimal.Decimal
	Success        bool
	// Message 面向用户的结果说明（回跳页面展示）
	Message string
}

// Ack 是对渠道 IPN 的应答：HTTP 状态码 + 渠道约定的响应体。
type Ack struct {
	Status int
	Body   any
}

type Provider interface {
	Name() string
	// RefPrefix 交易号前缀，例如 VNP、MOMO。
	RefPrefix() string
	MinimumAmount() decimal.Decimal
	BuildRedirect(ctx context.Context, req RedirectRequest) (string, error)
	VerifyCallback(params map[string]string) Verification
	Acknowledge(outcome model.CallbackOutcome) Ack
}

// Registry 按支付方式名查找渠道。
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, apperr.ErrUnknownPaymentMethod
	}
	return p, nil
}

// Names 已注册的渠道名（排序后）。
func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sign(h func() hash.Hash, secret, data string) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// signatureEqual 常量时间比较，大小写不敏感（渠道可能返回大写十六进制）。
func signatureEqual(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(got)))
}
