package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/internal/config"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

const (
	momoRequestType = "captureWallet"
	momoSuccessCode = "0"
)

// momoIPNFields MoMo IPN / 回跳签名覆盖的字段（按字母序）。accessKey 来自配置。
var momoIPNFields = []string{
	"amount", "extraData", "message", "orderId", "orderInfo", "orderType",
	"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	PartnerName string `json:"partnerName"`
	StoreID     string `json:"storeId"`
	RequestID   string `json:"requestId"`
	Amount      string `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IpnURL      string `json:"ipnUrl"`
	Lang        string `json:"lang"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	PartnerCode string `json:"partnerCode"`
	OrderID     string `json:"orderId"`
	RequestID   string `json:"requestId"`
	ResultCode  int    `json:"resultCode"`
	Message     string `json:"message"`
	PayURL      string `json:"payUrl"`
}

// MoMo 签名：HMAC-SHA256，对固定顺序的 key=value 原文签名（不做 URL 编码）。
// 创建支付需要调用 MoMo API，调用经过熔断器保护。
type MoMo struct {
	cfg    config.MoMoConfig
	log    log.FieldLogger
	client *http.Client
	cb     *gobreaker.CircuitBreaker[string]
}

func NewMoMo(cfg config.MoMoConfig, logger log.FieldLogger) *MoMo {
	m := &MoMo{
		cfg:    cfg,
		log:    logger,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	m.cb = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "momo-create",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return m
}

func (m *MoMo) Name() string      { return "momo" }
func (m *MoMo) RefPrefix() string { return "MOMO" }

func (m *MoMo) MinimumAmount() decimal.Decimal { return decimal.NewFromInt(m.cfg.MinAmount) }

// BuildRedirect 调用 MoMo 创建支付接口，返回 payUrl。交易号同时作为 orderId 和 requestId。
func (m *MoMo) BuildRedirect(ctx context.Context, req RedirectRequest) (string, error) {
	if req.TransactionRef == "" {
		return "", fmt.Errorf("momo: transaction ref is required")
	}
	info := req.OrderInfo
	if info == "" {
		info = "Thanh toan don hang #" + req.TransactionRef
	}
	body := momoCreateRequest{
		PartnerCode: m.cfg.PartnerCode,
		PartnerName: "Storefront",
		StoreID:     "Storefront",
		RequestID:   req.TransactionRef,
		Amount:      req.Amount.Round(0).String(),
		OrderID:     req.TransactionRef,
		OrderInfo:   info,
		RedirectURL: m.cfg.RedirectURL,
		IpnURL:      m.cfg.IPNURL,
		Lang:        "vi",
		ExtraData:   "",
		RequestType: momoRequestType,
	}
	raw := "accessKey=" + m.cfg.AccessKey +
		"&amount=" + body.Amount +
		"&extraData=" + body.ExtraData +
		"&ipnUrl=" + body.IpnURL +
		"&orderId=" + body.OrderID +
		"&orderInfo=" + body.OrderInfo +
		"&partnerCode=" + body.PartnerCode +
		"&redirectUrl=" + body.RedirectURL +
		"&requestId=" + body.RequestID +
		"&requestType=" + body.RequestType
	body.Signature = sign(sha256.New, m.cfg.SecretKey, raw)

	payURL, err := m.cb.Execute(func() (string, error) { return m.create(ctx, body) })
	if err != nil {
		return "", fmt.Errorf("momo create payment: %w", err)
	}
	m.log.WithFields(log.Fields{
		"provider": m.Name(),
		"txn_ref":  req.TransactionRef,
		"amount":   body.Amount,
	}).Info("momo redirect built")
	return payURL, nil
}

func (m *MoMo) create(ctx context.Context, body momoCreateRequest) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out momoCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if out.ResultCode != 0 || out.PayURL == "" {
		return "", fmt.Errorf("momo rejected request: resultCode=%d message=%q", out.ResultCode, out.Message)
	}
	return out.PayURL, nil
}

// VerifyCallback 适用于 IPN（JSON body）和浏览器回跳（query），两者字段一致。
func (m *MoMo) VerifyCallback(params map[string]string) Verification {
	got := params["signature"]
	if got == "" || params["orderId"] == "" {
		return Verification{}
	}
	if !signatureEqual(SignMoMoCallback(m.cfg.AccessKey, m.cfg.SecretKey, params), got) {
		return Verification{}
	}

	amount := decimal.Zero
	if raw, err := strconv.ParseInt(params["amount"], 10, 64); err == nil {
		amount = decimal.NewFromInt(raw)
	}
	code := params["resultCode"]
	msg := params["message"]
	if msg == "" {
		msg = "resultCode " + code
	}
	return Verification{
		Valid:          true,
		TransactionRef: params["orderId"],
		ResultCode:     code,
		ProviderTxnID:  params["transId"],
		Amount:         amount,
		Success:        code == momoSuccessCode,
		Message:        msg,
	}
}

// SignMoMoCallback 计算 IPN / 回跳的 signature。
func SignMoMoCallback(accessKey, secretKey string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("accessKey=")
	b.WriteString(accessKey)
	for _, k := range momoIPNFields {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return sign(sha256.New, secretKey, b.String())
}

// Acknowledge MoMo IPN 约定：HTTP 200 + {partnerCode, resultCode, message}。
func (m *MoMo) Acknowledge(outcome model.CallbackOutcome) Ack {
	code, msg := 99, "System error"
	switch outcome {
	case model.CallbackProcessed, model.CallbackDuplicate, model.CallbackPaymentFailed:
		code, msg = 0, "Success"
	case model.CallbackInvalidSignature:
		code, msg = 13, "Invalid signature"
	case model.CallbackPendingMissing:
		code, msg = 42, "Order not found"
	case model.CallbackAmountMismatch:
		code, msg = 42, "Invalid amount"
	}
	return Ack{Status: http.StatusOK, Body: map[string]any{
		"partnerCode": m.cfg.PartnerCode,
		"resultCode":  code,
		"message":     msg,
	}}
}
