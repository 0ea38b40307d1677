package payment

import (
	"context"
	"crypto/sha512"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront/internal/config"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	vnpaySuccessCode = "00"
	vnpayVersion     = "2.1.0"
)

// vnpayZone VNPay 要求时间为越南时区（无夏令时）。
var vnpayZone = time.FixedZone("ICT", 7*60*60)

var vnpayMessages = map[string]string{
	"07": "Trừ tiền thành công. Giao dịch bị nghi ngờ (liên quan tới lừa đảo, giao dịch bất thường).",
	"09": "Thẻ/Tài khoản chưa đăng ký dịch vụ InternetBanking tại ngân hàng.",
	"10": "Khách hàng xác thực thông tin thẻ/tài khoản không đúng quá 3 lần.",
	"11": "Đã hết hạn chờ thanh toán. Xin quý khách vui lòng thực hiện lại giao dịch.",
	"12": "Thẻ/Tài khoản bị khóa.",
	"13": "Quý khách nhập sai mật khẩu xác thực giao dịch (OTP).",
	"24": "Khách hàng hủy giao dịch.",
	"51": "Tài khoản không đủ số dư để thực hiện giao dịch.",
	"65": "Tài khoản đã vượt quá hạn mức giao dịch trong ngày.",
	"75": "Ngân hàng thanh toán đang bảo trì.",
	"79": "Khách hàng nhập sai mật khẩu thanh toán quá số lần quy định.",
	"99": "Lỗi không xác định.",
}

// VNPayMessage 把 VNPay 响应码翻译成用户可读的说明。
func VNPayMessage(code string) string {
	if code == vnpaySuccessCode {
		return "Thanh toán thành công"
	}
	if m, ok := vnpayMessages[code]; ok {
		return m
	}
	return fmt.Sprintf("Thanh toán thất bại (Mã lỗi: %s)", code)
}

// VNPay 签名：HMAC-SHA512，覆盖按 key 排序、URL 编码后的全部 vnp_* 参数。
type VNPay struct {
	cfg config.VNPayConfig
	log log.FieldLogger
	now func() time.Time
}

func NewVNPay(cfg config.VNPayConfig, logger log.FieldLogger) *VNPay {
	return &VNPay{cfg: cfg, log: logger, now: time.Now}
}

func (v *VNPay) Name() string      { return "vnpay" }
func (v *VNPay) RefPrefix() string { return "VNP" }

func (v *VNPay) MinimumAmount() decimal.Decimal { return decimal.NewFromInt(v.cfg.MinAmount) }

// BuildRedirect 金额以“分”为单位（×100），有效期 ExpireAfter。
func (v *VNPay) BuildRedirect(_ context.Context, req RedirectRequest) (string, error) {
	if req.TransactionRef == "" {
		return "", fmt.Errorf("vnpay: transaction ref is required")
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	info := req.OrderInfo
	if info == "" {
		info = "Thanh toan don hang " + req.TransactionRef
	}
	now := v.now().In(vnpayZone)

	params := map[string]string{
		"vnp_Version":    vnpayVersion,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    v.cfg.TmnCode,
		"vnp_Amount":     req.Amount.Mul(decimal.NewFromInt(100)).Round(0).String(),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.TransactionRef,
		"vnp_OrderInfo":  info,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  v.cfg.ReturnURL,
		"vnp_IpAddr":     ip,
		"vnp_CreateDate": now.Format("20060102150405"),
		"vnp_ExpireDate": now.Add(v.cfg.ExpireAfter).Format("20060102150405"),
	}
	query := vnpayCanonical(params)
	hash := SignVNPay(v.cfg.HashSecret, params)

	v.log.WithFields(log.Fields{
		"provider": v.Name(),
		"txn_ref":  req.TransactionRef,
		"amount":   params["vnp_Amount"],
	}).Info("vnpay redirect built")
	return v.cfg.PayURL + "?" + query + "&vnp_SecureHash=" + hash, nil
}

// VerifyCallback 重新计算签名（排除 vnp_SecureHash / vnp_SecureHashType）。
func (v *VNPay) VerifyCallback(params map[string]string) Verification {
	got := params["vnp_SecureHash"]
	signed := make(map[string]string, len(params))
	for k, val := range params {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		signed[k] = val
	}
	if got == "" || len(signed) == 0 {
		return Verification{}
	}
	if !signatureEqual(SignVNPay(v.cfg.HashSecret, signed), got) {
		return Verification{}
	}

	amount := decimal.Zero
	if raw, err := strconv.ParseInt(params["vnp_Amount"], 10, 64); err == nil {
		amount = decimal.New(raw, -2)
	}
	code := params["vnp_ResponseCode"]
	return Verification{
		Valid:          true,
		TransactionRef: params["vnp_TxnRef"],
		ResultCode:     code,
		ProviderTxnID:  params["vnp_TransactionNo"],
		Amount:         amount,
		Success:        code == vnpaySuccessCode,
		Message:        VNPayMessage(code),
	}
}

// Acknowledge VNPay IPN 约定：HTTP 200 + {RspCode, Message}。
func (v *VNPay) Acknowledge(outcome model.CallbackOutcome) Ack {
	code, msg := "99", "System Error"
	switch outcome {
	case model.CallbackProcessed, model.CallbackDuplicate:
		code, msg = "00", "Confirm Success"
	case model.CallbackPaymentFailed:
		code, msg = "00", "Payment Failed Acknowledged"
	case model.CallbackInvalidSignature:
		code, msg = "97", "Invalid signature"
	case model.CallbackPendingMissing:
		code, msg = "01", "Order not found"
	case model.CallbackAmountMismatch:
		code, msg = "04", "Invalid amount"
	}
	return Ack{Status: http.StatusOK, Body: map[string]string{"RspCode": code, "Message": msg}}
}

// SignVNPay 对参数集合计算 vnp_SecureHash（调用方负责剔除签名字段本身）。
func SignVNPay(secret string, params map[string]string) string {
	return sign(sha512.New, secret, vnpayCanonical(params))
}

// vnpayCanonical 按 key 排序拼接 k=v&k=v，key/value 均做表单 URL 编码。
func vnpayCanonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(formEncode(k))
		b.WriteByte('=')
		b.WriteString(formEncode(params[k]))
	}
	return b.String()
}

// formEncode 与 VNPay 示例代码的 urlencode 一致：空格为 +，~ 也要编码。
func formEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}
