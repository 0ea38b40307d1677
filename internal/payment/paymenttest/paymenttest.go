// Package paymenttest builds correctly signed provider callbacks for tests.
package paymenttest

import (
	"strconv"

	"storefront/internal/config"
	"storefront/internal/payment"

	"github.com/shopspring/decimal"
)

func VNPayConfig() config.VNPayConfig {
	return config.VNPayConfig{
		TmnCode:    "TESTTMN1",
		HashSecret: "test-vnpay-secret",
		PayURL:     "https://sandbox.vnpayment.test/pay",
		ReturnURL:  "http://localhost:3000/checkout/result",
		MinAmount:  10000,
	}
}

func MoMoConfig(endpoint string) config.MoMoConfig {
	return config.MoMoConfig{
		Endpoint:    endpoint,
		PartnerCode: "MOMOTEST",
		AccessKey:   "test-access",
		SecretKey:   "test-momo-secret",
		RedirectURL: "http://localhost:3000/checkout/result",
		IPNURL:      "http://localhost:8080/api/payments/momo/ipn",
		MinAmount:   1000,
	}
}

// VNPayCallback 模拟 VNPay 回调参数（IPN 与回跳相同）。
func VNPayCallback(cfg config.VNPayConfig, ref string, amount decimal.Decimal, code, txnNo string) map[string]string {
	params := map[string]string{
		"vnp_TmnCode":       cfg.TmnCode,
		"vnp_Amount":        amount.Mul(decimal.NewFromInt(100)).Round(0).String(),
		"vnp_BankCode":      "NCB",
		"vnp_OrderInfo":     "Thanh toan don hang " + ref,
		"vnp_PayDate":       "20240101120000",
		"vnp_ResponseCode":  code,
		"vnp_TransactionNo": txnNo,
		"vnp_TxnRef":        ref,
	}
	params["vnp_SecureHash"] = payment.SignVNPay(cfg.HashSecret, params)
	params["vnp_SecureHashType"] = "HmacSHA512"
	return params
}

// MoMoCallback 模拟 MoMo IPN 参数。
func MoMoCallback(cfg config.MoMoConfig, ref string, amount decimal.Decimal, resultCode int, transID string) map[string]string {
	params := map[string]string{
		"partnerCode":  cfg.PartnerCode,
		"orderId":      ref,
		"requestId":    ref,
		"amount":       amount.Round(0).String(),
		"orderInfo":    "Thanh toan don hang #" + ref,
		"orderType":    "momo_wallet",
		"transId":      transID,
		"resultCode":   strconv.Itoa(resultCode),
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1700000000000",
		"extraData":    "",
	}
	params["signature"] = payment.SignMoMoCallback(cfg.AccessKey, cfg.SecretKey, params)
	return params
}
