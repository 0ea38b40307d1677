package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"storefront/internal/apperr"
	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/inventory"
	"storefront/internal/logging"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/order"
	"storefront/internal/payment"
	"storefront/internal/payment/paymenttest"
	"storefront/internal/testutil"
	rediskey "storefront/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type env struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	pending  *rediskey.PendingStore
	checkout *checkout.Service
	rec      *Reconciler
	ledger   *inventory.Ledger
	vnpay    payment.Provider
}

func newEnv(t *testing.T) env {
	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)
	logger := logging.Discard()

	momoAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resultCode": 0, "payUrl": "https://momo.test/pay"})
	}))
	t.Cleanup(momoAPI.Close)

	vnp := payment.NewVNPay(paymenttest.VNPayConfig(), logger)
	providers := payment.NewRegistry(vnp, payment.NewMoMo(paymenttest.MoMoConfig(momoAPI.URL), logger))
	pending := rediskey.NewPendingStore(rdb, 30*time.Minute)
	ledger := inventory.NewLedger(db, logger)
	orders := order.NewRepository(db, logger)
	m := metrics.New()
	svc := checkout.NewService(checkout.Deps{
		DB:        db,
		Catalog:   catalog.NewRepository(db, logger),
		Ledger:    ledger,
		Orders:    orders,
		Pending:   pending,
		Providers: providers,
		Metrics:   m,
		Log:       logger,
	})
	rec := New(Deps{DB: db, Redis: rdb, Providers: providers, Checkout: svc, Orders: orders, Metrics: m, Log: logger})
	return env{db: db, mr: mr, pending: pending, checkout: svc, rec: rec, ledger: ledger, vnpay: vnp}
}

// park 创建一个在线支付的暂存购物车，返回交易号与金额。
func (e env) park(t *testing.T, p auth.Principal, method string, productID uint, qty int64, price string) (string, decimal.Decimal) {
	t.Helper()
	res, err := e.checkout.Submit(context.Background(), p, checkout.Cart{
		Contact: model.Contact{Name: "Pham D", Email: "d@example.com", Phone: "0933333333", Address: "9 Pasteur"},
		Lines:   []model.CartLine{{ProductID: productID, Quantity: qty, Price: testutil.Dec(price)}},
		PaymentMethod: method,
	}, "127.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, res.TransactionRef)
	return res.TransactionRef, res.Total
}

func (e env) seed(t *testing.T, qty int64) *model.Product {
	p := testutil.SeedProduct(t, e.db, "Đồng hồ", "25000")
	testutil.SeedBatch(t, e.db, p.ID, qty, "10000", time.Now())
	return p
}

func (e env) orderCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, e.db.Model(&model.Order{}).Count(&n).Error)
	return n
}

func (e env) stock(t *testing.T, id uint) int64 {
	n, err := e.ledger.AvailableQuantity(context.Background(), id)
	require.NoError(t, err)
	return n
}

func rspCode(ack payment.Ack) string { return ack.Body.(map[string]string)["RspCode"] }

func TestSuccessfulCallbackTwiceCreatesOneOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 5)
	uid := uint(11)
	ref, total := e.park(t, auth.Principal{UserID: &uid}, "vnpay", p.ID, 2, "25000")
	params := paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, total, "00", "14000777")

	first, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceIPN, params)
	require.NoError(t, err)
	require.NoError(t, first.Err)
	assert.Equal(t, model.CallbackProcessed, first.Outcome)
	assert.Equal(t, "00", rspCode(first.Ack))
	require.NotNil(t, first.Order)
	assert.Equal(t, model.OrderPaid, first.Order.Status)
	assert.NotNil(t, first.Order.PaidAt)
	require.NotNil(t, first.Order.PaymentTransactionRef)
	assert.Equal(t, ref, *first.Order.PaymentTransactionRef)
	assert.Contains(t, first.Order.Note, "14000777")
	require.NotNil(t, first.Order.UserID)
	assert.Equal(t, uid, *first.Order.UserID)
	assert.Equal(t, int64(3), e.stock(t, p.ID))

	second, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceReturn, params)
	require.NoError(t, err)
	assert.Equal(t, model.CallbackDuplicate, second.Outcome)
	assert.ErrorIs(t, second.Err, apperr.ErrDuplicateReconciliation)
	assert.Equal(t, "00", rspCode(second.Ack))
	require.NotNil(t, second.Order)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	assert.Equal(t, int64(1), e.orderCount(t))
	assert.Equal(t, int64(3), e.stock(t, p.ID))
	_, found, err := e.pending.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, found)

	calls, err := e.rec.Callbacks(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}

func TestExpiredPendingCheckoutIsNotMaterialized(t *testing.T) {
	e := newEnv(t)
	p := e.seed(t, 5)
	ref, total := e.park(t, auth.Principal{}, "vnpay", p.ID, 1, "25000")

	e.mr.FastForward(31 * time.Minute)

	res, err := e.rec.Reconcile(context.Background(), "vnpay", payment.SourceIPN,
		paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, total, "00", "1"))
	require.NoError(t, err)
	assert.Equal(t, model.CallbackPendingMissing, res.Outcome)
	assert.ErrorIs(t, res.Err, apperr.ErrPendingCheckoutMissing)
	assert.Equal(t, "01", rspCode(res.Ack))
	assert.Zero(t, e.orderCount(t))
	assert.Equal(t, int64(5), e.stock(t, p.ID))

	attention, err := e.rec.Callbacks(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, ref, attention[0].TransactionRef)
}

func TestInvalidSignatureTakesNoAction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 5)
	ref, total := e.park(t, auth.Principal{}, "vnpay", p.ID, 1, "25000")

	params := paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, total, "00", "1")
	params["vnp_SecureHash"] = "00ff"

	res, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceIPN, params)
	require.NoError(t, err)
	assert.Equal(t, model.CallbackInvalidSignature, res.Outcome)
	assert.ErrorIs(t, res.Err, apperr.ErrInvalidSignature)
	assert.Equal(t, "97", rspCode(res.Ack))
	assert.Zero(t, e.orderCount(t))

	_, found, err := e.pending.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFailedPaymentDiscardsPendingCheckout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 5)
	ref, total := e.park(t, auth.Principal{}, "vnpay", p.ID, 1, "25000")

	res, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceReturn,
		paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, total, "24", "0"))
	require.NoError(t, err)
	assert.Equal(t, model.CallbackPaymentFailed, res.Outcome)
	assert.Equal(t, "Khách hàng hủy giao dịch.", res.Message)
	assert.Equal(t, "00", rspCode(res.Ack))

	_, found, err := e.pending.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, e.orderCount(t))
	assert.Equal(t, int64(5), e.stock(t, p.ID))
}

func TestAmountMismatchKeepsPendingForOperators(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 5)
	ref, _ := e.park(t, auth.Principal{}, "vnpay", p.ID, 2, "25000")

	res, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceIPN,
		paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, testutil.Dec("10000"), "00", "1"))
	require.NoError(t, err)
	assert.Equal(t, model.CallbackAmountMismatch, res.Outcome)
	assert.ErrorIs(t, res.Err, apperr.ErrAmountMismatch)
	assert.Equal(t, "04", rspCode(res.Ack))
	assert.Zero(t, e.orderCount(t))

	_, found, err := e.pending.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStockGoneBeforePaymentIsSurfaced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 2)
	ref, total := e.park(t, auth.Principal{}, "vnpay", p.ID, 2, "25000")
	_, err := e.ledger.Deduct(ctx, p.ID, 1)
	require.NoError(t, err)

	res, err := e.rec.Reconcile(ctx, "vnpay", payment.SourceIPN,
		paymenttest.VNPayCallback(paymenttest.VNPayConfig(), ref, total, "00", "1"))
	require.NoError(t, err)
	assert.Equal(t, model.CallbackError, res.Outcome)
	assert.Equal(t, "99", rspCode(res.Ack))
	var se *apperr.InsufficientStockError
	assert.ErrorAs(t, res.Err, &se)
	assert.Zero(t, e.orderCount(t))
	assert.Equal(t, int64(1), e.stock(t, p.ID))

	_, found, err := e.pending.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestConcurrentIPNAndReturnCreateOneOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.seed(t, 10)
	ref, total := e.park(t, auth.Principal{}, "momo", p.ID, 3, "25000")
	params := paymenttest.MoMoCallback(paymenttest.MoMoConfig(""), ref, total, 0, "2900001")

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := payment.SourceIPN
			if i%2 == 1 {
				source = payment.SourceReturn
			}
			res, err := e.rec.Reconcile(ctx, "momo", source, params)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.Contains(t, []model.CallbackOutcome{model.CallbackProcessed, model.CallbackDuplicate}, res.Outcome)
		require.NotNil(t, res.Order)
		assert.Equal(t, 0, res.Ack.Body.(map[string]any)["resultCode"])
	}
	assert.Equal(t, int64(1), e.orderCount(t))
	assert.Equal(t, int64(7), e.stock(t, p.ID))

	var o model.Order
	require.NoError(t, e.db.First(&o).Error)
	assert.Nil(t, o.UserID)
	assert.Equal(t, "momo", o.PaymentMethod)
	assert.Equal(t, "2900001", o.ProviderTxnID)
}

func TestUnknownProvider(t *testing.T) {
	e := newEnv(t)
	_, err := e.rec.Reconcile(context.Background(), "zalopay", payment.SourceIPN, map[string]string{})
	assert.ErrorIs(t, err, apperr.ErrUnknownPaymentMethod)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "Thẻ", truncateRunes("Thẻ/Tài khoản", 3))
	assert.Equal(t, "", truncateRunes("ệ", 0))
}

func TestCallbackErrorMessageKeepsValidUTF8(t *testing.T) {
	e := newEnv(t)
	long := strings.Repeat("ệ", 300) // 每个字符 3 字节
	e.rec.record(context.Background(), Result{
		Provider:       "vnpay",
		Source:         payment.SourceIPN,
		TransactionRef: "VNP_1_eeee4444",
		Outcome:        model.CallbackError,
		Err:            errors.New(long),
	}, payment.Verification{Valid: true, TransactionRef: "VNP_1_eeee4444"}, map[string]string{"vnp_TxnRef": "VNP_1_eeee4444"})

	var cb model.PaymentCallback
	require.NoError(t, e.db.Where("transaction_ref = ?", "VNP_1_eeee4444").First(&cb).Error)
	assert.True(t, utf8.ValidString(cb.ErrorMsg))
	assert.Equal(t, errorMsgMaxRunes, utf8.RuneCountInString(cb.ErrorMsg))
}
