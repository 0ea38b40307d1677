// Package reconcile turns a provider callback (server IPN or browser return) into at most
// one paid order. Both paths run the same routine; concurrent calls for one transaction
// reference collapse in-process (singleflight) and across instances (Redis lock), and the
// order transaction re-checks the reference so the outcome is the same either way.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"storefront/internal/apperr"
	"storefront/internal/checkout"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/order"
	"storefront/internal/payment"
	rediskey "storefront/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Result 一次回调的处理结果。
type Result struct {
	Provider       string
	Source         string
	TransactionRef string
	ResultCode     string
	Outcome        model.CallbackOutcome
	Order          *model.Order
	// Message 面向用户（回跳页面）
	Message string
	// Ack 面向渠道（IPN 应答）
	Ack payment.Ack
	Err error
}

type Reconciler struct {
	db        *gorm.DB
	rdb       *rd.Client
	providers payment.Registry
	checkout  *checkout.Service
	orders    *order.Repository
	metrics   *metrics.Metrics
	log       log.FieldLogger

	sf       singleflight.Group
	lockTTL  time.Duration
	lockWait time.Duration
	now      func() time.Time
}

type Deps struct {
	DB        *gorm.DB
	Redis     *rd.Client
	Providers payment.Registry
	Checkout  *checkout.Service
	Orders    *order.Repository
	Metrics   *metrics.Metrics
	Log       log.FieldLogger
}

func New(d Deps) *Reconciler {
	return &Reconciler{
		db:        d.DB,
		rdb:       d.Redis,
		providers: d.Providers,
		checkout:  d.Checkout,
		orders:    d.Orders,
		metrics:   d.Metrics,
		log:       d.Log,
		lockTTL:   30 * time.Second,
		lockWait:  5 * time.Second,
		now:       time.Now,
	}
}

// Reconcile 处理一次回调。只有渠道未知时返回 error；业务结果都在 Result 中。
func (r *Reconciler) Reconcile(ctx context.Context, providerName, source string, params map[string]string) (Result, error) {
	provider, err := r.providers.Get(providerName)
	if err != nil {
		return Result{}, err
	}

	v := provider.VerifyCallback(params)
	var res Result
	if !v.Valid {
		res = Result{Outcome: model.CallbackInvalidSignature, Err: apperr.ErrInvalidSignature}
	} else {
		shared, _, _ := r.sf.Do(provider.Name()+":"+v.TransactionRef, func() (interface{}, error) {
			return r.process(ctx, provider, v), nil
		})
		res = shared.(Result)
		res.TransactionRef = v.TransactionRef
		res.ResultCode = v.ResultCode
	}
	res.Provider = provider.Name()
	res.Source = source
	res.Message = userMessage(res.Outcome, v)
	res.Ack = provider.Acknowledge(res.Outcome)

	r.record(ctx, res, v, params)
	return res, nil
}

func (r *Reconciler) process(ctx context.Context, provider payment.Provider, v payment.Verification) Result {
	ref := v.TransactionRef
	release := r.lock(ctx, provider.Name(), ref)
	defer release()

	if !v.Success {
		if err := r.checkout.DiscardPending(ctx, ref); err != nil {
			r.log.WithError(err).WithField("txn_ref", ref).Warn("discard pending checkout")
		}
		return Result{Outcome: model.CallbackPaymentFailed}
	}

	if existing, err := r.orders.FindByTransactionRef(ctx, ref); err == nil {
		r.discard(ctx, ref)
		return Result{Outcome: model.CallbackDuplicate, Order: existing, Err: apperr.ErrDuplicateReconciliation}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return Result{Outcome: model.CallbackError, Err: apperr.System("find order by txn ref", err)}
	}

	pc, found, err := r.checkout.PendingCheckout(ctx, ref)
	if err != nil {
		return Result{Outcome: model.CallbackError, Err: apperr.System("load pending checkout", err)}
	}
	if !found {
		return Result{Outcome: model.CallbackPendingMissing, Err: apperr.ErrPendingCheckoutMissing}
	}
	// 容忍不足 1 的差额（渠道金额为整数）
	if v.Amount.Sub(pc.Total).Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Result{Outcome: model.CallbackAmountMismatch, Err: apperr.ErrAmountMismatch}
	}

	paidAt := r.now()
	o, err := r.checkout.Place(ctx, order.Draft{
		UserID:        pc.UserID,
		Contact:       pc.Contact,
		Note:          pc.Note,
		Lines:         pc.Lines,
		PaymentMethod: provider.Name(),
		Status:        model.OrderPaid,
		PaymentRef:    ref,
		ProviderTxnID: v.ProviderTxnID,
		PaidAt:        &paidAt,
	})
	switch {
	case errors.Is(err, apperr.ErrDuplicateReconciliation):
		if o == nil {
			o, _ = r.orders.FindByTransactionRef(ctx, ref)
		}
		r.discard(ctx, ref)
		return Result{Outcome: model.CallbackDuplicate, Order: o, Err: err}
	case err != nil:
		// 暂存保留给人工对账
		return Result{Outcome: model.CallbackError, Err: err}
	}
	r.discard(ctx, ref)
	return Result{Outcome: model.CallbackProcessed, Order: o}
}

func (r *Reconciler) discard(ctx context.Context, ref string) {
	if err := r.checkout.DiscardPending(ctx, ref); err != nil {
		r.log.WithError(err).WithField("txn_ref", ref).Warn("discard pending checkout")
	}
}

// lock 跨实例互斥。拿不到锁时最多等待 lockWait，随后照常处理（事务内的幂等检查兜底）。
func (r *Reconciler) lock(ctx context.Context, provider, ref string) func() {
	if r.rdb == nil {
		return func() {}
	}
	token := uuid.NewString()
	deadline := r.now().Add(r.lockWait)
	for {
		ok, err := rediskey.AcquireReconcileLock(ctx, r.rdb, provider, ref, token, r.lockTTL)
		if err != nil {
			r.log.WithError(err).WithField("txn_ref", ref).Warn("reconcile lock unavailable")
			return func() {}
		}
		if ok {
			return func() {
				if err := rediskey.ReleaseReconcileLockIfMatch(context.WithoutCancel(ctx), r.rdb, provider, ref, token); err != nil {
					r.log.WithError(err).WithField("txn_ref", ref).Warn("release reconcile lock")
				}
			}
		}
		if r.now().After(deadline) {
			return func() {}
		}
		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// record 记录日志、指标和回调流水（含原始报文），失败不影响应答。
func (r *Reconciler) record(ctx context.Context, res Result, v payment.Verification, params map[string]string) {
	payload, _ := json.Marshal(params)
	fields := log.Fields{
		"provider":    res.Provider,
		"source":      res.Source,
		"txn_ref":     res.TransactionRef,
		"result_code": res.ResultCode,
		"outcome":     res.Outcome.String(),
		"payload":     string(payload),
	}
	entry := r.log.WithFields(fields)
	if res.Err != nil {
		entry = entry.WithError(res.Err)
		var se *apperr.SystemError
		if errors.As(res.Err, &se) {
			entry = entry.WithField("cause", se.Err.Error())
		}
	}
	switch {
	case res.Outcome.NeedsAttention():
		entry.Error("payment callback needs manual reconciliation")
	case res.Outcome == model.CallbackInvalidSignature:
		entry.Warn("payment callback rejected")
	default:
		entry.Info("payment callback handled")
	}
	r.metrics.ObserveReconcile(res.Provider, res.Source, res.Outcome.String())

	cb := &model.PaymentCallback{
		TransactionRef: res.TransactionRef,
		Provider:       res.Provider,
		Source:         res.Source,
		ResultCode:     res.ResultCode,
		ProviderTxnID:  v.ProviderTxnID,
		Outcome:        res.Outcome,
		Payload:        string(payload),
	}
	if res.Order != nil {
		id := res.Order.ID
		cb.OrderID = &id
	}
	if res.Err != nil {
		msg := res.Err.Error()
		var se *apperr.SystemError
		if errors.As(res.Err, &se) && se.Err != nil {
			msg = se.Op + ": " + se.Err.Error()
		}
		cb.ErrorMsg = truncateRunes(msg, errorMsgMaxRunes)
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(cb).Error; err != nil {
		r.log.WithError(err).WithFields(fields).Warn("persist payment callback")
	}
}

// errorMsgMaxRunes 与 payment_callbacks.error_msg 列宽一致。
const errorMsgMaxRunes = 255

// truncateRunes 按字符（而非字节）截断，不切断多字节 UTF-8 字符。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Callbacks 管理端查看回调流水；attentionOnly 只看需要人工处理的。
func (r *Reconciler) Callbacks(ctx context.Context, attentionOnly bool, limit int) ([]model.PaymentCallback, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if attentionOnly {
		q = q.Where("outcome IN ?", []model.CallbackOutcome{
			model.CallbackPendingMissing, model.CallbackAmountMismatch, model.CallbackError,
		})
	}
	var list []model.PaymentCallback
	err := q.Find(&list).Error
	return list, err
}

func userMessage(o model.CallbackOutcome, v payment.Verification) string {
	switch o {
	case model.CallbackProcessed:
		return "Đơn hàng đã được tạo thành công"
	case model.CallbackDuplicate:
		return "Đơn hàng đã được xử lý"
	case model.CallbackPaymentFailed:
		return v.Message
	case model.CallbackInvalidSignature:
		return "Chữ ký không hợp lệ"
	case model.CallbackPendingMissing:
		return "Không tìm thấy thông tin đơn hàng (có thể đã hết hạn)"
	case model.CallbackAmountMismatch:
		return "Số tiền thanh toán không khớp với đơn hàng"
	default:
		return "Lỗi xử lý đơn hàng"
	}
}
