// Package notify delivers order confirmations. Delivery is always best effort: callers log
// and drop the error, an order is never rolled back because a mail could not be sent.
package notify

import (
	"context"
	"sync"
	"time"

	"storefront/internal/model"

	log "github.com/sirupsen/logrus"
)

// Notifier 订单确认通知。
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order *model.Order) error
}

// LogMailer 未配置 SMTP 时使用，只打日志。
type LogMailer struct {
	Log log.FieldLogger
}

func (m LogMailer) SendOrderConfirmation(_ context.Context, o *model.Order) error {
	m.Log.WithFields(log.Fields{
		"order_id": o.ID,
		"order_no": o.OrderNo,
		"email":    o.Contact.Email,
		"total":    o.Total.StringFixed(2),
	}).Info("order confirmation (smtp disabled)")
	return nil
}

// Async 在后台 goroutine 中发送，调用方立即返回。
type Async struct {
	next    Notifier
	log     log.FieldLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, logger log.FieldLogger, timeout time.Duration) *Async {
	return &Async{next: next, log: logger, timeout: timeout}
}

func (a *Async) SendOrderConfirmation(ctx context.Context, o *model.Order) error {
	snapshot := *o
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// 请求结束不应取消发信
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.SendOrderConfirmation(sendCtx, &snapshot); err != nil {
			a.log.WithError(err).WithField("order_id", snapshot.ID).Warn("order confirmation failed")
		}
	}()
	return nil
}

// Wait 等待在途发送结束（优雅退出、测试用）。
func (a *Async) Wait() { a.wg.Wait() }
