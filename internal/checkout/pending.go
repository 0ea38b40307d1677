package checkout

import (
	"context"
	"errors"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
)

const (
	StatePending   = "pending"
	StateCompleted = "completed"
	StateUnknown   = "unknown"
)

// PendingStatus 在线支付交易号的当前状态。
type PendingStatus struct {
	TransactionRef string          `json:"transaction_ref"`
	State          string          `json:"state"`
	Provider       string          `json:"provider,omitempty"`
	Total          decimal.Decimal `json:"total"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	OrderID        uint            `json:"order_id,omitempty"`
	OrderNo        string          `json:"order_no,omitempty"`
	OrderStatus    string          `json:"order_status,omitempty"`
}

// Status 先查订单（已对账），再查暂存；都没有则为 unknown（未知或已过期）。
// 只有下单人本人（或游客单）可以看到详情。
func (s *Service) Status(ctx context.Context, userID *uint, ref string) (PendingStatus, error) {
	out := PendingStatus{TransactionRef: ref, State: StateUnknown, Total: decimal.Zero}

	o, err := s.orders.FindByTransactionRef(ctx, ref)
	switch {
	case err == nil:
		if !sameOwner(o.UserID, userID) {
			return out, apperr.ErrForbidden
		}
		out.State = StateCompleted
		out.Provider = o.PaymentMethod
		out.Total = o.Total
		out.OrderID = o.ID
		out.OrderNo = o.OrderNo
		out.OrderStatus = o.Status.String()
		return out, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return out, s.systemError("checkout status", err, nil)
	}

	pc, found, err := s.pending.Get(ctx, ref)
	if err != nil {
		return out, s.systemError("checkout status", err, nil)
	}
	if !found {
		return out, nil
	}
	if !sameOwner(pc.UserID, userID) {
		return out, apperr.ErrForbidden
	}
	out.State = StatePending
	out.Provider = pc.Provider
	out.Total = pc.Total
	expires := pc.ExpiresAt
	out.ExpiresAt = &expires
	return out, nil
}

func sameOwner(owner, caller *uint) bool {
	if owner == nil {
		return true
	}
	return caller != nil && *caller == *owner
}

// RunReaper 定期清理过期暂存的索引（键本身随 TTL 过期），直到 ctx 取消。
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.pending.Reap(ctx, s.now())
			if err != nil {
				s.log.WithError(err).Warn("reap pending checkouts")
				continue
			}
			if n > 0 {
				s.log.WithField("count", n).Info("expired pending checkouts reaped")
			}
		}
	}
}

// PendingCheckout 读取暂存数据，供对账使用。
func (s *Service) PendingCheckout(ctx context.Context, ref string) (model.PendingCheckout, bool, error) {
	return s.pending.Get(ctx, ref)
}

// DiscardPending 删除暂存（支付失败或已落单）。
func (s *Service) DiscardPending(ctx context.Context, ref string) error {
	return s.pending.Delete(ctx, ref)
}
