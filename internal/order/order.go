// Package order owns the order aggregate: header plus lines persisted as one unit,
// total computation, and status transitions.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Draft 是创建订单所需的全部输入。
type Draft struct {
	UserID        *uint
	Contact       model.Contact
	Note          string
	Lines         []model.CartLine
	PaymentMethod string
	Status        model.OrderStatus

	// 在线支付才有：交易号写入唯一列，同时追加到备注方便人工查看
	PaymentRef    string
	ProviderTxnID string
	PaidAt        *time.Time
}

// Filter 管理端订单列表筛选条件。
type Filter struct {
	Status        *model.OrderStatus
	PaymentMethod string
	UserID        *uint
	Limit         int
	Offset        int
}

type Repository struct {
	db  *gorm.DB
	log log.FieldLogger
	now func() time.Time
}

func NewRepository(db *gorm.DB, logger log.FieldLogger) *Repository {
	return &Repository{db: db, log: logger, now: time.Now}
}

// WithTx 返回绑定到外部事务的仓储。
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx, log: r.log, now: r.now}
}

// Create 计算合计并在一个单元内写入订单头和明细。
// 交易号唯一索引冲突时返回 apperr.ErrDuplicateReconciliation。
func (r *Repository) Create(ctx context.Context, d Draft) (*model.Order, error) {
	if len(d.Lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	if !d.Status.Valid() {
		return nil, fmt.Errorf("create order: invalid status %d", d.Status)
	}

	// 先把单价/折扣规整到两位小数，行金额与合计都基于规整后的值
	cart := make([]model.CartLine, len(d.Lines))
	lines := make([]model.OrderLine, 0, len(d.Lines))
	for i, l := range d.Lines {
		l.Price = l.Price.Round(2)
		l.Discount = l.Discount.Round(2)
		cart[i] = l
		lines = append(lines, model.OrderLine{
			ProductID:    l.ProductID,
			Quantity:     l.Quantity,
			Price:        l.Price,
			Discount:     l.Discount,
			Amount:       l.Amount(),
			VariantLabel: l.VariantLabel,
		})
	}

	o := &model.Order{
		OrderNo:       newOrderNo(r.now()),
		UserID:        d.UserID,
		Contact:       d.Contact,
		Note:          d.Note,
		Total:         model.CartTotal(cart),
		PaymentMethod: d.PaymentMethod,
		Status:        d.Status,
		ProviderTxnID: d.ProviderTxnID,
		PaidAt:        d.PaidAt,
		Lines:         lines,
	}
	if d.PaymentRef != "" {
		ref := d.PaymentRef
		o.PaymentTransactionRef = &ref
		o.Note = appendNote(o.Note, fmt.Sprintf("%s TxnRef: %s | TransNo: %s", d.PaymentMethod, d.PaymentRef, d.ProviderTxnID))
	}

	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		if d.PaymentRef != "" && isUniqueViolation(err) {
			return nil, apperr.ErrDuplicateReconciliation
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// FindByTransactionRef 按在线支付交易号查找订单。
func (r *Repository) FindByTransactionRef(ctx context.Context, ref string) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Where("payment_transaction_ref = ?", ref).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("find order by txn ref: %w", err)
	}
	return &o, nil
}

// Get 查询订单及明细。
func (r *Repository) Get(ctx context.Context, id uint) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Preload("Lines").First(&o, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return &o, nil
}

// ListByUser 用户自己的订单，新的在前。
func (r *Repository) ListByUser(ctx context.Context, userID uint) ([]model.Order, error) {
	var list []model.Order
	err := r.db.WithContext(ctx).Preload("Lines").
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&list).Error
	return list, err
}

// List 管理端分页查询。
func (r *Repository) List(ctx context.Context, f Filter) ([]model.Order, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Order{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.PaymentMethod != "" {
		q = q.Where("payment_method = ?", f.PaymentMethod)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 10
	}
	var list []model.Order
	err := q.Preload("Lines").Order("created_at DESC, id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&list).Error
	return list, total, err
}

// Transition 校验并修改内存中的订单状态。
// 状态模型是宽松的：只有“取消”要求当前为待处理，其他迁移都允许（管理端覆盖）。
func Transition(o *model.Order, next model.OrderStatus, now time.Time) error {
	if !next.Valid() {
		v := &apperr.ValidationError{}
		v.Add("status", fmt.Sprintf("unknown status %d", next))
		return v
	}
	if next == model.OrderCancelled && o.Status != model.OrderPending {
		return &apperr.InvalidTransitionError{From: o.Status.String(), To: next.String()}
	}
	if next == model.OrderPaid && o.PaidAt == nil {
		o.PaidAt = &now
	}
	o.Status = next
	return nil
}

// TransitionStatus 管理端改状态。
func (r *Repository) TransitionStatus(ctx context.Context, orderID uint, next model.OrderStatus) (*model.Order, error) {
	return r.transition(ctx, orderID, next, nil)
}

// Cancel 用户取消自己的订单，仅待处理状态可取消。
func (r *Repository) Cancel(ctx context.Context, orderID, userID uint) (*model.Order, error) {
	return r.transition(ctx, orderID, model.OrderCancelled, &userID)
}

func (r *Repository) transition(ctx context.Context, orderID uint, next model.OrderStatus, owner *uint) (*model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", orderID)
		if owner != nil {
			q = q.Where("user_id = ?", *owner)
		}
		if err := q.First(&o).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		from := o.Status
		if err := Transition(&o, next, r.now()); err != nil {
			return err
		}
		if err := tx.Model(&o).Select("status", "paid_at").Updates(&o).Error; err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		r.log.WithFields(log.Fields{
			"order_id": o.ID,
			"from":     from.String(),
			"to":       next.String(),
		}).Info("order status updated")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// newOrderNo 生成订单号：日期 + uuid 前 10 位。
func newOrderNo(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "OD" + now.Format("20060102") + id[:10]
}

func appendNote(note, extra string) string {
	if note == "" {
		return extra
	}
	return note + " | " + extra
}

// isUniqueViolation 幂等：唯一索引冲突视为已处理。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
