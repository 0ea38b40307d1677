// Package checkout turns a submitted cart into either a committed order (cash on delivery)
// or a parked checkout plus a payment redirect (online providers).
//
// Stock is only ever mutated inside Place: one database transaction that deducts every
// product through the inventory ledger and creates the order. Provider calls and
// notifications happen outside that transaction.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/inventory"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/notify"
	"storefront/internal/order"
	"storefront/internal/payment"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Cart 下单请求。
type Cart struct {
	Contact       model.Contact    `json:"contact"`
	Note          string           `json:"note" validate:"max=500"`
	Lines         []model.CartLine `json:"lines" validate:"dive"`
	PaymentMethod string           `json:"payment_method"`
}

// Result COD 返回订单信息；在线支付返回跳转链接与交易号。
type Result struct {
	OrderID        uint            `json:"order_id,omitempty"`
	OrderNo        string          `json:"order_no,omitempty"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	Total          decimal.Decimal `json:"total"`
}

// PendingStore 在线支付暂存（Redis 实现见 pkg/redis）。
type PendingStore interface {
	Put(ctx context.Context, pc model.PendingCheckout) error
	Get(ctx context.Context, ref string) (model.PendingCheckout, bool, error)
	Delete(ctx context.Context, ref string) error
	Reap(ctx context.Context, now time.Time) (int64, error)
	TTL() time.Duration
}

type Deps struct {
	DB        *gorm.DB
	Catalog   *catalog.Repository
	Ledger    *inventory.Ledger
	Orders    *order.Repository
	Pending   PendingStore
	Providers payment.Registry
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Log       log.FieldLogger
}

type Service struct {
	db        *gorm.DB
	catalog   *catalog.Repository
	ledger    *inventory.Ledger
	orders    *order.Repository
	pending   PendingStore
	providers payment.Registry
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       log.FieldLogger
	validate  *validator.Validate
	now       func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		db:        d.DB,
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		orders:    d.Orders,
		pending:   d.Pending,
		providers: d.Providers,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		log:       d.Log,
		validate:  newValidator(),
		now:       time.Now,
	}
}

// Submit 校验购物车、预检查库存，然后按支付方式分支。
func (s *Service) Submit(ctx context.Context, p auth.Principal, cart Cart, clientIP string) (Result, error) {
	method := strings.ToLower(strings.TrimSpace(cart.PaymentMethod))
	if method == "" {
		method = model.PaymentCOD
	}
	res, err := s.submit(ctx, p, cart, method, clientIP)
	s.metrics.ObserveCheckout(method, resultLabel(res, err))
	return res, err
}

func (s *Service) submit(ctx context.Context, p auth.Principal, cart Cart, method, clientIP string) (Result, error) {
	if len(cart.Lines) == 0 {
		return Result{}, apperr.ErrEmptyCart
	}
	cart = normalize(cart)

	v := &apperr.ValidationError{}
	var provider payment.Provider
	if method != model.PaymentCOD {
		var err error
		if provider, err = s.providers.Get(method); err != nil {
			v.Add("payment_method", fmt.Sprintf("unsupported payment method %q", method))
		}
	}
	if err := s.validateCart(ctx, cart, v); err != nil {
		return Result{}, err
	}
	if err := v.OrNil(); err != nil {
		return Result{}, err
	}
	if err := s.precheckStock(ctx, cart.Lines); err != nil {
		return Result{}, err
	}

	total := model.CartTotal(cart.Lines)
	if provider == nil {
		o, err := s.Place(ctx, order.Draft{
			UserID:        p.UserID,
			Contact:       cart.Contact,
			Note:          cart.Note,
			Lines:         cart.Lines,
			PaymentMethod: model.PaymentCOD,
			Status:        model.OrderPending,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{OrderID: o.ID, OrderNo: o.OrderNo, Total: o.Total}, nil
	}
	return s.park(ctx, p, cart, provider, total, clientIP)
}

// park 在线支付：暂存购物车并生成跳转链接，不改库存、不建订单。
func (s *Service) park(ctx context.Context, p auth.Principal, cart Cart, provider payment.Provider, total decimal.Decimal, clientIP string) (Result, error) {
	if minimum := provider.MinimumAmount(); total.LessThan(minimum) {
		return Result{}, &apperr.BelowMinimumError{Provider: provider.Name(), Amount: total, Minimum: minimum}
	}

	now := s.now()
	ref := NewTransactionRef(provider.RefPrefix(), now)
	pc := model.PendingCheckout{
		TransactionRef: ref,
		Provider:       provider.Name(),
		UserID:         p.UserID,
		Contact:        cart.Contact,
		Note:           cart.Note,
		Lines:          cart.Lines,
		Total:          total,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.pending.TTL()),
	}
	if err := s.pending.Put(ctx, pc); err != nil {
		return Result{}, s.systemError("park checkout", err, log.Fields{"txn_ref": ref})
	}

	url, err := provider.BuildRedirect(ctx, payment.RedirectRequest{
		TransactionRef: ref,
		Amount:         total,
		ClientIP:       clientIP,
	})
	if err != nil {
		if delErr := s.pending.Delete(ctx, ref); delErr != nil {
			s.log.WithError(delErr).WithField("txn_ref", ref).Warn("discard pending checkout")
		}
		return Result{}, s.systemError("build payment redirect", err, log.Fields{"txn_ref": ref, "provider": provider.Name()})
	}

	s.log.WithFields(log.Fields{
		"txn_ref":  ref,
		"provider": provider.Name(),
		"total":    total.StringFixed(2),
	}).Info("checkout parked for online payment")
	return Result{RedirectURL: url, TransactionRef: ref, Total: total}, nil
}

// Place 在一个事务内扣减库存并创建订单（COD 与支付对账共用）。
// 带交易号的草稿在同一事务内做幂等检查：已存在时返回该订单和 apperr.ErrDuplicateReconciliation。
func (s *Service) Place(ctx context.Context, d order.Draft) (*model.Order, error) {
	if len(d.Lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	qty := make(map[uint]int64, len(d.Lines))
	for i, l := range d.Lines {
		if l.Quantity < 1 || l.Quantity > model.MaxLineQuantity {
			v := &apperr.ValidationError{}
			v.Add(fmt.Sprintf("lines[%d].qty", i), fmt.Sprintf("must be between 1 and %d", model.MaxLineQuantity))
			return nil, v
		}
		qty[l.ProductID] += l.Quantity
	}
	// 固定加锁顺序，避免跨商品死锁
	ids := make([]uint, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		placed *model.Order
		units  int64
		cogs   = decimal.Zero
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders := s.orders.WithTx(tx)
		if d.PaymentRef != "" {
			existing, err := orders.FindByTransactionRef(ctx, d.PaymentRef)
			if err == nil {
				placed = existing
				return apperr.ErrDuplicateReconciliation
			}
			if !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
		}

		ledger := s.ledger.WithTx(tx)
		for _, id := range ids {
			res, err := ledger.Deduct(ctx, id, qty[id])
			if err != nil {
				return err
			}
			units += qty[id]
			cogs = cogs.Add(res.Cost)
		}

		o, err := orders.Create(ctx, d)
		if err != nil {
			return err
		}
		placed = o
		return nil
	})
	if errors.Is(err, apperr.ErrDuplicateReconciliation) {
		return placed, err
	}
	if err != nil {
		return nil, s.systemError("place order", err, log.Fields{"payment_method": d.PaymentMethod, "txn_ref": d.PaymentRef})
	}

	s.metrics.ObserveDeducted(units)
	s.log.WithFields(log.Fields{
		"order_id":       placed.ID,
		"order_no":       placed.OrderNo,
		"payment_method": placed.PaymentMethod,
		"total":          placed.Total.StringFixed(2),
		"cogs":           cogs.StringFixed(2),
	}).Info("order placed")
	s.notify(ctx, placed)
	return placed, nil
}

// notify 尽力而为：失败只记日志，绝不影响已提交的订单。
func (s *Service) notify(ctx context.Context, o *model.Order) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("order_id", o.ID).Errorf("order confirmation panicked: %v", r)
		}
	}()
	if err := s.notifier.SendOrderConfirmation(ctx, o); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("order confirmation failed")
	}
}

// validateCart 把全部违规追加到 v；只有读取商品失败时返回 error。
func (s *Service) validateCart(ctx context.Context, cart Cart, v *apperr.ValidationError) error {
	collect(v, s.validate.Struct(cart))

	ids := make([]uint, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		if l.ProductID != 0 {
			ids = append(ids, l.ProductID)
		}
	}
	products, err := s.catalog.GetMany(ctx, ids)
	if err != nil {
		return s.systemError("load products", err, nil)
	}

	for i, l := range cart.Lines {
		prefix := fmt.Sprintf("lines[%d].", i)
		if l.ProductID != 0 {
			if _, ok := products[l.ProductID]; !ok {
				v.Add(prefix+"product_id", fmt.Sprintf("product %d does not exist", l.ProductID))
			}
		}
		if l.Price.IsNegative() {
			v.Add(prefix+"price", "must not be negative")
		}
		if l.Discount.IsNegative() {
			v.Add(prefix+"discount", "must not be negative")
		} else if l.Quantity > 0 && !l.Price.IsNegative() && l.Discount.GreaterThan(l.Price.Mul(decimal.NewFromInt(l.Quantity))) {
			v.Add(prefix+"discount", "must not exceed qty * price")
		}
	}
	return nil
}

// precheckStock 按商品汇总需求后与当前库存比较。仅做预检查，真正的校验在 Place 的锁内。
func (s *Service) precheckStock(ctx context.Context, lines []model.CartLine) error {
	need := make(map[uint]int64, len(lines))
	seen := make([]uint, 0, len(lines))
	for _, l := range lines {
		if _, ok := need[l.ProductID]; !ok {
			seen = append(seen, l.ProductID)
		}
		need[l.ProductID] += l.Quantity
	}
	available, err := s.ledger.AvailableQuantities(ctx, seen)
	if err != nil {
		return s.systemError("precheck stock", err, nil)
	}
	for _, id := range seen {
		if need[id] > available[id] {
			return &apperr.InsufficientStockError{ProductID: id, Requested: need[id], Available: available[id]}
		}
	}
	return nil
}

func (s *Service) systemError(op string, err error, fields log.Fields) error {
	if apperr.IsDomain(err) {
		return err
	}
	s.log.WithError(err).WithFields(fields).WithField("op", op).Error("checkout system error")
	return apperr.System(op, err)
}

// NewTransactionRef 生成交易号：<前缀>_<unix 秒>_<8 位随机十六进制>。
func NewTransactionRef(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", prefix, now.Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func normalize(cart Cart) Cart {
	cart.Contact.Name = strings.TrimSpace(cart.Contact.Name)
	cart.Contact.Email = strings.TrimSpace(cart.Contact.Email)
	cart.Contact.Phone = strings.TrimSpace(cart.Contact.Phone)
	cart.Contact.Address = strings.TrimSpace(cart.Contact.Address)
	cart.Note = strings.TrimSpace(cart.Note)
	lines := make([]model.CartLine, len(cart.Lines))
	for i, l := range cart.Lines {
		l.Price = l.Price.Round(2)
		l.Discount = l.Discount.Round(2)
		l.VariantLabel = strings.TrimSpace(l.VariantLabel)
		lines[i] = l
	}
	cart.Lines = lines
	return cart
}

func resultLabel(res Result, err error) string {
	var (
		ve *apperr.ValidationError
		se *apperr.InsufficientStockError
		be *apperr.BelowMinimumError
	)
	switch {
	case err == nil && res.RedirectURL != "":
		return "redirect"
	case err == nil:
		return "ok"
	case errors.As(err, &ve), errors.Is(err, apperr.ErrEmptyCart):
		return "invalid"
	case errors.As(err, &se):
		return "insufficient_stock"
	case errors.As(err, &be):
		return "below_minimum"
	default:
		return "error"
	}
}
