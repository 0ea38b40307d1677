// Package inventory keeps per-product stock as discrete batches and consumes them FIFO.
//
// Deduct serializes per product: it locks the product row and then every batch with
// quantity > 0 (SELECT ... FOR UPDATE) for the lifetime of the surrounding transaction,
// so the advisory AvailableQuantity read done before checkout is always re-validated
// under the lock.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchConsumption 描述一次扣减在某个批次上消耗的数量。
type BatchConsumption struct {
	BatchID   uint            `json:"batch_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Remaining int64           `json:"remaining"`
}

// DeductionResult 是 Deduct 的结果。Cost 为按 FIFO 批次成本计算的出库成本。
type DeductionResult struct {
	ProductID uint               `json:"product_id"`
	Requested int64              `json:"requested"`
	Consumed  []BatchConsumption `json:"consumed"`
	Cost      decimal.Decimal    `json:"cost"`
	Remaining int64              `json:"remaining"`
	Hidden    bool               `json:"hidden"`
}

// Ledger 库存账本。
type Ledger struct {
	db  *gorm.DB
	log log.FieldLogger
}

func NewLedger(db *gorm.DB, logger log.FieldLogger) *Ledger {
	return &Ledger{db: db, log: logger}
}

// WithTx 返回绑定到外部事务的账本，Deduct 会以 savepoint 方式参与该事务。
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, log: l.log}
}

// AvailableQuantity 汇总商品所有批次库存。不加锁，仅用于预检查。
func (l *Ledger) AvailableQuantity(ctx context.Context, productID uint) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&model.StockBatch{}).
		Where("product_id = ?", productID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum stock for product %d: %w", productID, err)
	}
	return total, nil
}

// AvailableQuantities 批量版本，缺失的商品返回 0。
func (l *Ledger) AvailableQuantities(ctx context.Context, productIDs []uint) (map[uint]int64, error) {
	out := make(map[uint]int64, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ProductID uint
		Total     int64
	}
	err := l.db.WithContext(ctx).Model(&model.StockBatch{}).
		Select("product_id, COALESCE(SUM(quantity), 0) AS total").
		Where("product_id IN ?", productIDs).
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sum stock: %w", err)
	}
	for _, id := range productIDs {
		out[id] = 0
	}
	for _, r := range rows {
		out[r.ProductID] = r.Total
	}
	return out, nil
}

// Deduct 在商品锁内按批次创建时间从旧到新扣减库存。
// 锁内重新校验可用量，不足时返回 *apperr.InsufficientStockError，且不修改任何批次。
func (l *Ledger) Deduct(ctx context.Context, productID uint, quantity int64) (DeductionResult, error) {
	res := DeductionResult{ProductID: productID, Requested: quantity, Cost: decimal.Zero}
	if quantity <= 0 {
		v := &apperr.ValidationError{}
		v.Add("quantity", "must be at least 1")
		return res, v
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := lockProduct(tx, productID)
		if err != nil {
			return err
		}

		var batches []model.StockBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ? AND quantity > 0", productID).
			Order("created_at ASC, id ASC").
			Find(&batches).Error; err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}

		var available int64
		for _, b := range batches {
			available += b.Quantity
		}
		if available < quantity {
			return &apperr.InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
		}

		need := quantity
		for i := range batches {
			if need == 0 {
				break
			}
			b := &batches[i]
			take := min(b.Quantity, need)
			upd := tx.Model(&model.StockBatch{}).
				Where("id = ? AND quantity >= ?", b.ID, take).
				Update("quantity", gorm.Expr("quantity - ?", take))
			if upd.Error != nil {
				return fmt.Errorf("consume batch %d: %w", b.ID, upd.Error)
			}
			if upd.RowsAffected != 1 {
				return fmt.Errorf("consume batch %d: quantity changed under lock", b.ID)
			}
			need -= take
			res.Consumed = append(res.Consumed, BatchConsumption{
				BatchID:   b.ID,
				Quantity:  take,
				UnitCost:  b.UnitCost,
				Remaining: b.Quantity - take,
			})
			res.Cost = res.Cost.Add(b.UnitCost.Mul(decimal.NewFromInt(take)))
		}

		remaining, status, err := refreshVisibility(tx, product)
		if err != nil {
			return err
		}
		res.Remaining = remaining
		res.Hidden = status == model.ProductHidden && product.Status != model.ProductHidden
		return nil
	})
	if err != nil {
		res.Consumed = nil
		res.Cost = decimal.Zero
		return res, err
	}

	res.Cost = res.Cost.Round(2)
	l.log.WithFields(log.Fields{
		"product_id": productID,
		"quantity":   quantity,
		"batches":    len(res.Consumed),
		"remaining":  res.Remaining,
	}).Debug("stock deducted")
	if res.Hidden {
		l.log.WithField("product_id", productID).Info("product sold out, hidden")
	}
	return res, nil
}

// Restock 新建一个入库批次，这是库存增长的唯一途径；之后重新评估上下架。
func (l *Ledger) Restock(ctx context.Context, productID uint, quantity int64, unitCost decimal.Decimal, createdBy *uint) (uint, error) {
	v := &apperr.ValidationError{}
	if quantity < 1 {
		v.Add("qty", "must be at least 1")
	}
	if unitCost.IsNegative() {
		v.Add("unit_cost", "must not be negative")
	}
	if err := v.OrNil(); err != nil {
		return 0, err
	}

	var batchID uint
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := lockProduct(tx, productID)
		if err != nil {
			return err
		}
		batch := &model.StockBatch{
			ProductID: productID,
			Quantity:  quantity,
			UnitCost:  unitCost.Round(2),
			CreatedBy: createdBy,
		}
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		batchID = batch.ID
		_, _, err = refreshVisibility(tx, product)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.log.WithFields(log.Fields{
		"product_id": productID,
		"batch_id":   batchID,
		"quantity":   quantity,
	}).Info("stock batch imported")
	return batchID, nil
}

// AdjustBatch 管理端修正批次数量/成本（盘点纠错），之后重新评估上下架。
func (l *Ledger) AdjustBatch(ctx context.Context, batchID uint, quantity int64, unitCost decimal.Decimal) (model.StockBatch, error) {
	v := &apperr.ValidationError{}
	if quantity < 0 {
		v.Add("qty", "must not be negative")
	}
	if unitCost.IsNegative() {
		v.Add("unit_cost", "must not be negative")
	}
	if err := v.OrNil(); err != nil {
		return model.StockBatch{}, err
	}

	var out model.StockBatch
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch model.StockBatch
		if err := tx.First(&batch, batchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("batch %d: %w", batchID, apperr.ErrNotFound)
			}
			return err
		}
		// 与 Deduct 相同的加锁顺序：先商品，再批次
		product, err := lockProduct(tx, batch.ProductID)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, batchID).Error; err != nil {
			return err
		}
		batch.Quantity = quantity
		batch.UnitCost = unitCost.Round(2)
		if err := tx.Model(&batch).Select("quantity", "unit_cost").Updates(&batch).Error; err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
		if _, _, err := refreshVisibility(tx, product); err != nil {
			return err
		}
		out = batch
		return nil
	})
	if err != nil {
		return model.StockBatch{}, err
	}
	l.log.WithFields(log.Fields{"batch_id": batchID, "quantity": quantity}).Info("stock batch adjusted")
	return out, nil
}

// Batches 列出商品的全部批次（含已耗尽的），按 FIFO 顺序。
func (l *Ledger) Batches(ctx context.Context, productID uint) ([]model.StockBatch, error) {
	var batches []model.StockBatch
	err := l.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at ASC, id ASC").
		Find(&batches).Error
	return batches, err
}

func lockProduct(tx *gorm.DB, productID uint) (model.Product, error) {
	var product model.Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&product, productID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return product, fmt.Errorf("product %d: %w", productID, apperr.ErrNotFound)
		}
		return product, fmt.Errorf("lock product %d: %w", productID, err)
	}
	return product, nil
}

// refreshVisibility 重新汇总库存：合计为 0 则下架，合计为正则上架。
func refreshVisibility(tx *gorm.DB, product model.Product) (int64, model.ProductStatus, error) {
	var total int64
	if err := tx.Model(&model.StockBatch{}).
		Where("product_id = ?", product.ID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error; err != nil {
		return 0, product.Status, fmt.Errorf("sum stock: %w", err)
	}

	want := model.ProductHidden
	if total > 0 {
		want = model.ProductVisible
	}
	if want != product.Status {
		if err := tx.Model(&model.Product{}).Where("id = ?", product.ID).Update("status", want).Error; err != nil {
			return total, product.Status, fmt.Errorf("update product status: %w", err)
		}
	}
	return total, want, nil
}
