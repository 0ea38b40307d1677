// Package catalog reads and creates products. Visibility is owned by the inventory ledger.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NewProduct 创建商品时允许写入的字段（白名单）。
type NewProduct struct {
	Name      string          `json:"name"`
	SalePrice decimal.Decimal `json:"sale_price"`
}

type Repository struct {
	db  *gorm.DB
	log log.FieldLogger
}

func NewRepository(db *gorm.DB, logger log.FieldLogger) *Repository {
	return &Repository{db: db, log: logger}
}

// Create 新商品默认下架，首次入库后由库存账本上架。
func (r *Repository) Create(ctx context.Context, in NewProduct) (*model.Product, error) {
	v := &apperr.ValidationError{}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		v.Add("name", "is required")
	} else if len(name) > 255 {
		v.Add("name", "must be at most 255 characters")
	}
	if !in.SalePrice.IsPositive() {
		v.Add("sale_price", "must be greater than 0")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	p := &model.Product{Name: name, SalePrice: in.SalePrice.Round(2), Status: model.ProductHidden}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	r.log.WithFields(log.Fields{"product_id": p.ID, "name": p.Name}).Info("product created")
	return p, nil
}

func (r *Repository) Get(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("product %d: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

// GetMany 按 id 批量查询，结果以 id 为键；不存在的 id 不出现在结果里。
func (r *Repository) GetMany(ctx context.Context, ids []uint) (map[uint]model.Product, error) {
	out := make(map[uint]model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []model.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

// List 列出商品；visibleOnly 时只返回已上架的。
func (r *Repository) List(ctx context.Context, visibleOnly bool) ([]model.Product, error) {
	q := r.db.WithContext(ctx).Order("id ASC")
	if visibleOnly {
		q = q.Where("status = ?", model.ProductVisible)
	}
	list := make([]model.Product, 0)
	err := q.Find(&list).Error
	return list, err
}
