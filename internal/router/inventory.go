package router

import (
	"storefront/internal/auth"
	"storefront/internal/inventory"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// importBatch 入库：新增一个批次，库存只能通过这里增长。
func importBatch(ledger *inventory.Ledger, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint            `json:"product_id" binding:"required"`
			Qty       int64           `json:"qty"`
			UnitCost  decimal.Decimal `json:"unit_cost"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		// 导入人取自 X-User-ID（可为空）
		batchID, err := ledger.Restock(c.Request.Context(), req.ProductID, req.Qty, req.UnitCost, auth.FromGin(c).UserID)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, gin.H{"batch_id": batchID})
	}
}

// adjustBatch 盘点纠错。
func adjustBatch(ledger *inventory.Ledger, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := uintParam(c, "id")
		if !valid {
			return
		}
		var req struct {
			Qty      *int64          `json:"qty" binding:"required"`
			UnitCost decimal.Decimal `json:"unit_cost"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		batch, err := ledger.AdjustBatch(c.Request.Context(), id, *req.Qty, req.UnitCost)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, batch)
	}
}

// productInventory 商品可用库存与批次明细。
func productInventory(ledger *inventory.Ledger, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := uintParam(c, "product_id")
		if !valid {
			return
		}
		ctx := c.Request.Context()
		available, err := ledger.AvailableQuantity(ctx, id)
		if err != nil {
			fail(c, logger, err)
			return
		}
		batches, err := ledger.Batches(ctx, id)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, gin.H{"product_id": id, "available": available, "batches": batches})
	}
}
