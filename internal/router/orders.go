package router

import (
	"strconv"

	"storefront/internal/apperr"
	"storefront/internal/auth"
	"storefront/internal/model"
	"storefront/internal/order"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// listOrders 管理端订单列表：?status=&payment_method=&user_id=&limit=&offset=
func listOrders(repo *order.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f order.Filter
		if v := c.Query("status"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				badRequest(c, "status is invalid")
				return
			}
			st := model.OrderStatus(n)
			f.Status = &st
		}
		if v := c.Query("user_id"); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				badRequest(c, "user_id is invalid")
				return
			}
			uid := uint(n)
			f.UserID = &uid
		}
		f.PaymentMethod = c.Query("payment_method")
		f.Limit, _ = strconv.Atoi(c.Query("limit"))
		f.Offset, _ = strconv.Atoi(c.Query("offset"))
		if f.Offset < 0 {
			f.Offset = 0
		}

		list, total, err := repo.List(c.Request.Context(), f)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, gin.H{"total": total, "list": list})
	}
}

// getOrder 管理员可看任意订单；普通用户只能看自己的，别人的一律 404。
func getOrder(repo *order.Repository, adminToken string, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := uintParam(c, "id")
		if !valid {
			return
		}
		o, err := repo.Get(c.Request.Context(), id)
		if err != nil {
			fail(c, logger, err)
			return
		}
		if !auth.IsAdmin(c, adminToken) {
			uid := auth.FromGin(c).UserID
			if uid == nil || o.UserID == nil || *uid != *o.UserID {
				fail(c, logger, apperr.ErrNotFound)
				return
			}
		}
		ok(c, o)
	}
}

// updateOrderStatus 管理端改状态。
func updateOrderStatus(repo *order.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := uintParam(c, "id")
		if !valid {
			return
		}
		var req struct {
			Status *int `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := repo.TransitionStatus(c.Request.Context(), id, model.OrderStatus(*req.Status))
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, o)
	}
}

func myOrders(repo *order.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := repo.ListByUser(c.Request.Context(), *auth.FromGin(c).UserID)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, list)
	}
}

// cancelMyOrder 用户取消自己待处理的订单。
func cancelMyOrder(repo *order.Repository, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := uintParam(c, "id")
		if !valid {
			return
		}
		o, err := repo.Cancel(c.Request.Context(), id, *auth.FromGin(c).UserID)
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, o)
	}
}
