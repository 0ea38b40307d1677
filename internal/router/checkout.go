package router

import (
	"storefront/internal/auth"
	"storefront/internal/checkout"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// submitCheckout 下单入口：COD 直接返回订单号；在线支付返回跳转链接与交易号。
func submitCheckout(svc *checkout.Service, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cart checkout.Cart
		if err := c.ShouldBindJSON(&cart); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.Submit(c.Request.Context(), auth.FromGin(c), cart, c.ClientIP())
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, res)
	}
}

// checkoutStatus 查询在线支付交易号的处理状态（前端回跳页轮询）。
func checkoutStatus(svc *checkout.Service, logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Status(c.Request.Context(), auth.FromGin(c).UserID, c.Param("ref"))
		if err != nil {
			fail(c, logger, err)
			return
		}
		ok(c, st)
	}
}
