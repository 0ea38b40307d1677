package router

import (
	"errors"
	"net/http"
	"strconv"

	"storefront/internal/apperr"
	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/config"
	"storefront/internal/inventory"
	"storefront/internal/metrics"
	"storefront/internal/middleware"
	"storefront/internal/order"
	"storefront/internal/reconcile"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Deps HTTP 层依赖。
type Deps struct {
	Config     config.AppConfig
	Redis      *rd.Client
	Catalog    *catalog.Repository
	Ledger     *inventory.Ledger
	Orders     *order.Repository
	Checkout   *checkout.Service
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Metrics
	Log        log.FieldLogger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	r.Use(middleware.RequestLogger(d.Log), gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	admin := auth.RequireAdmin(d.Config.AdminToken)
	api := r.Group("/api")

	// Products
	api.GET("/products", listProducts(d.Catalog, d.Log))
	api.POST("/products", admin, createProduct(d.Catalog, d.Log))

	// Checkout
	api.POST("/checkout",
		middleware.RedisRateLimit(d.Redis, d.Config.CheckoutRateLimit, d.Config.CheckoutRateWindow, d.Log),
		submitCheckout(d.Checkout, d.Log))
	api.GET("/checkout/:ref", checkoutStatus(d.Checkout, d.Log))

	// Payment callbacks
	api.GET("/payments/vnpay/ipn", paymentIPN(d.Reconciler, "vnpay", queryParams, d.Log))
	api.GET("/payments/vnpay/return", paymentReturn(d.Reconciler, "vnpay", d.Log))
	api.POST("/payments/momo/ipn", paymentIPN(d.Reconciler, "momo", jsonParams, d.Log))
	api.GET("/payments/momo/return", paymentReturn(d.Reconciler, "momo", d.Log))
	api.GET("/payments/callbacks", admin, listCallbacks(d.Reconciler, d.Log))

	// Inventory
	api.POST("/inventory/import", admin, importBatch(d.Ledger, d.Log))
	api.PUT("/inventory/batches/:id", admin, adjustBatch(d.Ledger, d.Log))
	api.GET("/inventory/:product_id", admin, productInventory(d.Ledger, d.Log))

	// Orders
	api.GET("/orders", admin, listOrders(d.Orders, d.Log))
	api.GET("/orders/:id", getOrder(d.Orders, d.Config.AdminToken, d.Log))
	api.POST("/orders/:id/status", admin, updateOrderStatus(d.Orders, d.Log))
	api.GET("/my-orders", auth.RequireUser(), myOrders(d.Orders, d.Log))
	api.POST("/my-orders/:id/cancel", auth.RequireUser(), cancelMyOrder(d.Orders, d.Log))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

// fail 按错误类型输出状态码；系统错误只返回通用信息，原因写日志。
func fail(c *gin.Context, logger log.FieldLogger, err error) {
	if !apperr.IsDomain(err) {
		err = apperr.System(c.FullPath(), err)
	}
	status := apperr.HTTPStatus(err)
	body := gin.H{"code": status, "msg": err.Error()}

	var (
		ve *apperr.ValidationError
		se *apperr.InsufficientStockError
		be *apperr.BelowMinimumError
		sy *apperr.SystemError
	)
	switch {
	case errors.As(err, &ve):
		body["errors"] = ve.Fields
	case errors.As(err, &se):
		body["data"] = se
	case errors.As(err, &be):
		body["data"] = be
	case errors.As(err, &sy):
		logger.WithError(sy.Err).WithFields(log.Fields{"op": sy.Op, "path": c.Request.URL.Path}).Error("request failed")
	}
	c.JSON(status, body)
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, name+" is invalid")
		return 0, false
	}
	return uint(id), true
}
