package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务与 HTTP 指标。方法对 nil 接收者安全，核心组件可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	Checkout      *prometheus.CounterVec
	Reconcile     *prometheus.CounterVec
	StockDeducted prometheus.Counter
	Requests      *prometheus.CounterVec
	LatencyMS     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Checkout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "checkout_total",
			Help:      "Checkout submissions by payment method and result.",
		}, []string{"method", "result"}),
		Reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "reconcile_total",
			Help:      "Payment callbacks by provider, source and outcome.",
		}, []string{"provider", "source", "outcome"}),
		StockDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "stock_deducted_units_total",
			Help:      "Units removed from stock batches by committed orders.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}
	m.registry.MustRegister(m.Checkout, m.Reconcile, m.StockDeducted, m.Requests, m.LatencyMS)
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Register 注册额外的采集器（例如待支付数量 GaugeFunc）。
func (m *Metrics) Register(c prometheus.Collector) {
	if m != nil {
		m.registry.MustRegister(c)
	}
}

func (m *Metrics) ObserveCheckout(method, result string) {
	if m != nil {
		m.Checkout.WithLabelValues(method, result).Inc()
	}
}

func (m *Metrics) ObserveReconcile(provider, source, outcome string) {
	if m != nil {
		m.Reconcile.WithLabelValues(provider, source, outcome).Inc()
	}
}

func (m *Metrics) ObserveDeducted(units int64) {
	if m != nil && units > 0 {
		m.StockDeducted.Add(float64(units))
	}
}

// Middleware 按路由模板记录请求数与耗时。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
