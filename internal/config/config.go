package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // text / json
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"` // sqlite / postgres
	DBDSN    string `envconfig:"DB_DSN" default:"storefront.db"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka 集群地址（逗号分隔）、Topic、消费者组；为空时关闭 Kafka 通知链路
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"storefront-order-events"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"storefront-notifier"`

	// Redis Stream outbox（提交后入流，Relay 异步转 Kafka）
	OrderEventStream   string `envconfig:"ORDER_EVENT_STREAM" default:"storefront:order_events"`
	OrderEventGroup    string `envconfig:"ORDER_EVENT_GROUP" default:"storefront-relay-group"`
	OrderEventConsumer string `envconfig:"ORDER_EVENT_CONSUMER" default:"storefront-relay-1"`

	// NotifyMode: stream 走 Redis Stream → Kafka → 消费者发邮件；direct 进程内异步发送
	NotifyMode string `envconfig:"NOTIFY_MODE" default:"direct"`

	// 下单接口限流
	CheckoutRateLimit  int           `envconfig:"CHECKOUT_RATE_LIMIT" default:"20"`
	CheckoutRateWindow time.Duration `envconfig:"CHECKOUT_RATE_WINDOW" default:"1m"`

	// 在线支付暂存购物车有效期，以及过期索引的清理周期
	PendingCheckoutTTL    time.Duration `envconfig:"PENDING_CHECKOUT_TTL" default:"30m"`
	PendingReaperInterval time.Duration `envconfig:"PENDING_REAPER_INTERVAL" default:"5m"`

	// 管理接口的简单令牌（库存导入、改状态等）
	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`

	VNPay VNPayConfig `envconfig:"VNPAY"`
	MoMo  MoMoConfig  `envconfig:"MOMO"`
	SMTP  SMTPConfig  `envconfig:"SMTP"`
}

type VNPayConfig struct {
	TmnCode     string        `envconfig:"TMN_CODE" default:"DEMOTMN1"`
	HashSecret  string        `envconfig:"HASH_SECRET" default:"dev-vnpay-secret"`
	PayURL      string        `envconfig:"PAY_URL" default:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"`
	ReturnURL   string        `envconfig:"RETURN_URL" default:"http://localhost:3000/checkout/result"`
	MinAmount   int64         `envconfig:"MIN_AMOUNT" default:"10000"`
	ExpireAfter time.Duration `envconfig:"EXPIRE_AFTER" default:"15m"`
}

type MoMoConfig struct {
	Endpoint    string        `envconfig:"ENDPOINT" default:"https://test-payment.momo.vn/v2/gateway/api/create"`
	PartnerCode string        `envconfig:"PARTNER_CODE" default:"MOMODEMO"`
	AccessKey   string        `envconfig:"ACCESS_KEY" default:"dev-momo-access"`
	SecretKey   string        `envconfig:"SECRET_KEY" default:"dev-momo-secret"`
	RedirectURL string        `envconfig:"REDIRECT_URL" default:"http://localhost:3000/checkout/result"`
	IPNURL      string        `envconfig:"IPN_URL" default:"http://localhost:8080/api/payments/momo/ipn"`
	MinAmount   int64         `envconfig:"MIN_AMOUNT" default:"1000"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// SMTPConfig 为空 Host 时只记录日志，不真正发信。
type SMTPConfig struct {
	Host     string `envconfig:"HOST"`
	Port     int    `envconfig:"PORT" default:"587"`
	Username string `envconfig:"USERNAME"`
	Password string `envconfig:"PASSWORD"`
	From     string `envconfig:"FROM" default:"no-reply@storefront.local"`
}

// KafkaEnabled 是否启用 Kafka 链路。
func (c AppConfig) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("read env: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 校验取值范围。
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	switch c.NotifyMode {
	case "direct":
	case "stream":
		if !c.KafkaEnabled() {
			return fmt.Errorf("NOTIFY_MODE=stream requires KAFKA_BROKERS")
		}
		if c.KafkaTopic == "" || c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP_ID must not be empty")
		}
		if c.OrderEventStream == "" || c.OrderEventGroup == "" || c.OrderEventConsumer == "" {
			return fmt.Errorf("ORDER_EVENT_STREAM, ORDER_EVENT_GROUP and ORDER_EVENT_CONSUMER must not be empty")
		}
	default:
		return fmt.Errorf("NOTIFY_MODE must be direct or stream, got %q", c.NotifyMode)
	}
	if c.CheckoutRateLimit <= 0 {
		return fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	if c.CheckoutRateWindow < time.Second {
		return fmt.Errorf("CHECKOUT_RATE_WINDOW must be >= 1s")
	}
	if c.PendingCheckoutTTL <= 0 {
		return fmt.Errorf("PENDING_CHECKOUT_TTL must be > 0")
	}
	if c.PendingReaperInterval <= 0 {
		return fmt.Errorf("PENDING_REAPER_INTERVAL must be > 0")
	}
	if c.VNPay.HashSecret == "" || c.VNPay.TmnCode == "" {
		return fmt.Errorf("VNPAY_TMN_CODE and VNPAY_HASH_SECRET must not be empty")
	}
	if c.MoMo.SecretKey == "" || c.MoMo.AccessKey == "" || c.MoMo.PartnerCode == "" {
		return fmt.Errorf("MOMO_PARTNER_CODE, MOMO_ACCESS_KEY and MOMO_SECRET_KEY must not be empty")
	}
	if c.VNPay.MinAmount < 0 || c.MoMo.MinAmount < 0 {
		return fmt.Errorf("provider minimum amounts must be >= 0")
	}
	return nil
}

// compact 去掉空白项（KAFKA_BROKERS="" 时 envconfig 会给出一个空字符串）。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
