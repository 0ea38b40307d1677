package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 30*time.Minute, cfg.PendingCheckoutTTL)
	assert.Equal(t, int64(10000), cfg.VNPay.MinAmount)
	assert.Equal(t, int64(1000), cfg.MoMo.MinAmount)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "direct", cfg.NotifyMode)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://shop@localhost/shop")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PENDING_CHECKOUT_TTL", "45m")
	t.Setenv("VNPAY_HASH_SECRET", "s3cret")
	t.Setenv("VNPAY_MIN_AMOUNT", "20000")
	t.Setenv("MOMO_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Minute, cfg.PendingCheckoutTTL)
	assert.Equal(t, "s3cret", cfg.VNPay.HashSecret)
	assert.Equal(t, int64(20000), cfg.VNPay.MinAmount)
	assert.Equal(t, 3*time.Second, cfg.MoMo.Timeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"driver":      {"DB_DRIVER", "mysql"},
		"notify mode": {"NOTIFY_MODE", "carrier-pigeon"},
		"rate limit":  {"CHECKOUT_RATE_LIMIT", "0"},
		"ttl":         {"PENDING_CHECKOUT_TTL", "0s"},
		"redis db":    {"REDIS_DB", "one"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestStreamModeNeedsKafka(t *testing.T) {
	t.Setenv("NOTIFY_MODE", "stream")
	t.Setenv("KAFKA_BROKERS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}
