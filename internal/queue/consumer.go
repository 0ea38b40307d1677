package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/notify"
	rediskey "storefront/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// OrderLoader 按 id 读取订单（含明细）。
type OrderLoader interface {
	Get(ctx context.Context, id uint) (*model.Order, error)
}

// Consumer 消费订单事件并发送确认邮件。
// 幂等：Redis 标记保证同一订单只发一次；发送失败撤销标记，消息重投时重试。
type Consumer struct {
	r      *kafka.Reader
	rdb    *rd.Client
	orders OrderLoader
	mailer notify.Notifier
	log    log.FieldLogger
}

func NewConsumer(brokers []string, topic, groupID string, rdb *rd.Client, orders OrderLoader, mailer notify.Notifier, logger log.FieldLogger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		rdb:    rdb,
		orders: orders,
		mailer: mailer,
		log:    logger,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 手动提交 offset：处理成功（或判定为无需重试）后才提交。
// 提交是按分区位点的，失败的消息必须原地重试，不能跳过去处理后面的消息。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / reader 关闭
		}
		backoff := 500 * time.Millisecond
		for {
			err := c.Handle(ctx, m.Value)
			if err == nil {
				break
			}
			c.log.WithError(err).WithFields(log.Fields{
				"partition": m.Partition,
				"offset":    m.Offset,
				"retry_in":  backoff,
			}).Warn("order event not handled")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.WithError(err).Warn("commit order event")
		}
	}
}

// Handle 处理一条事件。返回 nil 表示可以提交 offset。
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.WithError(err).Warn("drop malformed order event")
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.log.WithError(err).Warn("drop invalid order event")
		return nil
	}

	first, err := rediskey.MarkNotifiedOnce(ctx, c.rdb, ev.OrderID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if !first {
		return nil
	}

	order, err := c.orders.Get(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.log.WithField("order_id", ev.OrderID).Warn("order event for unknown order")
			return nil
		}
		_ = rediskey.UnmarkNotified(ctx, c.rdb, ev.OrderID)
		return fmt.Errorf("load order %d: %w", ev.OrderID, err)
	}
	if err := c.mailer.SendOrderConfirmation(ctx, order); err != nil {
		_ = rediskey.UnmarkNotified(ctx, c.rdb, ev.OrderID)
		return err
	}
	return nil
}
