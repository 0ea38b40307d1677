package queue

import (
	"context"
	"fmt"
	"strconv"

	"storefront/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// StreamNotifier 把“需要发送确认通知”写入 Redis Stream（outbox），由 Relay 转发到 Kafka。
// 实现 notify.Notifier，事务提交后调用。
type StreamNotifier struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(rdb *rd.Client, stream string) *StreamNotifier {
	return &StreamNotifier{rdb: rdb, stream: stream, maxLen: 100000}
}

func (s *StreamNotifier) SendOrderConfirmation(ctx context.Context, o *model.Order) error {
	err := s.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"order_id":       strconv.FormatUint(uint64(o.ID), 10),
			"order_no":       o.OrderNo,
			"payment_method": o.PaymentMethod,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd order event: %w", err)
	}
	return nil
}
