package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventOrderPlaced 事件类型，写在消息头 event 中。
const EventOrderPlaced = "order.placed"

// Producer 写订单事件到 Kafka。
// 以订单号为 key 做 Hash 分区，同一订单的事件有序；RequireAll 等待全部 ISR 确认。
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步发送，返回即已被 broker 确认。
func (p *Producer) Publish(ctx context.Context, ev OrderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode order event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.OrderNo),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(EventOrderPlaced)}},
	})
}
