package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// EventPublisher 是 Relay 的下游（Kafka Producer）。
type EventPublisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Relay 把 outbox 流里的订单事件转发到 Kafka。
// 发布成功才 XACK + XDEL；失败的消息留在本消费者的 pending 列表，下一轮优先重投。
type Relay struct {
	rdb      *rd.Client
	producer EventPublisher
	log      log.FieldLogger

	stream   string
	group    string
	consumer string

	batch      int64
	block      time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRelay(rdb *rd.Client, producer EventPublisher, logger log.FieldLogger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:        rdb,
		producer:   producer,
		log:        logger.WithFields(log.Fields{"stream": stream, "group": group}),
		stream:     stream,
		group:      group,
		consumer:   consumer,
		batch:      16,
		block:      2 * time.Second,
		minBackoff: 200 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

// Run 持续转发直到 ctx 取消。出错时指数退避。
func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.WithError(err).Error("relay ensure group")
		return
	}
	r.log.Info("order event relay started")

	backoff := r.minBackoff
	for ctx.Err() == nil {
		msgs, err := r.poll(ctx, r.block)
		if err == nil {
			_, err = r.forward(ctx, msgs)
		}
		if err == nil {
			backoff = r.minBackoff
			continue
		}
		if ctx.Err() != nil {
			break
		}
		r.log.WithError(err).WithField("retry_in", backoff).Warn("relay iteration failed")
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
	r.log.Info("order event relay stopped")
}

// DrainOnce 不阻塞地转发一批（pending 优先），返回已确认的消息数。
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}
	msgs, err := r.poll(ctx, -1)
	if err != nil {
		return 0, err
	}
	return r.forward(ctx, msgs)
}

// poll 先取本消费者未确认的消息，没有再读新消息（block<0 表示不阻塞）。
func (r *Relay) poll(ctx context.Context, block time.Duration) ([]rd.XMessage, error) {
	msgs, err := r.read(ctx, "0", 0)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	return r.read(ctx, ">", block)
}

// forward 按顺序发布，遇到第一个失败即停，保证同一订单的事件不乱序。
func (r *Relay) forward(ctx context.Context, msgs []rd.XMessage) (int, error) {
	done := 0
	for _, xm := range msgs {
		ev, err := parseOrderEvent(xm.Values)
		if err != nil {
			r.log.WithError(err).WithField("stream_id", xm.ID).Warn("relay drop malformed event")
		} else if err := r.publish(ctx, ev); err != nil {
			return done, fmt.Errorf("publish %s (order %d): %w", xm.ID, ev.OrderID, err)
		}
		if err := r.ack(ctx, xm.ID); err != nil {
			return done, fmt.Errorf("ack %s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) publish(ctx context.Context, ev OrderEvent) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.producer.Publish(pubCtx, ev)
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (r *Relay) read(ctx context.Context, from string, block time.Duration) ([]rd.XMessage, error) {
	res, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, from},
		Count:    r.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []rd.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (r *Relay) ack(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// parseOrderEvent 还原 StreamNotifier 写入的字段；payment_method 可缺省。
func parseOrderEvent(values map[string]interface{}) (OrderEvent, error) {
	field := func(key string) string {
		if v, ok := values[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	raw := field("order_id")
	if raw == "" {
		return OrderEvent{}, errors.New("missing field order_id")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return OrderEvent{}, fmt.Errorf("invalid order_id %q", raw)
	}
	ev := OrderEvent{OrderID: uint(id), OrderNo: field("order_no"), PaymentMethod: field("payment_method")}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}
