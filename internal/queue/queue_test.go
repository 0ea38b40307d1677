package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"storefront/internal/apperr"
	"storefront/internal/logging"
	"storefront/internal/model"
	"storefront/internal/testutil"

	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestParseOrderEvent(t *testing.T) {
	ev, err := parseOrderEvent(map[string]interface{}{"order_id": "12", "order_no": "OD1", "payment_method": "cod"})
	require.NoError(t, err)
	assert.Equal(t, OrderEvent{OrderID: 12, OrderNo: "OD1", PaymentMethod: "cod"}, ev)

	_, err = parseOrderEvent(map[string]interface{}{"order_id": "x", "order_no": "OD1"})
	assert.Error(t, err)
	_, err = parseOrderEvent(map[string]interface{}{"order_id": "0", "order_no": "OD1"})
	assert.Error(t, err)
	_, err = parseOrderEvent(map[string]interface{}{"order_no": "OD1"})
	assert.Error(t, err)
}

func TestStreamNotifierAndRelay(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	stream := "test:order_events"

	n := NewStreamNotifier(rdb, stream)
	require.NoError(t, n.SendOrderConfirmation(ctx, &model.Order{ID: 3, OrderNo: "OD3", PaymentMethod: "vnpay"}))
	require.NoError(t, rdb.XAdd(ctx, xaddArgs(stream, map[string]interface{}{"order_no": "broken"})).Err())
	require.NoError(t, n.SendOrderConfirmation(ctx, &model.Order{ID: 4, OrderNo: "OD4", PaymentMethod: "cod"}))

	pub := &fakePublisher{}
	relay := NewRelay(rdb, pub, logging.Discard(), stream, "relay", "relay-1")
	processed, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	require.Len(t, pub.events, 2)
	assert.Equal(t, uint(3), pub.events[0].OrderID)
	assert.Equal(t, uint(4), pub.events[1].OrderID)

	left, err := rdb.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRelayKeepsMessageWhenPublishFails(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	stream := "test:order_events"
	require.NoError(t, NewStreamNotifier(rdb, stream).SendOrderConfirmation(ctx, &model.Order{ID: 1, OrderNo: "OD1"}))

	pub := &fakePublisher{err: errors.New("kafka down")}
	relay := NewRelay(rdb, pub, logging.Discard(), stream, "relay", "relay-1")
	_, err := relay.DrainOnce(ctx)
	require.Error(t, err)

	// 恢复后从 pending 重新投递
	pub.err = nil
	processed, err := relay.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, pub.events, 1)
}

type fakeOrders map[uint]*model.Order

func (f fakeOrders) Get(_ context.Context, id uint) (*model.Order, error) {
	if o, ok := f[id]; ok {
		return o, nil
	}
	return nil, apperr.ErrNotFound
}

type countingMailer struct {
	sent []uint
	err  error
}

func (m *countingMailer) SendOrderConfirmation(_ context.Context, o *model.Order) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, o.ID)
	return nil
}

func TestConsumerHandleSendsOncePerOrder(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	mailer := &countingMailer{}
	c := &Consumer{
		rdb:    rdb,
		orders: fakeOrders{5: {ID: 5, OrderNo: "OD5"}},
		mailer: mailer,
		log:    logging.Discard(),
	}
	msg, _ := json.Marshal(OrderEvent{OrderID: 5, OrderNo: "OD5"})

	require.NoError(t, c.Handle(ctx, msg))
	require.NoError(t, c.Handle(ctx, msg))
	assert.Equal(t, []uint{5}, mailer.sent)

	// 脏消息、未知订单都直接提交
	assert.NoError(t, c.Handle(ctx, []byte("{")))
	unknown, _ := json.Marshal(OrderEvent{OrderID: 99, OrderNo: "OD99"})
	assert.NoError(t, c.Handle(ctx, unknown))
}

func TestConsumerHandleRetriesAfterMailFailure(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	mailer := &countingMailer{err: errors.New("smtp down")}
	c := &Consumer{
		rdb:    rdb,
		orders: fakeOrders{8: {ID: 8, OrderNo: "OD8"}},
		mailer: mailer,
		log:    logging.Discard(),
	}
	msg, _ := json.Marshal(OrderEvent{OrderID: 8, OrderNo: "OD8"})

	require.Error(t, c.Handle(ctx, msg))
	mailer.err = nil
	require.NoError(t, c.Handle(ctx, msg))
	assert.Equal(t, []uint{8}, mailer.sent)
}

func xaddArgs(stream string, values map[string]interface{}) *rd.XAddArgs {
	return &rd.XAddArgs{Stream: stream, Values: values}
}
