package queue

import "fmt"

// OrderEvent 订单落库（COD 下单或支付对账成功）后的通知事件。
type OrderEvent struct {
	OrderID       uint   `json:"order_id"`
	OrderNo       string `json:"order_no"`
	PaymentMethod string `json:"payment_method"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	if e.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if e.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	return nil
}
