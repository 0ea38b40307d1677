package redis

import "fmt"

// PendingCheckoutIndexKey 有序集合：member=交易号，score=过期时间戳，供清理任务使用。
const PendingCheckoutIndexKey = "storefront:checkout:pending:index"

// PendingCheckoutKey 统一约定暂存购物车键名。
func PendingCheckoutKey(transactionRef string) string {
	return fmt.Sprintf("storefront:checkout:pending:%s", transactionRef)
}

// ReconcileLockKey 同一笔支付的 IPN 与回跳并发时的互斥锁。
func ReconcileLockKey(provider, transactionRef string) string {
	return fmt.Sprintf("storefront:reconcile:lock:%s:%s", provider, transactionRef)
}

// NotifiedKey 标记某订单的确认通知是否已发送。
func NotifiedKey(orderID uint) string {
	return fmt.Sprintf("storefront:order:notified:%d", orderID)
}

// RateLimitKey 下单限流键：按用户，解析失败时按 IP。
func RateLimitKey(scope, id string) string {
	return fmt.Sprintf("rate_limit:checkout:%s:%s", scope, id)
}
