package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkOnce 通过 SETNX 保证“同一订单只通知一次”。
const luaMarkOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])
if redis.call('SETNX', key, '1') == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// MarkNotifiedOnce 幂等标记：
// - 首次标记返回 true
// - 重复标记返回 false（消息重投时不会重复发信）
func MarkNotifiedOnce(ctx context.Context, rdb *rd.Client, orderID uint) (bool, error) {
	const ttlSeconds = int64((7 * 24 * time.Hour) / time.Second)
	n, err := rdb.Eval(ctx, luaMarkOnce, []string{NotifiedKey(orderID)}, ttlSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UnmarkNotified 发送失败时撤销标记，允许重试。
func UnmarkNotified(ctx context.Context, rdb *rd.Client, orderID uint) error {
	return rdb.Del(ctx, NotifiedKey(orderID)).Err()
}
