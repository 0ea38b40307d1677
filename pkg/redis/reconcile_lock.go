package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配 token 时才删除，避免误删别人的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireReconcileLock 抢占某笔支付的对账锁。
func AcquireReconcileLock(ctx context.Context, rdb *rd.Client, provider, ref, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, ReconcileLockKey(provider, ref), token, ttl).Result()
}

// ReleaseReconcileLockIfMatch 安全释放对账锁。
func ReleaseReconcileLockIfMatch(ctx context.Context, rdb *rd.Client, provider, ref, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{ReconcileLockKey(provider, ref)}, token).Int()
	return err
}
