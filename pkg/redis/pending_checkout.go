package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// ErrRefCollision 交易号已被占用（时间戳 + 随机后缀理论上不会重复）。
var ErrRefCollision = errors.New("transaction ref already in use")

// luaPutPending 原子地写入暂存并登记过期索引；key 已存在时什么都不改。
// KEYS[1]=暂存key，KEYS[2]=过期索引，ARGV[1]=JSON，ARGV[2]=TTL(ms)，ARGV[3]=过期时间戳(s)，ARGV[4]=交易号
// 返回 1 写入成功，0 交易号已被占用
const luaPutPending = `
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`

// PendingStore 在线支付暂存购物车：JSON + TTL，过期即视为放弃。
type PendingStore struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewPendingStore(rdb *rd.Client, ttl time.Duration) *PendingStore {
	return &PendingStore{rdb: rdb, ttl: ttl}
}

// TTL 暂存有效期。
func (s *PendingStore) TTL() time.Duration { return s.ttl }

// Put 写入暂存数据，同时登记到过期索引。
func (s *PendingStore) Put(ctx context.Context, pc model.PendingCheckout) error {
	b, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal pending checkout: %w", err)
	}
	set, err := s.rdb.Eval(ctx, luaPutPending,
		[]string{PendingCheckoutKey(pc.TransactionRef), PendingCheckoutIndexKey},
		string(b), s.ttl.Milliseconds(), pc.ExpiresAt.Unix(), pc.TransactionRef,
	).Int()
	if err != nil {
		return fmt.Errorf("redis put pending checkout: %w", err)
	}
	if set == 0 {
		return ErrRefCollision
	}
	return nil
}

// Get 查询暂存数据。found=false 表示不存在或已过期。
func (s *PendingStore) Get(ctx context.Context, ref string) (model.PendingCheckout, bool, error) {
	data, err := s.rdb.Get(ctx, PendingCheckoutKey(ref)).Bytes()
	if errors.Is(err, rd.Nil) {
		return model.PendingCheckout{}, false, nil
	}
	if err != nil {
		return model.PendingCheckout{}, false, fmt.Errorf("redis get pending checkout: %w", err)
	}
	var pc model.PendingCheckout
	if err := json.Unmarshal(data, &pc); err != nil {
		return model.PendingCheckout{}, false, fmt.Errorf("unmarshal pending checkout: %w", err)
	}
	return pc, true, nil
}

// Delete 删除暂存数据及索引项，不存在时不报错。
func (s *PendingStore) Delete(ctx context.Context, ref string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, PendingCheckoutKey(ref))
	pipe.ZRem(ctx, PendingCheckoutIndexKey, ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete pending checkout: %w", err)
	}
	return nil
}

// Count 当前索引中的暂存数量（含尚未清理的过期项）。
func (s *PendingStore) Count(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, PendingCheckoutIndexKey).Result()
}

// Reap 清理已过期的索引项（键本身由 Redis TTL 回收），返回清理数量。
func (s *PendingStore) Reap(ctx context.Context, now time.Time) (int64, error) {
	max := strconv.FormatInt(now.Unix(), 10)
	refs, err := s.rdb.ZRangeByScore(ctx, PendingCheckoutIndexKey, &rd.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan pending index: %w", err)
	}
	if len(refs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(refs))
	members := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, PendingCheckoutKey(ref))
		members = append(members, ref)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	rem := pipe.ZRem(ctx, PendingCheckoutIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis reap pending: %w", err)
	}
	return rem.Val(), nil
}
