package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InstanceLocker 串行化同一实例的并发推进
// 拿不到锁说明另一次推进正在进行，调用方直接放弃本轮即可
// （步骤创建另有 (instance_id, task_id) 唯一约束兜底）
type InstanceLocker interface {
	TryLock(ctx context.Context, instanceID string) (release func(), acquired bool, err error)
}

// RedisInstanceLocker 基于 Redis SETNX 的实例锁
type RedisInstanceLocker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisInstanceLocker 创建实例锁
func NewRedisInstanceLocker(rdb redis.UniversalClient) *RedisInstanceLocker {
	return &RedisInstanceLocker{rdb: rdb, ttl: 2 * time.Minute}
}

func (l *RedisInstanceLocker) TryLock(ctx context.Context, instanceID string) (func(), bool, error) {
	key := "outreach:advance:lock:" + instanceID
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// 仅释放自己持有的锁
		script := redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
		_, _ = script.Run(context.Background(), l.rdb, []string{key}, token).Result()
	}
	return release, true, nil
}
