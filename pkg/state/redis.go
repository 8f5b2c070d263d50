package state

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 基于 Redis set 的存储实现
//
// 每个房间一个 set，整键 TTL 随写入刷新；进程崩溃未注销时
// 条目随 TTL 过期自愈。
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// RedisOption Redis 存储选项
type RedisOption func(*Redis)

// WithTTL 设置条目过期时间
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRedis 创建 Redis 存储（复用调用方的 client）
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping 探活，启动期失败应中止网关初始化
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AddUserToRoom 登记成员
func (r *Redis) AddUserToRoom(ctx context.Context, namespace, room, userID string) error {
	key := roomKey(namespace, room)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserFromRoom 注销成员
func (r *Redis) RemoveUserFromRoom(ctx context.Context, namespace, room, userID string) error {
	return r.client.SRem(ctx, roomKey(namespace, room), userID).Err()
}

// UsersInRoom 房间全局成员列表
func (r *Redis) UsersInRoom(ctx context.Context, namespace, room string) ([]string, error) {
	return r.client.SMembers(ctx, roomKey(namespace, room)).Result()
}

// CountInRoom 房间全局成员数
func (r *Redis) CountInRoom(ctx context.Context, namespace, room string) (int64, error) {
	return r.client.SCard(ctx, roomKey(namespace, room)).Result()
}
