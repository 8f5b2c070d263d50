// Package state 提供跨进程可见的房间成员存储。
//
// 每个网关进程只掌握自己的本地连接，需要全局视角（"这个房间一共有
// 多少人"）时通过本包查询。本地广播的正确性从不依赖这里的数据；
// 条目带有限期 TTL，进程崩溃未注销时可自愈。
package state

import (
	"context"
	"time"
)

// DefaultTTL 成员条目默认过期时间
const DefaultTTL = 2 * time.Minute

// Store 跨进程成员存储接口
type Store interface {
	// AddUserToRoom 登记成员（幂等，刷新 TTL）
	AddUserToRoom(ctx context.Context, namespace, room, userID string) error

	// RemoveUserFromRoom 注销成员（幂等）
	RemoveUserFromRoom(ctx context.Context, namespace, room, userID string) error

	// UsersInRoom 房间全局成员列表
	UsersInRoom(ctx context.Context, namespace, room string) ([]string, error)

	// CountInRoom 房间全局成员数
	CountInRoom(ctx context.Context, namespace, room string) (int64, error)
}

// roomKey 存储键
func roomKey(namespace, room string) string {
	return "gateway:" + namespace + ":room:" + room + ":members"
}
