package state

import (
	"context"
	"sync"
	"time"
)

// Memory 进程内存储实现（单实例部署与测试用）
type Memory struct {
	ttl time.Duration

	mu    sync.RWMutex
	rooms map[string]map[string]time.Time // roomKey -> userID -> 过期时间
}

// NewMemory 创建内存存储
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:   ttl,
		rooms: make(map[string]map[string]time.Time),
	}
}

// AddUserToRoom 登记成员
func (m *Memory) AddUserToRoom(ctx context.Context, namespace, room, userID string) error {
	key := roomKey(namespace, room)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[key] == nil {
		m.rooms[key] = make(map[string]time.Time)
	}
	m.rooms[key][userID] = time.Now().Add(m.ttl)
	return nil
}

// RemoveUserFromRoom 注销成员
func (m *Memory) RemoveUserFromRoom(ctx context.Context, namespace, room, userID string) error {
	key := roomKey(namespace, room)

	m.mu.Lock()
	defer m.mu.Unlock()

	if users, ok := m.rooms[key]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.rooms, key)
		}
	}
	return nil
}

// UsersInRoom 房间全局成员列表
func (m *Memory) UsersInRoom(ctx context.Context, namespace, room string) ([]string, error) {
	key := roomKey(namespace, room)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.rooms[key]
	out := make([]string, 0, len(users))
	for id, expiry := range users {
		if now.After(expiry) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(m.rooms, key)
	}
	return out, nil
}

// CountInRoom 房间全局成员数
func (m *Memory) CountInRoom(ctx context.Context, namespace, room string) (int64, error) {
	users, err := m.UsersInRoom(ctx, namespace, room)
	if err != nil {
		return 0, err
	}
	return int64(len(users)), nil
}
