package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore 测试内存存储
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	t.Run("登记与计数", func(t *testing.T) {
		require.NoError(t, m.AddUserToRoom(ctx, "/chat", "general", "u1"))
		require.NoError(t, m.AddUserToRoom(ctx, "/chat", "general", "u2"))
		// 重复登记幂等
		require.NoError(t, m.AddUserToRoom(ctx, "/chat", "general", "u1"))

		n, err := m.CountInRoom(ctx, "/chat", "general")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		users, err := m.UsersInRoom(ctx, "/chat", "general")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"u1", "u2"}, users)
	})

	t.Run("命名空间隔离", func(t *testing.T) {
		require.NoError(t, m.AddUserToRoom(ctx, "/game", "general", "u9"))
		n, err := m.CountInRoom(ctx, "/chat", "general")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("注销", func(t *testing.T) {
		require.NoError(t, m.RemoveUserFromRoom(ctx, "/chat", "general", "u1"))
		// 重复注销幂等
		require.NoError(t, m.RemoveUserFromRoom(ctx, "/chat", "general", "u1"))

		n, err := m.CountInRoom(ctx, "/chat", "general")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("空房间查询", func(t *testing.T) {
		n, err := m.CountInRoom(ctx, "/chat", "nowhere")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

// TestMemoryStoreTTL 测试条目过期自愈
func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(20 * time.Millisecond)

	require.NoError(t, m.AddUserToRoom(ctx, "/chat", "general", "ghost"))

	n, err := m.CountInRoom(ctx, "/chat", "general")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// 进程崩溃未注销的条目随 TTL 过期
	time.Sleep(30 * time.Millisecond)
	n, err = m.CountInRoom(ctx, "/chat", "general")
	require.NoError(t, err)
	assert.Zero(t, n)
}
