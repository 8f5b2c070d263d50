package gateway

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoomJoinLeave 测试房间成员管理基本功能
func TestRoomJoinLeave(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")

	c1 := dial(t, ns)
	c2 := dial(t, ns)

	require.NoError(t, c1.conn.Join("general"))
	require.NoError(t, c2.conn.Join("general"))

	r, ok := ns.GetRoom("general")
	require.True(t, ok)
	assert.Equal(t, 2, r.Size())
	assert.True(t, r.Has(c1.conn.ID()))
	assert.True(t, c1.conn.InRoom("general"))

	// 重复加入幂等
	require.NoError(t, c1.conn.Join("general"))
	assert.Equal(t, 2, r.Size())

	c1.conn.Leave("general")
	assert.Equal(t, 1, r.Size())
	assert.False(t, r.Has(c1.conn.ID()))
	assert.False(t, c1.conn.InRoom("general"))

	// 重复离开幂等
	c1.conn.Leave("general")
	assert.Equal(t, 1, r.Size())
}

// TestRoomMaxSize 测试房间人数上限
func TestRoomMaxSize(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")
	ns.Room("small", WithMaxRoomSize(1))

	c1 := dial(t, ns)
	c2 := dial(t, ns)

	require.NoError(t, c1.conn.Join("small"))
	assert.ErrorIs(t, c2.conn.Join("small"), ErrRoomFull)
}

// TestRoomBroadcastEchoSuppression 测试广播的发送者回显抑制
func TestRoomBroadcastEchoSuppression(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")

	c1 := dial(t, ns)
	c2 := dial(t, ns)
	require.NoError(t, c1.conn.Join("general"))
	require.NoError(t, c2.conn.Join("general"))

	r, ok := ns.GetRoom("general")
	require.True(t, ok)
	r.Broadcast("chat.send", []byte(`{"text":"hi"}`), c1.conn.ID())

	e := c2.expectEvent("chat.send")
	assert.Equal(t, "/chat", e.Namespace)
	assert.Equal(t, "general", e.Room)
	assert.Equal(t, c1.conn.ID(), e.Sender)
	assert.JSONEq(t, `{"text":"hi"}`, string(e.Payload))

	// 发送者自己收不到
	c1.expectSilence(150 * time.Millisecond)
}

// TestRoomSystemBroadcast 测试系统广播（无发送者，全员可见）
func TestRoomSystemBroadcast(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")

	c1 := dial(t, ns)
	c2 := dial(t, ns)
	require.NoError(t, c1.conn.Join("general"))
	require.NoError(t, c2.conn.Join("general"))

	r, _ := ns.GetRoom("general")
	r.Broadcast("notice", []byte(`{"text":"maintenance"}`), "")

	e1 := c1.expectEvent("notice")
	e2 := c2.expectEvent("notice")
	assert.Equal(t, "system", e1.Sender)
	assert.Equal(t, e1.ID, e2.ID)
}

// TestRoomGraceTimer 测试空房间宽限期自动删除
func TestRoomGraceTimer(t *testing.T) {
	s := newTestServer(t, WithRoomPolicy(RoomPolicy{
		AutoDeleteEmpty: true,
		EmptyTTL:        100 * time.Millisecond,
	}))
	ns := s.Of("/chat")

	destroyed := make(chan Event, 1)
	s.Subscribe(EventRoomDestroyed, func(e Event) {
		select {
		case destroyed <- e:
		default:
		}
	})

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("general"))
	c.conn.Leave("general")

	select {
	case e := <-destroyed:
		assert.Equal(t, "general", e.Room)
		assert.Equal(t, "/chat", e.Namespace)
	case <-time.After(2 * time.Second):
		t.Fatal("宽限期满后房间应该被销毁")
	}

	_, ok := ns.GetRoom("general")
	assert.False(t, ok)
}

// TestRoomGraceTimerRejoin 测试宽限期内重新加入取消删除
func TestRoomGraceTimerRejoin(t *testing.T) {
	s := newTestServer(t, WithRoomPolicy(RoomPolicy{
		AutoDeleteEmpty: true,
		EmptyTTL:        300 * time.Millisecond,
	}))
	ns := s.Of("/chat")

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("general"))
	r, _ := ns.GetRoom("general")

	c.conn.Leave("general")

	// 宽限期过半时重新加入
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.conn.Join("general"))

	// 原定删除时刻之后房间仍然存活，且是同一实例
	time.Sleep(400 * time.Millisecond)
	cur, ok := ns.GetRoom("general")
	require.True(t, ok, "重新加入后房间不应该被销毁")
	assert.Same(t, r, cur)
	assert.False(t, r.IsDestroyed())
	assert.Equal(t, 1, r.Size())
}

// TestRoomImmediateDelete 测试宽限期为 0 时最后一人离开立即删除
func TestRoomImmediateDelete(t *testing.T) {
	s := newTestServer(t, WithRoomPolicy(RoomPolicy{
		AutoDeleteEmpty: true,
		EmptyTTL:        0,
	}))
	ns := s.Of("/chat")

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("general"))
	c.conn.Leave("general")

	require.Eventually(t, func() bool {
		_, ok := ns.GetRoom("general")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "空房间应该立即销毁")
}

// TestRoomWithoutAutoDelete 测试关闭自动删除后空房间保留
func TestRoomWithoutAutoDelete(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")
	ns.Room("lobby", WithoutAutoDelete())

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("lobby"))
	c.conn.Leave("lobby")

	time.Sleep(100 * time.Millisecond)
	r, ok := ns.GetRoom("lobby")
	require.True(t, ok)
	assert.False(t, r.IsDestroyed())
}

// TestRoomDestroy 测试显式销毁
func TestRoomDestroy(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("general"))
	r, _ := ns.GetRoom("general")

	r.Destroy()
	assert.True(t, r.IsDestroyed())
	assert.False(t, c.conn.InRoom("general"))
	_, ok := ns.GetRoom("general")
	assert.False(t, ok)

	// 重复销毁安全
	r.Destroy()

	// 销毁后的实例不再接收成员，新的加入走新实例
	require.NoError(t, c.conn.Join("general"))
	fresh, ok := ns.GetRoom("general")
	require.True(t, ok)
	assert.NotSame(t, r, fresh)
	assert.Equal(t, 0, r.Size())
	assert.Equal(t, 1, fresh.Size())
}

// TestRoomTaskLifecycle 测试房间级任务随销毁停止
func TestRoomTaskLifecycle(t *testing.T) {
	s := newTestServer(t)
	ns := s.Of("/chat")

	c := dial(t, ns)
	require.NoError(t, c.conn.Join("general"))
	r, _ := ns.GetRoom("general")

	var ticks atomic.Int64
	require.True(t, r.AddTask("tick", 20*time.Millisecond, func() {
		ticks.Add(1)
	}))
	// 同名任务不重复注册
	require.False(t, r.AddTask("tick", 20*time.Millisecond, func() {}))

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "任务应该周期执行")

	r.Destroy()
	require.Eventually(t, func() bool {
		return !s.tasks.Has("room:/chat:general", "tick")
	}, 2*time.Second, 10*time.Millisecond, "销毁后任务应该被移除")

	// 计数停止增长
	n := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), n+1)
}
