package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/envelope"
	"github.com/tokmz/relay/pkg/scheduler"
)

// ConnState 连接状态
type ConnState int32

const (
	// StateOpen 正常收发
	StateOpen ConnState = iota
	// StateClosing 清理中
	StateClosing
	// StateClosed 已关闭
	StateClosed
)

// Conn 一条双工连接的网关侧包装
//
// 自身字段只由自己的事件处理路径或 Room/Namespace 在锁内代为修改。
type Conn struct {
	id string
	ns *Namespace
	tr Transport

	// userID 经中间件认证后的用户身份
	userID   atomic.Pointer[string]
	metadata sync.Map

	// 发送队列
	send chan []byte

	// 房间成员关系（与各 Room 的成员集合互为镜像）
	mu    sync.Mutex
	rooms map[string]struct{}

	// 生命周期
	state        atomic.Int32
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	invalidCount atomic.Int32
}

// newConn 创建连接
func newConn(ns *Namespace, tr Transport) *Conn {
	ctx, cancel := context.WithCancel(ns.srv.ctx)
	return &Conn{
		id:     uuid.NewString(),
		ns:     ns,
		tr:     tr,
		send:   make(chan []byte, ns.srv.config.SendQueueSize),
		rooms:  make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID 连接唯一标识
func (c *Conn) ID() string {
	return c.id
}

// Namespace 所属命名空间
func (c *Conn) Namespace() *Namespace {
	return c.ns
}

// User 认证身份（未认证时为空）
func (c *Conn) User() string {
	if p := c.userID.Load(); p != nil {
		return *p
	}
	return ""
}

// SetUser 设置认证身份（由连接中间件调用）
func (c *Conn) SetUser(userID string) {
	c.userID.Store(&userID)
}

// identity 全局成员存储里使用的身份，优先认证身份
func (c *Conn) identity() string {
	if u := c.User(); u != "" {
		return u
	}
	return c.id
}

// State 当前状态
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// IsClosed 是否已进入关闭流程
func (c *Conn) IsClosed() bool {
	return c.State() != StateOpen
}

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() string {
	return c.tr.RemoteAddr()
}

// GetMetadata 获取元数据
func (c *Conn) GetMetadata(key string) (any, bool) {
	return c.metadata.Load(key)
}

// SetMetadata 设置元数据
func (c *Conn) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

// Rooms 当前加入的房间
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		out = append(out, name)
	}
	return out
}

// InRoom 是否在指定房间中
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// addRoom 登记房间（由 Room 在其锁内调用）
func (c *Conn) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// removeRoom 注销房间（由 Room 在其锁内调用）
func (c *Conn) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Join 加入房间
func (c *Conn) Join(room string) error {
	return c.ns.join(c, room)
}

// Leave 离开房间
func (c *Conn) Leave(room string) {
	c.ns.leave(c, room)
}

// Send 发送信封
//
// 连接已关闭时静默丢弃（返回 ErrConnClosed 供调用方观测，
// 广播路径按尽力而为处理，不向上传播）。
func (c *Conn) Send(e envelope.Envelope) error {
	data, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue 非阻塞入队
func (c *Conn) enqueue(data []byte) error {
	if c.IsClosed() {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// sendError 发送错误帧
func (c *Conn) sendError(message string) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	e, err := envelope.New(c.ns.name, "", "error", payload, envelope.SenderSystem)
	if err != nil {
		return
	}
	_ = c.Send(e)
}

// AddTask 注册绑定本连接生命周期的周期任务
//
// 连接关闭后任务经存活谓词自动移除，Close 路径同时做兜底清理。
func (c *Conn) AddTask(taskID string, interval time.Duration, fn scheduler.Func) bool {
	return c.ns.srv.tasks.Add(c.id, taskID, interval, fn, scheduler.WithCondition(func() bool {
		return !c.IsClosed()
	}))
}

// run 驱动读写泵直至连接退出
func (c *Conn) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump()
	}()
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	wg.Wait()
	c.Close()
}

// readPump 读取入站帧并分发
func (c *Conn) readPump() {
	defer c.Close()

	cfg := c.ns.srv.config
	c.tr.SetReadLimit(cfg.MaxMessageSize)
	if err := c.tr.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout)); err != nil {
		return
	}
	c.tr.SetPongHandler(func(string) error {
		return c.tr.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			data, err := c.tr.ReadMessage()
			if err != nil {
				return
			}

			var e envelope.Envelope
			if err := json.Unmarshal(data, &e); err != nil || e.Event == "" {
				c.ns.srv.metrics.IncrementInvalidMessages()
				if c.invalidCount.Add(1) > cfg.InvalidMessageLimit {
					// 持续乱帧，断开连接
					return
				}
				c.sendError("invalid message format")
				continue
			}
			c.invalidCount.Store(0)

			// 服务端补齐命名空间与发送者，客户端无法伪造
			e = envelope.Normalize(e, c.ns.name, c.id)
			c.ns.srv.metrics.IncrementMessageCount(e.Event)
			c.ns.dispatch(c, e)
		}
	}
}

// writePump 写出出站帧与心跳
func (c *Conn) writePump() {
	cfg := c.ns.srv.config
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.tr.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.tr.WriteClose("")
			return

		case data := <-c.send:
			if err := c.tr.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				return
			}
			if err := c.tr.WriteMessage(data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.tr.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				return
			}
			if err := c.tr.Ping(); err != nil {
				return
			}
		}
	}
}

// Close 关闭连接
//
// 返回前同步完成：退出所有房间、停止连接级任务、从命名空间注销，
// 保证之后的广播不会再指向半关闭的连接。可重复调用。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()

		// 退出所有房间（含宽限期与全局存储注销）
		for _, room := range c.Rooms() {
			c.ns.leave(c, room)
		}

		// 停止连接级任务
		c.ns.srv.tasks.StopAll(c.id)

		// 从命名空间注销并通知
		c.ns.unregister(c)

		_ = c.tr.Close()
		c.state.Store(int32(StateClosed))

		c.ns.srv.log.Debug("connection closed",
			zap.String("namespace", c.ns.name),
			zap.String("conn", c.id))
	})
}
