package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/broker"
	"github.com/tokmz/relay/pkg/envelope"
)

// Middleware 连接中间件
//
// 升级完成后、连接注册前依次执行，返回错误则拒绝连接。
// 认证信息通过 c.SetUser / c.SetMetadata 附着到连接上。
type Middleware func(ctx context.Context, c *Conn, r *http.Request) error

// Handler 应用事件处理器
type Handler func(c *Conn, e envelope.Envelope) error

// controlKind 保留控制事件的封闭集合
type controlKind int

const (
	ctlNone controlKind = iota
	ctlJoin
	ctlLeave
	ctlRoomMessage
)

// 保留事件名（客户端控制协议，不允许注册应用处理器）
const (
	eventJoinRoom    = "joinRoom"
	eventLeaveRoom   = "leaveRoom"
	eventRoomMessage = "roomMessage"
)

// controlFor 事件名到控制类型的映射
func controlFor(event string) controlKind {
	switch event {
	case eventJoinRoom:
		return ctlJoin
	case eventLeaveRoom:
		return ctlLeave
	case eventRoomMessage:
		return ctlRoomMessage
	default:
		return ctlNone
	}
}

// controlPayload 控制事件载荷
type controlPayload struct {
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Namespace 命名空间：连接与房间的隔离单元
//
// 同名命名空间在所有进程间共享广播域；房间名只在所属命名空间内唯一。
type Namespace struct {
	name string
	srv  *Server

	mu    sync.RWMutex
	rooms map[string]*Room
	conns map[string]*Conn

	hmu        sync.RWMutex
	middleware []Middleware
	handlers   map[string]Handler

	// nsSub 命名空间主题的 broker 订阅
	nsSub *broker.Subscription
}

// newNamespace 创建命名空间并桥接 broker
func newNamespace(srv *Server, name string) *Namespace {
	n := &Namespace{
		name:     name,
		srv:      srv,
		rooms:    make(map[string]*Room),
		conns:    make(map[string]*Conn),
		handlers: make(map[string]Handler),
	}

	if b := srv.broker; b != nil {
		sub, err := b.Subscribe(srv.ctx, broker.NamespaceTopic(name), n.handleDelivery)
		if err != nil {
			srv.log.Error("namespace broker subscribe failed",
				zap.String("namespace", name), zap.Error(err))
		} else {
			n.nsSub = sub
		}
	}
	return n
}

// Name 命名空间名
func (n *Namespace) Name() string {
	return n.name
}

// Use 注册连接中间件（按注册顺序执行）
func (n *Namespace) Use(mw ...Middleware) *Namespace {
	n.hmu.Lock()
	n.middleware = append(n.middleware, mw...)
	n.hmu.Unlock()
	return n
}

// Handle 注册应用事件处理器
//
// 保留控制事件与重复注册都会被拒绝。
func (n *Namespace) Handle(event string, h Handler) error {
	if controlFor(event) != ctlNone {
		return fmt.Errorf("%w: %s", ErrReservedEvent, event)
	}

	n.hmu.Lock()
	defer n.hmu.Unlock()
	if _, ok := n.handlers[event]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, event)
	}
	n.handlers[event] = h
	return nil
}

// Attach 接管一条已升级的传输连接
//
// 依次执行中间件，全部通过后注册连接并启动读写泵。中间件拒绝时
// 向对端发送错误帧后关闭，返回 ErrMiddlewareRejected。
func (n *Namespace) Attach(tr Transport, r *http.Request) (*Conn, error) {
	if n.srv.closed.Load() {
		_ = tr.Close()
		return nil, ErrServerClosed
	}
	if !n.srv.addConn() {
		n.rejectTransport(tr, "too many connections")
		return nil, ErrTooManyConnections
	}

	c := newConn(n, tr)

	if err := n.runMiddleware(c, r); err != nil {
		n.srv.decConn()
		c.cancel()
		n.rejectTransport(tr, "connection rejected")
		n.srv.log.Warn("middleware rejected connection",
			zap.String("namespace", n.name),
			zap.String("remote", tr.RemoteAddr()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrMiddlewareRejected, err)
	}

	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()

	n.srv.metrics.IncrementConnections()
	n.srv.events.publish(Event{
		Type:      EventConnected,
		Namespace: n.name,
		ConnID:    c.id,
	})

	n.srv.wg.Add(1)
	go func() {
		defer n.srv.wg.Done()
		c.run()
	}()

	n.srv.log.Debug("connection attached",
		zap.String("namespace", n.name),
		zap.String("conn", c.id),
		zap.String("remote", tr.RemoteAddr()))
	return c, nil
}

// runMiddleware 在握手超时内执行中间件链
func (n *Namespace) runMiddleware(c *Conn, r *http.Request) error {
	n.hmu.RLock()
	chain := make([]Middleware, len(n.middleware))
	copy(chain, n.middleware)
	n.hmu.RUnlock()

	if len(chain) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.srv.config.HandshakeTimeout)
	defer cancel()

	for _, mw := range chain {
		if err := mw(ctx, c, r); err != nil {
			return err
		}
	}
	return nil
}

// rejectTransport 向未注册的传输发送错误帧后关闭
func (n *Namespace) rejectTransport(tr Transport, message string) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err == nil {
		if e, err := envelope.New(n.name, "", "error", payload, envelope.SenderSystem); err == nil {
			if data, err := envelope.Encode(e); err == nil {
				_ = tr.WriteMessage(data)
			}
		}
	}
	_ = tr.WriteClose(message)
	_ = tr.Close()
}

// Room 获取或创建房间
func (n *Namespace) Room(name string, opts ...RoomOption) *Room {
	n.mu.RLock()
	r, ok := n.rooms[name]
	n.mu.RUnlock()
	if ok {
		return r
	}

	policy := n.srv.config.Room
	for _, opt := range opts {
		opt(&policy)
	}

	n.mu.Lock()
	if r, ok = n.rooms[name]; ok {
		n.mu.Unlock()
		return r
	}
	r = newRoom(n, name, policy)
	n.rooms[name] = r
	count := len(n.rooms)
	n.mu.Unlock()

	n.srv.metrics.SetRoomCount(n.name, count)
	n.srv.events.publish(Event{
		Type:      EventRoomCreated,
		Namespace: n.name,
		Room:      name,
	})
	n.srv.log.Debug("room created",
		zap.String("namespace", n.name),
		zap.String("room", name))
	return r
}

// GetRoom 获取既有房间
func (n *Namespace) GetRoom(name string) (*Room, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.rooms[name]
	return r, ok
}

// Rooms 房间名快照
func (n *Namespace) Rooms() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.rooms))
	for name := range n.rooms {
		out = append(out, name)
	}
	return out
}

// ConnCount 本地连接数
func (n *Namespace) ConnCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// dropRoom 从注册表移除房间（仅当仍指向同一实例）
func (n *Namespace) dropRoom(name string, r *Room) {
	n.mu.Lock()
	if cur, ok := n.rooms[name]; ok && cur == r {
		delete(n.rooms, name)
	}
	count := len(n.rooms)
	n.mu.Unlock()
	n.srv.metrics.SetRoomCount(n.name, count)
}

// join 连接加入房间
//
// 房间在宽限期满的瞬间可能被并发销毁，此时重试拿到新实例。
func (n *Namespace) join(c *Conn, room string) error {
	for {
		r := n.Room(room)
		added, err := r.add(c)
		if errors.Is(err, ErrRoomDestroyed) {
			continue
		}
		if err != nil {
			return err
		}
		if !added {
			// 已是成员，幂等返回
			return nil
		}

		n.srv.events.publish(Event{
			Type:      EventRoomJoined,
			Namespace: n.name,
			Room:      room,
			ConnID:    c.id,
		})
		n.syncState(c, room, true)
		n.srv.log.Debug("joined room",
			zap.String("namespace", n.name),
			zap.String("room", room),
			zap.String("conn", c.id))
		return nil
	}
}

// leave 连接离开房间（幂等）
func (n *Namespace) leave(c *Conn, room string) {
	r, ok := n.GetRoom(room)
	if !ok {
		c.removeRoom(room)
		return
	}
	if !r.remove(c.id) {
		return
	}

	n.srv.events.publish(Event{
		Type:      EventRoomLeft,
		Namespace: n.name,
		Room:      room,
		ConnID:    c.id,
	})
	n.syncState(c, room, false)
	n.srv.log.Debug("left room",
		zap.String("namespace", n.name),
		zap.String("room", room),
		zap.String("conn", c.id))
}

// syncState 异步同步全局成员存储（失败只记日志）
func (n *Namespace) syncState(c *Conn, room string, joined bool) {
	st := n.srv.state
	if st == nil {
		return
	}

	identity := c.identity()
	n.srv.wg.Add(1)
	go func() {
		defer n.srv.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.srv.config.StateTimeout)
		defer cancel()

		var err error
		if joined {
			err = st.AddUserToRoom(ctx, n.name, room, identity)
		} else {
			err = st.RemoveUserFromRoom(ctx, n.name, room, identity)
		}
		if err != nil {
			n.srv.log.Warn("state store sync failed",
				zap.String("namespace", n.name),
				zap.String("room", room),
				zap.Bool("joined", joined),
				zap.Error(err))
		}
	}()
}

// UsersInRoom 房间全局成员列表
func (n *Namespace) UsersInRoom(ctx context.Context, room string) ([]string, error) {
	if n.srv.state == nil {
		if r, ok := n.GetRoom(room); ok {
			return r.Members(), nil
		}
		return nil, nil
	}
	return n.srv.state.UsersInRoom(ctx, n.name, room)
}

// dispatch 入站信封分发
//
// 保留控制事件走封闭分支，应用事件查处理器表；未知事件记日志丢弃，
// 处理器错误回错误帧，均不中断连接。
func (n *Namespace) dispatch(c *Conn, e envelope.Envelope) {
	switch controlFor(e.Event) {
	case ctlJoin:
		n.handleJoin(c, e)
	case ctlLeave:
		n.handleLeave(c, e)
	case ctlRoomMessage:
		n.handleRoomMessage(c, e)
	default:
		n.handleAppEvent(c, e)
	}
}

// handleJoin joinRoom 控制事件
func (n *Namespace) handleJoin(c *Conn, e envelope.Envelope) {
	room := n.targetRoom(e, nil)
	if room == "" {
		c.sendError(ErrRoomRequired.Error())
		return
	}
	if err := n.join(c, room); err != nil {
		c.sendError(err.Error())
	}
}

// handleLeave leaveRoom 控制事件
func (n *Namespace) handleLeave(c *Conn, e envelope.Envelope) {
	room := n.targetRoom(e, nil)
	if room == "" {
		c.sendError(ErrRoomRequired.Error())
		return
	}
	n.leave(c, room)
}

// handleRoomMessage roomMessage 控制事件
//
// 发送者必须是目标房间的当前成员，否则告警丢弃，不向任何成员
// 发帧，也不回错误帧。
func (n *Namespace) handleRoomMessage(c *Conn, e envelope.Envelope) {
	var ctl controlPayload
	room := n.targetRoom(e, &ctl)
	if room == "" {
		c.sendError(ErrRoomRequired.Error())
		return
	}

	r, ok := n.GetRoom(room)
	if !ok || !r.Has(c.id) {
		n.srv.log.Warn("roomMessage to room not joined",
			zap.String("namespace", n.name),
			zap.String("room", room),
			zap.String("conn", c.id),
			zap.Error(ErrNotInRoom))
		return
	}

	// 保留原信封 ID 与 trace，重定向到目标房间
	out := e
	out.Event = eventRoomMessage
	out.Room = room
	if len(ctl.Payload) > 0 {
		out.Payload = ctl.Payload
	}
	r.relay(out, c.id)
}

// targetRoom 解析控制事件的目标房间（载荷 roomId 优先，信封 Room 兜底）
func (n *Namespace) targetRoom(e envelope.Envelope, out *controlPayload) string {
	var ctl controlPayload
	if out == nil {
		out = &ctl
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, out); err != nil {
			return e.Room
		}
	}
	if out.RoomID != "" {
		return out.RoomID
	}
	return e.Room
}

// handleAppEvent 应用事件
func (n *Namespace) handleAppEvent(c *Conn, e envelope.Envelope) {
	n.hmu.RLock()
	h, ok := n.handlers[e.Event]
	n.hmu.RUnlock()

	if !ok {
		n.srv.log.Debug("drop unknown event",
			zap.String("namespace", n.name),
			zap.String("event", e.Event),
			zap.String("conn", c.id))
		return
	}

	if err := h(c, e); err != nil {
		n.srv.log.Warn("event handler failed",
			zap.String("namespace", n.name),
			zap.String("event", e.Event),
			zap.String("conn", c.id),
			zap.Error(err))
		c.sendError(err.Error())
	}
}

// Broadcast 命名空间级广播（所有本地连接 + 跨进程发布）
func (n *Namespace) Broadcast(event string, payload []byte) {
	e, err := envelope.New(n.name, "", event, payload, envelope.SenderSystem)
	if err != nil {
		n.srv.log.Warn("namespace broadcast dropped: bad envelope",
			zap.String("namespace", n.name), zap.Error(err))
		return
	}

	n.fanout(e, "")
	n.publish(e)
}

// fanout 向所有本地连接扇出
func (n *Namespace) fanout(e envelope.Envelope, excludeID string) {
	data, err := envelope.Encode(e)
	if err != nil {
		return
	}

	n.mu.RLock()
	targets := make([]*Conn, 0, len(n.conns))
	for id, c := range n.conns {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	n.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			n.srv.metrics.IncrementDroppedFrames()
		}
	}
	n.srv.metrics.IncrementBroadcasts()
}

// publish 发布到命名空间主题
func (n *Namespace) publish(e envelope.Envelope) {
	b := n.srv.broker
	if b == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.srv.config.PublishTimeout)
	defer cancel()

	d := broker.Delivery{
		Envelope: e,
		Origin:   n.srv.processID,
		Sender:   envelope.SenderSystem,
	}
	if err := b.Publish(ctx, broker.NamespaceTopic(n.name), d); err != nil {
		n.srv.metrics.IncrementBrokerPublishErrors()
		n.srv.log.Warn("namespace publish failed",
			zap.String("namespace", n.name),
			zap.Error(err))
	}
}

// handleDelivery broker 入站（命名空间主题）
func (n *Namespace) handleDelivery(d broker.Delivery) {
	if d.Origin == n.srv.processID {
		return
	}
	if !envelope.IsValid(d.Envelope) {
		n.srv.log.Warn("drop invalid broker envelope",
			zap.String("namespace", n.name))
		return
	}
	n.fanout(d.Envelope, d.Sender)
}

// To 面向一个或多个房间的发送器
func (n *Namespace) To(rooms ...string) *Emitter {
	return newEmitter(n, rooms...)
}

// In To 的别名
func (n *Namespace) In(rooms ...string) *Emitter {
	return n.To(rooms...)
}

// unregister 注销连接（由 Conn.Close 调用）
func (n *Namespace) unregister(c *Conn) {
	n.mu.Lock()
	_, ok := n.conns[c.id]
	if ok {
		delete(n.conns, c.id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	n.srv.decConn()
	n.srv.metrics.DecrementConnections()
	n.srv.events.publish(Event{
		Type:      EventDisconnected,
		Namespace: n.name,
		ConnID:    c.id,
	})
}

// Clear 关闭命名空间内的全部房间与连接（服务停机路径）
func (n *Namespace) Clear() {
	n.mu.Lock()
	rooms := make([]*Room, 0, len(n.rooms))
	for _, r := range n.rooms {
		rooms = append(rooms, r)
	}
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	sub := n.nsSub
	n.nsSub = nil
	n.mu.Unlock()

	for _, r := range rooms {
		r.Destroy()
	}
	for _, c := range conns {
		c.Close()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}
