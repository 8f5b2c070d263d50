package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/broker"
	"github.com/tokmz/relay/pkg/envelope"
	"github.com/tokmz/relay/pkg/scheduler"
)

// RoomOption 房间策略选项（覆盖命名空间默认策略）
type RoomOption func(*RoomPolicy)

// WithAutoDelete 房间为空时经宽限期后自动删除，ttl 为 0 表示立即删除
func WithAutoDelete(ttl time.Duration) RoomOption {
	return func(p *RoomPolicy) {
		p.AutoDeleteEmpty = true
		p.EmptyTTL = ttl
	}
}

// WithoutAutoDelete 关闭自动删除，房间只能显式销毁
func WithoutAutoDelete() RoomOption {
	return func(p *RoomPolicy) {
		p.AutoDeleteEmpty = false
	}
}

// WithMaxRoomSize 设置房间人数上限（0 不限制）
func WithMaxRoomSize(max int) RoomOption {
	return func(p *RoomPolicy) {
		p.MaxRoomSize = max
	}
}

// Room 命名空间内的一个房间：定向广播的基本单位
//
// 生命周期：absent → active（首次加入）→ draining（空置且配置了
// 自动删除）→ active（宽限期内有人加入）或 destroyed（宽限期满）。
// 成员集合的全部修改都在 mu 内串行化，广播对快照迭代。
type Room struct {
	ns        *Namespace
	name      string
	createdAt time.Time
	policy    RoomPolicy

	mu         sync.RWMutex
	members    map[string]*Conn
	destroyed  bool
	graceTimer *time.Timer

	// sub 房间主题的 broker 订阅，销毁时退订
	sub *broker.Subscription
}

// newRoom 创建房间并桥接 broker
func newRoom(ns *Namespace, name string, policy RoomPolicy) *Room {
	r := &Room{
		ns:        ns,
		name:      name,
		createdAt: time.Now(),
		policy:    policy,
		members:   make(map[string]*Conn),
	}

	if b := ns.srv.broker; b != nil {
		sub, err := b.Subscribe(ns.srv.ctx, broker.RoomTopic(ns.name, name), r.handleDelivery)
		if err != nil {
			// 订阅失败只影响跨进程扇出，本地广播照常工作
			ns.srv.log.Error("room broker subscribe failed",
				zap.String("namespace", ns.name),
				zap.String("room", name),
				zap.Error(err))
		} else {
			r.sub = sub
		}
	}

	return r
}

// Name 房间名
func (r *Room) Name() string {
	return r.name
}

// Namespace 所属命名空间
func (r *Room) Namespace() *Namespace {
	return r.ns
}

// CreatedAt 创建时间
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Size 当前本地成员数
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Has 指定连接是否为本地成员
func (r *Room) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// Members 本地成员连接 ID 快照
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// IsDestroyed 是否已销毁
func (r *Room) IsDestroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

// GlobalCount 跨进程全局成员数（依赖全局成员存储）
func (r *Room) GlobalCount(ctx context.Context) (int64, error) {
	if r.ns.srv.state == nil {
		return int64(r.Size()), nil
	}
	return r.ns.srv.state.CountInRoom(ctx, r.ns.name, r.name)
}

// add 添加成员
//
// 幂等：已是成员或房间已销毁时不做任何事。宽限期计时器在
// 有人加入时取消。
func (r *Room) add(c *Conn) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return false, ErrRoomDestroyed
	}
	if _, ok := r.members[c.id]; ok {
		return false, nil
	}
	if r.policy.MaxRoomSize > 0 && len(r.members) >= r.policy.MaxRoomSize {
		return false, ErrRoomFull
	}

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}

	r.members[c.id] = c
	c.addRoom(r.name)
	return true, nil
}

// remove 移除成员
//
// 幂等。移除后房间为空且配置了自动删除时启动（或复用）宽限期
// 计时器。
func (r *Room) remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.members[connID]
	if !ok {
		return false
	}
	delete(r.members, connID)
	c.removeRoom(r.name)

	if len(r.members) == 0 && r.policy.AutoDeleteEmpty && !r.destroyed && r.graceTimer == nil {
		r.graceTimer = time.AfterFunc(r.policy.EmptyTTL, r.expire)
	}
	return true
}

// expire 宽限期到期回调
func (r *Room) expire() {
	r.mu.Lock()
	r.graceTimer = nil
	if r.destroyed || len(r.members) > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.Destroy()
}

// Broadcast 构造信封并广播
//
// senderID 非空时该连接被排除（回显抑制）；配置了 broker 时同步
// 发布到房间主题，投递单元携带本进程 ID 与 senderID。
func (r *Room) Broadcast(event string, payload []byte, senderID string) {
	sender := senderID
	if sender == "" {
		sender = envelope.SenderSystem
	}

	e, err := envelope.New(r.ns.name, r.name, event, payload, sender)
	if err != nil {
		r.ns.srv.log.Warn("broadcast dropped: bad envelope",
			zap.String("room", r.name), zap.Error(err))
		return
	}
	r.relay(e, senderID)
}

// relay 广播既有信封：本地扇出 + broker 发布
func (r *Room) relay(e envelope.Envelope, excludeID string) {
	r.fanout(e, excludeID)
	r.publish(e, excludeID)
}

// fanout 本地扇出（对成员快照迭代，不与并发的成员变更竞争）
func (r *Room) fanout(e envelope.Envelope, excludeID string) {
	data, err := envelope.Encode(e)
	if err != nil {
		return
	}

	r.mu.RLock()
	if r.destroyed {
		r.mu.RUnlock()
		return
	}
	targets := make([]*Conn, 0, len(r.members))
	for id, c := range r.members {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			// 尽力而为：慢连接或已关闭的连接直接丢帧
			r.ns.srv.metrics.IncrementDroppedFrames()
		}
	}
	r.ns.srv.metrics.IncrementBroadcasts()
}

// publish 发布到房间主题（失败只记日志，不影响发布路径）
func (r *Room) publish(e envelope.Envelope, senderID string) {
	b := r.ns.srv.broker
	if b == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.ns.srv.config.PublishTimeout)
	defer cancel()

	d := broker.Delivery{
		Envelope: e,
		Origin:   r.ns.srv.processID,
		Sender:   senderID,
	}
	if err := b.Publish(ctx, broker.RoomTopic(r.ns.name, r.name), d); err != nil {
		r.ns.srv.metrics.IncrementBrokerPublishErrors()
		r.ns.srv.log.Warn("room publish failed",
			zap.String("namespace", r.ns.name),
			zap.String("room", r.name),
			zap.Error(err))
	}
}

// handleDelivery broker 入站：双重回环抑制后本地扇出
func (r *Room) handleDelivery(d broker.Delivery) {
	// 进程级抑制：跳过本进程发布的消息，防止无限中继
	if d.Origin == r.ns.srv.processID {
		return
	}
	// Local broker 不做序列化，这里统一兜底校验
	if !envelope.IsValid(d.Envelope) {
		r.ns.srv.log.Warn("drop invalid broker envelope",
			zap.String("room", r.name))
		return
	}
	// 发送者级抑制：同一连接出现在多实例间迁移时不回显
	r.fanout(d.Envelope, d.Sender)
}

// AddTask 注册绑定本房间生命周期的周期任务
func (r *Room) AddTask(taskID string, interval time.Duration, fn scheduler.Func) bool {
	return r.ns.srv.tasks.Add(r.taskOwner(), taskID, interval, fn, scheduler.WithCondition(func() bool {
		return !r.IsDestroyed()
	}))
}

// taskOwner 调度器中的属主标识
func (r *Room) taskOwner() string {
	return "room:" + r.ns.name + ":" + r.name
}

// Destroy 销毁房间
//
// 退订 broker 主题、清空成员（同步修正各连接的房间集合）、停止
// 房间级任务并从命名空间注销。可重复调用，销毁后所有操作为空操作。
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	members := make([]*Conn, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	r.members = make(map[string]*Conn)
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	for _, c := range members {
		c.removeRoom(r.name)
	}
	if sub != nil {
		sub.Unsubscribe()
	}

	r.ns.srv.tasks.StopAll(r.taskOwner())
	r.ns.dropRoom(r.name, r)

	r.ns.srv.events.publish(Event{
		Type:      EventRoomDestroyed,
		Namespace: r.ns.name,
		Room:      r.name,
	})
	r.ns.srv.log.Debug("room destroyed",
		zap.String("namespace", r.ns.name),
		zap.String("room", r.name))
}
