package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 生命周期事件类型
type EventType string

const (
	// EventConnected 连接建立
	EventConnected EventType = "conn.connected"
	// EventDisconnected 连接断开
	EventDisconnected EventType = "conn.disconnected"
	// EventRoomCreated 房间创建
	EventRoomCreated EventType = "room.created"
	// EventRoomDestroyed 房间销毁
	EventRoomDestroyed EventType = "room.destroyed"
	// EventRoomJoined 加入房间
	EventRoomJoined EventType = "room.joined"
	// EventRoomLeft 离开房间
	EventRoomLeft EventType = "room.left"
)

// Event 生命周期事件
type Event struct {
	Type      EventType
	Namespace string
	Room      string
	ConnID    string
	Time      time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// eventBus 异步生命周期事件总线
type eventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler

	queue   chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// newEventBus 创建事件总线
func newEventBus() *eventBus {
	eb := &eventBus{
		handlers: make(map[EventType][]EventHandler),
		queue:    make(chan Event, 256),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < 4; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

// worker 工作协程
func (eb *eventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case e := <-eb.queue:
			eb.mu.RLock()
			handlers := eb.handlers[e.Type]
			eb.mu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		case <-eb.stopCh:
			return
		}
	}
}

// subscribe 订阅事件
func (eb *eventBus) subscribe(t EventType, h EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], h)
}

// publish 发布事件（非阻塞，队列满时丢弃）
func (eb *eventBus) publish(e Event) {
	if eb.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	select {
	case eb.queue <- e:
	default:
		eb.dropped.Add(1)
	}
}

// close 关闭事件总线
func (eb *eventBus) close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stopCh)
	eb.wg.Wait()
}
