package broker

import (
	"context"
	"sync"
)

// Local 进程内 broker 实现
//
// 直接调用本地 handler，不做序列化，用于单实例部署与测试。
// 同进程内跑多个网关实例共享一个 Local 即可模拟多进程拓扑。
type Local struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	nextID int
	closed bool
}

// NewLocal 创建进程内 broker
func NewLocal() *Local {
	return &Local{
		topics: make(map[string]map[int]Handler),
	}
}

// Connect 空实现
func (l *Local) Connect(ctx context.Context) error {
	return nil
}

// Publish 同步分发给所有订阅者
func (l *Local) Publish(ctx context.Context, topic string, d Delivery) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(l.topics[topic]))
	for _, h := range l.topics[topic] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(d)
	}
	return nil
}

// Subscribe 注册本地 handler
func (l *Local) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if l.topics[topic] == nil {
		l.topics[topic] = make(map[int]Handler)
	}
	id := l.nextID
	l.nextID++
	l.topics[topic][id] = h

	return &Subscription{
		topic: topic,
		cancel: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if hs, ok := l.topics[topic]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(l.topics, topic)
				}
			}
		},
	}, nil
}

// Close 关闭并清空订阅
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.topics = make(map[string]map[int]Handler)
	return nil
}

// SubscriberCount 主题当前订阅者数量（测试用）
func (l *Local) SubscriberCount(topic string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.topics[topic])
}
