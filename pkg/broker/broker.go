// Package broker 提供网关进程间的发布/订阅传输。
//
// broker 不持有任何领域状态，只负责把 Delivery 在进程间搬运；
// 回环抑制所需的 Origin 与 Sender 都显式携带在 Delivery 上，
// 任何实现都不得依赖推断。
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/tokmz/relay/pkg/envelope"
)

// 错误定义
var (
	ErrClosed       = errors.New("broker: closed")
	ErrNotConnected = errors.New("broker: not connected")
)

// Delivery 进程间投递单元
type Delivery struct {
	// Envelope 原始信封
	Envelope envelope.Envelope `json:"envelope"`

	// Origin 发布方进程 ID，接收方据此跳过自己发布的消息
	Origin string `json:"origin"`

	// Sender 原始发送连接 ID，接收方据此做回显抑制
	Sender string `json:"sender,omitempty"`
}

// Handler 订阅回调
type Handler func(Delivery)

// Broker 进程间消息总线接口
//
// Publish 为尽力而为：传输失败由调用方记日志，不得让发布路径崩溃。
// 同一 topic 的多个本地 handler 共享一条底层订阅。
type Broker interface {
	// Connect 建立底层连接，启动期失败应当中止网关初始化
	Connect(ctx context.Context) error

	// Publish 发布消息
	Publish(ctx context.Context, topic string, d Delivery) error

	// Subscribe 订阅主题，返回可取消的订阅句柄
	Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error)

	// Close 释放资源
	Close() error
}

// Subscription 订阅句柄
type Subscription struct {
	topic  string
	once   sync.Once
	cancel func()
}

// Topic 订阅的主题
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe 取消订阅（可重复调用）
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// RoomTopic 房间级主题名
func RoomTopic(namespace, room string) string {
	return "gateway:" + namespace + ":room:" + room
}

// NamespaceTopic 命名空间级主题名
func NamespaceTopic(namespace string) string {
	return "gateway:" + namespace
}
