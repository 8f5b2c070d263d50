package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/envelope"
	"github.com/tokmz/relay/pkg/logger"
)

// amqpTopic 单个主题的消费通道与本地 handler 集合
type amqpTopic struct {
	ch       *amqp.Channel
	handlers map[int]Handler
	nextID   int
}

// AMQP 基于 RabbitMQ 的分布式 broker
//
// 每个主题对应一个 fanout exchange；每个进程为订阅的主题声明一个
// 独占的自动删除队列并绑定，由此保证每条消息投递到每个进程一次。
type AMQP struct {
	url  string
	log  logger.Logger
	seen *dedup

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	topics map[string]*amqpTopic
	closed bool
	wg     sync.WaitGroup
}

// NewAMQP 创建 RabbitMQ broker
func NewAMQP(url string, log logger.Logger) *AMQP {
	if log == nil {
		log = logger.NewNop()
	}
	return &AMQP{
		url:    url,
		log:    log,
		seen:   newDedup(),
		topics: make(map[string]*amqpTopic),
	}
}

// Connect 建立连接与发布通道
func (a *AMQP) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	a.conn = conn
	a.pub = pub
	return nil
}

// declareExchange 声明主题对应的 fanout exchange
func declareExchange(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(topic, "fanout", false, true, false, false, nil)
}

// Publish 发布消息
func (a *AMQP) Publish(ctx context.Context, topic string, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	// amqp channel 不支持并发发布，整段持锁
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.pub == nil {
		return ErrNotConnected
	}
	if err := declareExchange(a.pub, topic); err != nil {
		return err
	}
	return a.pub.PublishWithContext(ctx, topic, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
}

// Subscribe 订阅主题
func (a *AMQP) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.conn == nil {
		return nil, ErrNotConnected
	}

	t, ok := a.topics[topic]
	if !ok {
		ch, err := a.conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := declareExchange(ch, topic); err != nil {
			_ = ch.Close()
			return nil, err
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
			_ = ch.Close()
			return nil, err
		}
		msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}

		t = &amqpTopic{
			ch:       ch,
			handlers: make(map[int]Handler),
		}
		a.topics[topic] = t

		a.wg.Add(1)
		go a.consume(topic, t, msgs)
	}

	id := t.nextID
	t.nextID++
	t.handlers[id] = h

	return &Subscription{
		topic:  topic,
		cancel: func() { a.unsubscribe(topic, id) },
	}, nil
}

// consume 单主题消费循环
func (a *AMQP) consume(topic string, t *amqpTopic, msgs <-chan amqp.Delivery) {
	defer a.wg.Done()

	for msg := range msgs {
		var d Delivery
		if err := json.Unmarshal(msg.Body, &d); err != nil {
			a.log.Warn("broker: drop malformed payload",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		if !envelope.IsValid(d.Envelope) {
			a.log.Warn("broker: drop invalid envelope",
				zap.String("topic", topic))
			continue
		}
		if a.seen.seen(d.Envelope.ID) {
			continue
		}

		a.mu.Lock()
		handlers := make([]Handler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		a.mu.Unlock()

		for _, h := range handlers {
			h(d)
		}
	}
}

// unsubscribe 注销本地 handler，最后一个离开时关闭消费通道
func (a *AMQP) unsubscribe(topic string, id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.topics[topic]
	if !ok {
		return
	}
	delete(t.handlers, id)
	if len(t.handlers) == 0 {
		_ = t.ch.Close()
		delete(a.topics, topic)
	}
}

// Close 关闭全部通道与连接
func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for topic, t := range a.topics {
		_ = t.ch.Close()
		delete(a.topics, topic)
	}
	conn := a.conn
	a.mu.Unlock()

	a.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
