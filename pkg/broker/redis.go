package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/envelope"
	"github.com/tokmz/relay/pkg/logger"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// RedisConfig Redis broker 配置
type RedisConfig struct {
	Mode         RedisMode     `mapstructure:"mode" json:"mode" yaml:"mode"`
	Addr         string        `mapstructure:"addr" json:"addr" yaml:"addr"`
	Addrs        []string      `mapstructure:"addrs" json:"addrs" yaml:"addrs"`
	Username     string        `mapstructure:"username" json:"username" yaml:"username"`
	Password     string        `mapstructure:"password" json:"password" yaml:"password"`
	DB           int           `mapstructure:"db" json:"db" yaml:"db"`
	MasterName   string        `mapstructure:"master_name" json:"master_name" yaml:"master_name"`
	PoolSize     int           `mapstructure:"pool_size" json:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
}

// NewRedisClient 按部署模式构建 universal client
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("broker: redis config is required")
	}

	switch cfg.Mode {
	case RedisStandalone, "":
		// 单机模式
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case RedisCluster:
		// 集群模式
		if len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("broker: cluster mode requires addrs")
		}
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil

	case RedisSentinel:
		// 哨兵模式
		if len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("broker: sentinel mode requires addrs")
		}
		if cfg.MasterName == "" {
			return nil, fmt.Errorf("broker: sentinel mode requires master name")
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), nil

	default:
		return nil, fmt.Errorf("broker: unsupported redis mode: %s", cfg.Mode)
	}
}

// redisTopic 单个主题的底层订阅与本地 handler 集合
type redisTopic struct {
	pubsub   *redis.PubSub
	handlers map[int]Handler
	nextID   int
}

// Redis 基于 Redis PubSub 的分布式 broker
//
// 每个主题只维护一条到 Redis 的订阅，本地多个 handler 共享并扇出。
// 接收侧先做信封结构校验，再经布隆过滤器去重，最后分发。
type Redis struct {
	client redis.UniversalClient
	log    logger.Logger
	seen   *dedup

	mu     sync.Mutex
	topics map[string]*redisTopic
	closed bool
	wg     sync.WaitGroup
}

// NewRedis 创建 Redis broker
func NewRedis(cfg *RedisConfig, log logger.Logger) (*Redis, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient(client, log), nil
}

// NewRedisWithClient 复用既有 client 创建 Redis broker
func NewRedisWithClient(client redis.UniversalClient, log logger.Logger) *Redis {
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{
		client: client,
		log:    log,
		seen:   newDedup(),
		topics: make(map[string]*redisTopic),
	}
}

// Connect 探活，失败应中止网关启动
func (r *Redis) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Publish 发布消息
func (r *Redis) Publish(ctx context.Context, topic string, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe 订阅主题
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	t, ok := r.topics[topic]
	if !ok {
		// 首个订阅者建立底层订阅，生命周期独立于调用方 ctx
		pubsub := r.client.Subscribe(context.Background(), topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		t = &redisTopic{
			pubsub:   pubsub,
			handlers: make(map[int]Handler),
		}
		r.topics[topic] = t

		r.wg.Add(1)
		go r.consume(topic, t)
	}

	id := t.nextID
	t.nextID++
	t.handlers[id] = h

	return &Subscription{
		topic:  topic,
		cancel: func() { r.unsubscribe(topic, id) },
	}, nil
}

// consume 单主题消费循环
func (r *Redis) consume(topic string, t *redisTopic) {
	defer r.wg.Done()

	for msg := range t.pubsub.Channel() {
		var d Delivery
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			r.log.Warn("broker: drop malformed payload",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		if !envelope.IsValid(d.Envelope) {
			r.log.Warn("broker: drop invalid envelope",
				zap.String("topic", topic))
			continue
		}
		if r.seen.seen(d.Envelope.ID) {
			continue
		}

		r.mu.Lock()
		handlers := make([]Handler, 0, len(t.handlers))
		for _, h := range t.handlers {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()

		for _, h := range handlers {
			h(d)
		}
	}
}

// unsubscribe 注销本地 handler，最后一个离开时关闭底层订阅
func (r *Redis) unsubscribe(topic string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(t.handlers, id)
	if len(t.handlers) == 0 {
		_ = t.pubsub.Close()
		delete(r.topics, topic)
	}
}

// Close 关闭全部订阅与连接
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for topic, t := range r.topics {
		_ = t.pubsub.Close()
		delete(r.topics, topic)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}
