package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/tokmz/relay/pkg/broker"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/state"
)

// Config 网关配置
type Config struct {
	// 连接配置
	MaxConnections      int           `mapstructure:"max_connections"`
	MaxMessageSize      int64         `mapstructure:"max_message_size"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	SendQueueSize       int           `mapstructure:"send_queue_size"`
	WriteWait           time.Duration `mapstructure:"write_wait"`
	InvalidMessageLimit int32         `mapstructure:"invalid_message_limit"`

	// 心跳配置
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	// broker 配置
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	// 全局成员存储配置
	StateTimeout time.Duration `mapstructure:"state_timeout"`

	// 房间默认策略
	Room RoomPolicy `mapstructure:"room"`

	// Upgrader 配置
	Upgrader UpgraderConfig `mapstructure:"upgrader"`

	// 依赖注入（不参与文件加载）
	Logger  logger.Logger `mapstructure:"-"`
	Metrics Metrics       `mapstructure:"-"`
	Broker  broker.Broker `mapstructure:"-"`
	State   state.Store   `mapstructure:"-"`
}

// RoomPolicy 房间策略
type RoomPolicy struct {
	// MaxRoomSize 单个房间最大人数（0 不限制）
	MaxRoomSize int `mapstructure:"max_room_size"`

	// AutoDeleteEmpty 是否自动删除空房间
	AutoDeleteEmpty bool `mapstructure:"auto_delete_empty"`

	// EmptyTTL 空房间宽限期，0 表示最后一人离开立即删除
	EmptyTTL time.Duration `mapstructure:"empty_ttl"`
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int                      `mapstructure:"read_buffer_size"`
	WriteBufferSize   int                      `mapstructure:"write_buffer_size"`
	EnableCompression bool                     `mapstructure:"enable_compression"`
	AllowedOrigins    []string                 `mapstructure:"allowed_origins"`
	CheckOrigin       func(*http.Request) bool `mapstructure:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:      10000,
		MaxMessageSize:      512 * 1024, // 512KB
		HandshakeTimeout:    10 * time.Second,
		SendQueueSize:       256,
		WriteWait:           10 * time.Second,
		InvalidMessageLimit: 10,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    90 * time.Second,
		PublishTimeout:      5 * time.Second,
		StateTimeout:        3 * time.Second,
		Room: RoomPolicy{
			MaxRoomSize:     0,
			AutoDeleteEmpty: true,
			EmptyTTL:        30 * time.Second,
		},
		Upgrader: UpgraderConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// LoadConfig 从配置文件加载（yaml/json/toml 由扩展名决定）
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: HandshakeTimeout must be positive, got %v", ErrInvalidConfig, c.HandshakeTimeout)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%w: SendQueueSize must be positive, got %d", ErrInvalidConfig, c.SendQueueSize)
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("%w: PublishTimeout must be positive, got %v", ErrInvalidConfig, c.PublishTimeout)
	}
	if c.StateTimeout <= 0 {
		return fmt.Errorf("%w: StateTimeout must be positive, got %v", ErrInvalidConfig, c.StateTimeout)
	}
	if c.Room.MaxRoomSize < 0 {
		return fmt.Errorf("%w: Room.MaxRoomSize must not be negative, got %d", ErrInvalidConfig, c.Room.MaxRoomSize)
	}
	if c.Room.EmptyTTL < 0 {
		return fmt.Errorf("%w: Room.EmptyTTL must not be negative, got %v", ErrInvalidConfig, c.Room.EmptyTTL)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithConfig 整体替换基础配置（通常配合 LoadConfig 使用）
func WithConfig(cfg *Config) Option {
	return func(c *Config) {
		if cfg != nil {
			deps := struct {
				log     logger.Logger
				metrics Metrics
				broker  broker.Broker
				state   state.Store
			}{c.Logger, c.Metrics, c.Broker, c.State}

			*c = *cfg

			if c.Logger == nil {
				c.Logger = deps.log
			}
			if c.Metrics == nil {
				c.Metrics = deps.metrics
			}
			if c.Broker == nil {
				c.Broker = deps.broker
			}
			if c.State == nil {
				c.State = deps.state
			}
		}
	}
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithBroker 设置进程间 broker
func WithBroker(b broker.Broker) Option {
	return func(c *Config) {
		c.Broker = b
	}
}

// WithStateStore 设置全局成员存储
func WithStateStore(s state.Store) Option {
	return func(c *Config) {
		c.State = s
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithSendQueueSize 设置发送队列大小
func WithSendQueueSize(size int) Option {
	return func(c *Config) {
		c.SendQueueSize = size
	}
}

// WithRoomPolicy 设置房间默认策略
func WithRoomPolicy(policy RoomPolicy) Option {
	return func(c *Config) {
		c.Room = policy
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.Upgrader.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.Upgrader.AllowedOrigins = allowedOrigins
		c.Upgrader.CheckOrigin = createWhitelistChecker(allowedOrigins)
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.Upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}
