package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"最大连接数为零", func(c *Config) { c.MaxConnections = 0 }},
		{"消息大小为负", func(c *Config) { c.MaxMessageSize = -1 }},
		{"握手超时为零", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"发送队列为零", func(c *Config) { c.SendQueueSize = 0 }},
		{"心跳超时小于间隔", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval / 2 }},
		{"发布超时为零", func(c *Config) { c.PublishTimeout = 0 }},
		{"房间人数为负", func(c *Config) { c.Room.MaxRoomSize = -1 }},
		{"宽限期为负", func(c *Config) { c.Room.EmptyTTL = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestLoadConfig 测试配置文件加载
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := []byte(`
max_connections: 500
heartbeat_interval: 10s
heartbeat_timeout: 25s
room:
  max_room_size: 64
  auto_delete_empty: true
  empty_ttl: 5s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 64, cfg.Room.MaxRoomSize)
	assert.Equal(t, 5*time.Second, cfg.Room.EmptyTTL)
	// 未出现的键保持默认值
	assert.Equal(t, 256, cfg.SendQueueSize)
}

// TestLoadConfigMissing 测试配置文件缺失
func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestOptions 测试配置选项
func TestOptions(t *testing.T) {
	loaded := DefaultConfig()
	loaded.MaxConnections = 77

	cfg := DefaultConfig()
	for _, opt := range []Option{
		WithLogger(nil),
		WithMaxConnections(5),
		WithConfig(loaded),
		WithHeartbeat(time.Second, 3*time.Second),
		WithSendQueueSize(32),
	} {
		opt(cfg)
	}

	// WithConfig 整体替换，之后的选项继续生效
	assert.Equal(t, 77, cfg.MaxConnections)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 32, cfg.SendQueueSize)
}
