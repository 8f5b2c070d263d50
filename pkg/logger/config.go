package logger

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Format 输出格式
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config 日志配置
type Config struct {
	// Level 日志级别（debug/info/warn/error）
	Level string `mapstructure:"level" json:"level" yaml:"level"`

	// Format 输出格式
	Format Format `mapstructure:"format" json:"format" yaml:"format"`

	// Stdout 是否输出到标准输出
	Stdout bool `mapstructure:"stdout" json:"stdout" yaml:"stdout"`

	// Filename 日志文件路径（为空则不写文件）
	Filename string `mapstructure:"filename" json:"filename" yaml:"filename"`

	// MaxSize 单个日志文件最大体积（MB）
	MaxSize int `mapstructure:"max_size" json:"max_size" yaml:"max_size"`

	// MaxBackups 保留的旧文件数量
	MaxBackups int `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAge 旧文件保留天数
	MaxAge int `mapstructure:"max_age" json:"max_age" yaml:"max_age"`

	// Compress 是否压缩旧文件
	Compress bool `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     FormatConsole,
		Stdout:     true,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
	}
}

// setDefaults 补齐零值
func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatConsole
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30
	}
}

// zapLevel 解析日志级别
func (c *Config) zapLevel() (zapcore.Level, error) {
	switch c.Level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logger: unknown level %q", c.Level)
	}
}
