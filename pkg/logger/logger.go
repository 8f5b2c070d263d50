package logger

import (
	"errors"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口
//
// 网关各组件只依赖这一形状，不绑定具体日志后端。
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	// With 创建携带固定字段的子 Logger
	With(fields ...zap.Field) Logger

	// Sync 刷新缓冲区
	Sync() error
}

// zapLogger zap 实现
type zapLogger struct {
	l *zap.Logger
}

// New 创建 Logger
func New(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()

	level, err := config.zapLevel()
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch config.Format {
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var writers []zapcore.WriteSyncer
	if config.Stdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if config.Filename != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}))
	}
	if len(writers) == 0 {
		return nil, errors.New("logger: no output configured")
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	return &zapLogger{l: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewZap 包装既有的 zap.Logger
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) Sync() error { return z.l.Sync() }

// nopLogger 空实现
type nopLogger struct{}

// NewNop 创建空 Logger（默认值与测试用）
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...zap.Field) {}
func (nopLogger) Info(string, ...zap.Field)  {}
func (nopLogger) Warn(string, ...zap.Field)  {}
func (nopLogger) Error(string, ...zap.Field) {}
func (nopLogger) With(...zap.Field) Logger   { return nopLogger{} }
func (nopLogger) Sync() error                { return nil }
