package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version 当前信封协议版本
const Version = 1

// SenderSystem 服务端主动推送时使用的发送者标识
const SenderSystem = "system"

// 错误定义
var (
	ErrMissingNamespace = errors.New("envelope: namespace is required")
	ErrMissingEvent     = errors.New("envelope: event is required")
	ErrMalformed        = errors.New("envelope: malformed payload")
)

// Envelope 网关、broker 与客户端之间交换的标准消息记录
//
// 构造完成后不再修改，始终按值传递。Room 为空表示命名空间级消息。
type Envelope struct {
	// ID 消息唯一标识
	ID string `json:"id"`

	// Namespace 所属命名空间
	Namespace string `json:"ns"`

	// Room 目标房间（空表示命名空间级）
	Room string `json:"room,omitempty"`

	// Event 事件名称（如 "joinRoom", "chat.send"）
	Event string `json:"event"`

	// Sender 发送者（连接 ID 或 "system"）
	Sender string `json:"sender,omitempty"`

	// Payload 业务数据（JSON）
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp Unix 毫秒时间戳
	Timestamp int64 `json:"ts"`

	// Version 协议版本
	Version int `json:"ver"`

	// TraceID 跨进程链路追踪 ID
	TraceID string `json:"trace_id,omitempty"`
}

// Option 构造选项
type Option func(*Envelope)

// WithTraceID 指定追踪 ID（缺省自动生成）
func WithTraceID(traceID string) Option {
	return func(e *Envelope) {
		e.TraceID = traceID
	}
}

// WithID 指定消息 ID（缺省自动生成）
func WithID(id string) Option {
	return func(e *Envelope) {
		e.ID = id
	}
}

// New 创建信封
//
// namespace 与 event 为必填项，缺失时返回校验错误。
// ID、Timestamp、TraceID 未指定时自动填充。
func New(namespace, room, event string, payload []byte, sender string, opts ...Option) (Envelope, error) {
	if namespace == "" {
		return Envelope{}, ErrMissingNamespace
	}
	if event == "" {
		return Envelope{}, ErrMissingEvent
	}

	e := Envelope{
		Namespace: namespace,
		Room:      room,
		Event:     event,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
	}
	if len(payload) > 0 {
		// 防御性拷贝，调用方复用缓冲区时不会污染信封
		e.Payload = append(json.RawMessage(nil), payload...)
	}

	for _, opt := range opts {
		opt(&e)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}

	return e, nil
}

// IsValid 结构校验谓词
//
// 用于 broker 反序列化后拒绝残缺或异构的消息，不产生 panic。
func IsValid(e Envelope) bool {
	return e.ID != "" && e.Namespace != "" && e.Event != "" && e.Timestamp != 0
}

// Encode 序列化为 JSON
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode 从 JSON 反序列化并做结构校验
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !IsValid(e) {
		return Envelope{}, ErrMalformed
	}
	return e, nil
}

// Normalize 规范化客户端入站帧
//
// 客户端允许只发送 event + payload 的最小子集，服务端在此补齐
// namespace、sender 以及缺失的 ID/Timestamp/Version/TraceID。
// 返回新值，入参不被修改。
func Normalize(e Envelope, namespace, sender string) Envelope {
	e.Namespace = namespace
	e.Sender = sender
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Version == 0 {
		e.Version = Version
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	return e
}
