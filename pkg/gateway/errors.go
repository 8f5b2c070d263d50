package gateway

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrServerClosed       = errors.New("gateway: server closed")
	ErrTooManyConnections = errors.New("gateway: too many connections")
	ErrConnClosed         = errors.New("gateway: connection closed")
	ErrSendQueueFull      = errors.New("gateway: send queue full")
	ErrMiddlewareRejected = errors.New("gateway: connection rejected by middleware")

	// 房间相关错误
	ErrRoomDestroyed = errors.New("gateway: room destroyed")
	ErrRoomFull      = errors.New("gateway: room is full")
	ErrRoomRequired  = errors.New("gateway: room name is required")
	ErrNotInRoom     = errors.New("gateway: sender not in room")

	// 注册相关错误
	ErrHandlerExists = errors.New("gateway: handler already exists")
	ErrReservedEvent = errors.New("gateway: event name is reserved")
	ErrInvalidConfig = errors.New("gateway: invalid config")
)
