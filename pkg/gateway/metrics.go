package gateway

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 消息指标
	IncrementMessageCount(event string)
	IncrementInvalidMessages()
	IncrementDroppedFrames()

	// 广播指标
	IncrementBroadcasts()
	IncrementBrokerPublishErrors()

	// 房间指标
	SetRoomCount(namespace string, count int)
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()              {}
func (m *NoopMetrics) DecrementConnections()              {}
func (m *NoopMetrics) SetConnectionCount(count int)       {}
func (m *NoopMetrics) IncrementMessageCount(event string) {}
func (m *NoopMetrics) IncrementInvalidMessages()          {}
func (m *NoopMetrics) IncrementDroppedFrames()            {}
func (m *NoopMetrics) IncrementBroadcasts()               {}
func (m *NoopMetrics) IncrementBrokerPublishErrors()      {}
func (m *NoopMetrics) SetRoomCount(ns string, count int)  {}
