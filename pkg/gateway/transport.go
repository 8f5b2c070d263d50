package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport 单条双工连接的传输抽象
//
// 网关不关心底层线路协议，只要求离散消息帧与关闭通知；
// 测试用的管道实现与 WebSocket 实现都满足这一接口。
type Transport interface {
	// ReadMessage 阻塞读取一帧
	ReadMessage() ([]byte, error)

	// WriteMessage 写出一帧
	WriteMessage(data []byte) error

	// WriteClose 发送关闭帧
	WriteClose(reason string) error

	// Ping 发送心跳探测
	Ping() error

	// Close 关闭底层连接
	Close() error

	// RemoteAddr 对端地址
	RemoteAddr() string

	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// wsTransport gorilla/websocket 实现
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport 包装 websocket 连接
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WriteClose(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return t.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) SetReadLimit(limit int64) {
	t.conn.SetReadLimit(limit)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}

func (t *wsTransport) SetPongHandler(h func(string) error) {
	t.conn.SetPongHandler(h)
}

// Upgrader WebSocket 升级器
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader 创建升级器
func NewUpgrader(config UpgraderConfig) *Upgrader {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			checkOrigin = createWhitelistChecker(config.AllowedOrigins)
		} else {
			checkOrigin = defaultCheckOrigin
		}
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       checkOrigin,
			EnableCompression: config.EnableCompression,
		},
	}
}

// Upgrade 升级 HTTP 连接为 WebSocket
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketTransport(conn), nil
}

// defaultCheckOrigin 默认 Origin 检查（同源策略）
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 严格模式：拒绝空 Origin，非浏览器客户端用 WithAllowAllOrigins
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	whitelist := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return whitelist[origin]
	}
}
