package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokmz/relay/pkg/envelope"
)

// pipeTransport 进程内管道传输，测试专用
type pipeTransport struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) WriteClose(reason string) error { return nil }
func (p *pipeTransport) Ping() error                    { return nil }

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeTransport) RemoteAddr() string                  { return "pipe" }
func (p *pipeTransport) SetReadLimit(limit int64)            {}
func (p *pipeTransport) SetReadDeadline(t time.Time) error   { return nil }
func (p *pipeTransport) SetWriteDeadline(t time.Time) error  { return nil }
func (p *pipeTransport) SetPongHandler(h func(string) error) {}

// testClient 连接 + 管道两端的测试包装
type testClient struct {
	t    *testing.T
	tr   *pipeTransport
	conn *Conn
}

// newTestServer 创建测试服务，测试结束时自动停机
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s
}

// dial 接入一条管道连接
func dial(t *testing.T, ns *Namespace) *testClient {
	t.Helper()
	tr := newPipeTransport()
	c, err := ns.Attach(tr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	return &testClient{t: t, tr: tr, conn: c}
}

// sendFrame 模拟客户端发帧（event + 可选 room/payload 的最小子集）
func (tc *testClient) sendFrame(event, room string, payload any) {
	tc.t.Helper()
	frame := map[string]any{"event": event}
	if room != "" {
		frame["room"] = room
	}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	require.NoError(tc.t, err)

	select {
	case tc.tr.in <- data:
	case <-time.After(time.Second):
		tc.t.Fatal("客户端发帧超时")
	}
}

// sendRaw 发送原始字节
func (tc *testClient) sendRaw(data []byte) {
	tc.t.Helper()
	select {
	case tc.tr.in <- data:
	case <-time.After(time.Second):
		tc.t.Fatal("客户端发帧超时")
	}
}

// joinControl 通过控制帧加入房间并等待生效
func (tc *testClient) joinControl(room string) {
	tc.t.Helper()
	tc.sendFrame("joinRoom", "", map[string]string{"roomId": room})
	require.Eventually(tc.t, func() bool {
		return tc.conn.InRoom(room)
	}, 2*time.Second, 10*time.Millisecond, "joinRoom 控制帧应该生效")
}

// recv 等待一帧下行消息
func (tc *testClient) recv(timeout time.Duration) (envelope.Envelope, bool) {
	select {
	case data := <-tc.tr.out:
		e, err := envelope.Decode(data)
		require.NoError(tc.t, err)
		return e, true
	case <-time.After(timeout):
		return envelope.Envelope{}, false
	}
}

// expectEvent 等待指定事件的下行帧
func (tc *testClient) expectEvent(event string) envelope.Envelope {
	tc.t.Helper()
	e, ok := tc.recv(2 * time.Second)
	require.True(tc.t, ok, "应该收到 %s 帧", event)
	require.Equal(tc.t, event, e.Event)
	return e
}

// expectSilence 断言一段时间内没有任何下行帧
func (tc *testClient) expectSilence(d time.Duration) {
	tc.t.Helper()
	if e, ok := tc.recv(d); ok {
		tc.t.Fatalf("不应该收到帧, 收到 event=%s room=%s", e.Event, e.Room)
	}
}
