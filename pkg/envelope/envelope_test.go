package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew 测试信封构造
func TestNew(t *testing.T) {
	t.Run("基本构造", func(t *testing.T) {
		e, err := New("/chat", "general", "chat.send", []byte(`{"text":"hi"}`), "conn-1")
		require.NoError(t, err)

		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.TraceID)
		assert.Equal(t, "/chat", e.Namespace)
		assert.Equal(t, "general", e.Room)
		assert.Equal(t, "chat.send", e.Event)
		assert.Equal(t, "conn-1", e.Sender)
		assert.Equal(t, Version, e.Version)
		assert.InDelta(t, time.Now().UnixMilli(), e.Timestamp, 1000)
	})

	t.Run("缺失命名空间", func(t *testing.T) {
		_, err := New("", "", "chat.send", nil, "conn-1")
		assert.ErrorIs(t, err, ErrMissingNamespace)
	})

	t.Run("缺失事件名", func(t *testing.T) {
		_, err := New("/chat", "", "", nil, "conn-1")
		assert.ErrorIs(t, err, ErrMissingEvent)
	})

	t.Run("指定TraceID", func(t *testing.T) {
		e, err := New("/chat", "", "ping", nil, SenderSystem, WithTraceID("trace-abc"))
		require.NoError(t, err)
		assert.Equal(t, "trace-abc", e.TraceID)
	})

	t.Run("payload防御性拷贝", func(t *testing.T) {
		buf := []byte(`{"n":1}`)
		e, err := New("/chat", "", "tick", buf, SenderSystem)
		require.NoError(t, err)

		buf[0] = 'X'
		assert.Equal(t, byte('{'), e.Payload[0])
	})
}

// TestIsValid 测试结构校验谓词
func TestIsValid(t *testing.T) {
	valid := Envelope{ID: "m1", Namespace: "/", Event: "ping", Timestamp: 123}
	assert.True(t, IsValid(valid))

	cases := []struct {
		name string
		e    Envelope
	}{
		{"缺ID", Envelope{Namespace: "/", Event: "ping", Timestamp: 123}},
		{"缺命名空间", Envelope{ID: "m1", Event: "ping", Timestamp: 123}},
		{"缺事件名", Envelope{ID: "m1", Namespace: "/", Timestamp: 123}},
		{"缺时间戳", Envelope{ID: "m1", Namespace: "/", Event: "ping"}},
		{"零值", Envelope{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, IsValid(tc.e))
		})
	}
}

// TestEncodeDecode 测试编解码
func TestEncodeDecode(t *testing.T) {
	e, err := New("/chat", "general", "chat.send", []byte(`{"text":"hello"}`), "conn-9")
	require.NoError(t, err)

	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	t.Run("非法JSON", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("结构残缺", func(t *testing.T) {
		_, err := Decode([]byte(`{"event":"ping"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

// TestNormalize 测试入站帧规范化
func TestNormalize(t *testing.T) {
	in := Envelope{Event: "chat.send", Room: "general"}
	out := Normalize(in, "/chat", "conn-3")

	assert.Equal(t, "/chat", out.Namespace)
	assert.Equal(t, "conn-3", out.Sender)
	assert.NotEmpty(t, out.ID)
	assert.NotEmpty(t, out.TraceID)
	assert.NotZero(t, out.Timestamp)
	assert.Equal(t, Version, out.Version)

	// 入参不被修改
	assert.Empty(t, in.Namespace)
	assert.Empty(t, in.ID)
}
