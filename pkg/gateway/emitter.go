package gateway

import (
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/envelope"
)

// Emitter 面向一个或多个房间的链式发送器
//
// Emit 时对各房间的本地成员取并集去重，同一连接即使同时在多个
// 目标房间中也只收到一帧。
type Emitter struct {
	ns    *Namespace
	rooms []string
}

// newEmitter 创建发送器（房间名去重，保持首次出现顺序）
func newEmitter(ns *Namespace, rooms ...string) *Emitter {
	e := &Emitter{ns: ns}
	return e.To(rooms...)
}

// To 追加目标房间
func (em *Emitter) To(rooms ...string) *Emitter {
	for _, room := range rooms {
		if room == "" || em.contains(room) {
			continue
		}
		em.rooms = append(em.rooms, room)
	}
	return em
}

// In To 的别名
func (em *Emitter) In(rooms ...string) *Emitter {
	return em.To(rooms...)
}

func (em *Emitter) contains(room string) bool {
	for _, r := range em.rooms {
		if r == room {
			return true
		}
	}
	return false
}

// Emit 向所有目标房间广播
//
// 本地对成员并集去重后每个连接只投递一帧；broker 侧按房间主题
// 各发布一份，远端进程内的重叠成员由其本地房间各自扇出。
func (em *Emitter) Emit(event string, payload []byte) {
	if len(em.rooms) == 0 {
		return
	}

	seen := make(map[string]struct{})

	for _, room := range em.rooms {
		r, ok := em.ns.GetRoom(room)
		if !ok {
			continue
		}

		// 信封按房间打标，去重保证每个连接至多收到一帧
		e, err := envelope.New(em.ns.name, room, event, payload, envelope.SenderSystem)
		if err != nil {
			em.ns.srv.log.Warn("emit dropped: bad envelope",
				zap.String("namespace", em.ns.name),
				zap.String("room", room),
				zap.Error(err))
			return
		}
		data, err := envelope.Encode(e)
		if err != nil {
			return
		}

		// 本地并集投递
		r.mu.RLock()
		targets := make([]*Conn, 0, len(r.members))
		for id, c := range r.members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, c)
		}
		r.mu.RUnlock()

		for _, c := range targets {
			if err := c.enqueue(data); err != nil {
				em.ns.srv.metrics.IncrementDroppedFrames()
			}
		}

		// 跨进程按房间主题发布
		r.publish(e, "")
	}
	em.ns.srv.metrics.IncrementBroadcasts()
}
