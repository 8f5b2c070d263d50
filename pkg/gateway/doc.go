// Package gateway provides a distributed real-time messaging gateway with
// namespace and room semantics.
//
// # Features
//
//   - Namespace isolation with per-namespace middleware and handlers
//   - Room-based broadcasting with sender echo suppression
//   - Cross-process fan-out through a pluggable broker (Redis, AMQP, local)
//   - Grace-period auto deletion of empty rooms with rejoin cancellation
//   - Lifecycle-bound scheduled tasks on connections and rooms
//   - Global room membership view via a pluggable state store
//   - Lifecycle event bus, metrics hooks and graceful shutdown
//
// # Basic Usage
//
// Create a server, register middleware and handlers, then mount it on an
// HTTP route:
//
//	srv, err := gateway.New(
//	    gateway.WithBroker(redisBroker),
//	    gateway.WithStateStore(redisStore),
//	    gateway.WithRoomPolicy(gateway.RoomPolicy{
//	        AutoDeleteEmpty: true,
//	        EmptyTTL:        30 * time.Second,
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	chat := srv.Of("/chat")
//	chat.Use(authMiddleware)
//	chat.Handle("typing", func(c *gateway.Conn, e envelope.Envelope) error {
//	    c.Namespace().To(e.Room).Emit("typing", e.Payload)
//	    return nil
//	})
//
//	http.Handle("/ws", srv)
//
// Clients speak the envelope wire protocol. The reserved control events
// joinRoom, leaveRoom and roomMessage manage membership and room messaging;
// every other event name is dispatched to the namespace handler registered
// for it.
package gateway
