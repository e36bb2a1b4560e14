// Package ws provides an event-based WebSocket messaging layer with rooms,
// pending calls and a reconnecting client.
//
// Every frame is a JSON text message carrying one envelope. Handlers are
// registered by event name on both sides, so a chat message, a room join and
// a game move are all just differently named events.
//
// # Architecture
//
// The root package holds the shared types (Message, Conn, Server, Client,
// Room) and the reserved event names. Implementations live in internal
// packages and are constructed through two facades:
//
//   - github.com/cch137/ws/server builds a Server on gorilla/websocket with a
//     chi router, per-client rate limiting, rooms and Prometheus metrics.
//   - github.com/cch137/ws/client builds a Client that dials over
//     gorilla/websocket or coder/websocket and reconnects on its own.
//
// # Quick Start
//
//	import (
//	    "github.com/cch137/ws"
//	    "github.com/cch137/ws/client"
//	    "github.com/cch137/ws/server"
//	)
//
//	srv := server.New(server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(), nil, nil))
//
//	srv.On("chat", func(c ws.Conn, msg ws.Message) {
//	    srv.Emit(c.Context(), "chat", msg.Data)
//	})
//	srv.HandlePending("join", func(ctx context.Context, c ws.Conn, data json.RawMessage) (any, error) {
//	    var in struct{ Room, Key string }
//	    if err := json.Unmarshal(data, &in); err != nil {
//	        return nil, err
//	    }
//	    room, err := srv.JoinRoom(c, in.Room, in.Key)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return room.Len(), nil
//	})
//	srv.Start(ctx)
//
//	c := client.New("ws://localhost:8080/ws")
//	c.On("chat", func(msg ws.Message) { log.Printf("chat: %s", msg.Data) })
//	c.Connect(ctx)
//	members, err := c.Pending(ctx, "join", map[string]string{"room": "lobby"})
//
// # Protocol Format
//
// A plain event:
//
//	{"event": "chat", "data": "hello"}
//
// A pending call wraps the logical event under the reserved "pending" name:
//
//	{"event": "pending", "data": {"id": 7, "event": "join", "data": {...}}}
//
// The answer reuses the call id and event. A failed call carries an
// error-marked payload and rejects the caller with a *PendingError:
//
//	{"event": "pending", "data": {"id": 7, "event": "join", "data": {"data": 2}}}
//	{"event": "pending", "data": {"id": 7, "event": "join", "data": {"name": "error", "data": "..."}}}
//
// Frames are limited to 10MB. A frame that does not decode fires the
// connection's native "error" event and is otherwise dropped.
//
// # Reserved Events
//
// Lifecycle names on the client ("connect", "disconnect", "reconnect", ...)
// and transport names on server connections ("open", "close", "message",
// "ping", ...) are delivered locally and can never be sent or spoofed by the
// peer. Emit rejects them with ErrReservedEvent. See IsClientReserved,
// IsConnReserved and IsServerReserved.
//
// # Reconnection
//
// After an unplanned close the client redials with the configured Backoff
// (exponential, 1s to 30s with jitter, by default). Frames emitted while
// disconnected are queued and written in order before anything emitted after
// the reconnect. Disconnect stops reconnection; MaxReconnectTries bounds it.
//
// # Rooms
//
// A room is created by its first member and deleted when the last one
// leaves. The first joiner's key gates the room: later joins must present
// the same key or fail with ErrIncorrectKey. Room broadcasts and
// server-wide Emit never block on a slow peer; its frame is skipped when
// its send buffer is full.
//
// # Rate Limiting
//
// Each server connection has its own token bucket:
//
//	// Default: 100 frames/second, burst 200
//	server.DefaultRateLimitConfig()
//
//	// Custom
//	&server.RateLimitConfig{MessagesPerSecond: 50, Burst: 100, Enabled: true}
//
//	// Disabled
//	server.NoRateLimit()
//
// A client over its limit is closed with code 1008 (Policy Violation).
//
// # Important
//
//   - Inbound events on one connection are dispatched in arrival order.
//   - Pending responders run on their own goroutines.
//   - Configure CheckOriginFn in production; AllOrigins accepts any origin.
package ws
