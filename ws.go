package ws

import (
	"context"
	"encoding/json"
	"net/http"
)

// Message is an inbound event delivered to a Handler.
//
// For envelopes received off the wire, Event is the logical event name and
// Data is the raw JSON payload. When the peer sent the event as a pending
// call, PendingID carries the call id and the receiver is expected to answer
// with Conn.Reply or Conn.ReplyError.
//
// For native events (see IsConnReserved) Data holds whatever the transport
// produced, e.g. the raw frame for "message" or the close reason for "close".
type Message struct {
	Event     string
	Data      json.RawMessage
	PendingID uint64
}

// Bind decodes the message payload into v.
func (m Message) Bind(v any) error {
	return json.Unmarshal(m.Data, v)
}

// IsPending reports whether the peer awaits a reply to this message.
func (m Message) IsPending() bool {
	return m.PendingID != 0
}

// Handler handles a single event.
type Handler func(msg Message)

// HandlerID identifies one registration made with On so that it can be
// removed again with Off.
type HandlerID uint64

// ConnHandler handles an event received on a server-side connection.
type ConnHandler func(c Conn, msg Message)

// PendingHandler answers a pending call. The returned value is sent back as
// the call result; a non-nil error is sent back as an error-marked payload
// and rejects the caller's Pending with a *PendingError.
type PendingHandler func(ctx context.Context, c Conn, data json.RawMessage) (any, error)

// Server defines the interface of the server side of the messaging layer.
//
// Example usage:
//
//	import "github.com/cch137/ws/server"
//
//	srv := server.New(server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(), nil, nil))
//
//	srv.On("join", func(c ws.Conn, msg ws.Message) {
//	    var room string
//	    msg.Bind(&room)
//	    srv.JoinRoom(c, room, "")
//	})
//
//	srv.HandlePending("sum", func(ctx context.Context, c ws.Conn, data json.RawMessage) (any, error) {
//	    var in struct{ A, B int }
//	    if err := json.Unmarshal(data, &in); err != nil {
//	        return nil, err
//	    }
//	    return in.A + in.B, nil
//	})
//
//	srv.Start(ctx)
type Server interface {
	// Start starts listening for connections.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop closes all client connections and shuts the HTTP server down.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler serving the upgrade endpoint and
	// /metrics. Use it to mount the server on an existing mux or an
	// httptest.Server instead of calling Start.
	Handler() http.Handler

	// On registers a handler applied to every connection.
	//
	// Reserved server events ("connection", "close", "error", "headers",
	// "listening") are delivered natively: "connection" fires once per
	// accepted connection, the others fire with a nil Conn. Every other name
	// is matched against envelopes received from any client.
	On(event string, handler ConnHandler)

	// HandlePending registers a responder for pending calls of the given
	// event. The responder runs on its own goroutine and its result is
	// replied automatically.
	HandlePending(event string, handler PendingHandler)

	// Emit fans an event out to every open connection. Reserved server event
	// names fire the local native handlers instead.
	Emit(ctx context.Context, event string, data any) error

	// JoinRoom adds c to the named room, creating it on first join. The
	// first joiner's key becomes the room key; later joins must present the
	// same key or fail with ErrIncorrectKey.
	JoinRoom(c Conn, room string, key string) (Room, error)

	// LeaveRoom removes c from the named room. An emptied room is deleted.
	LeaveRoom(c Conn, room string)

	// BroadcastRoom sends one event to every open member of the room and
	// returns how many members it was sent to. Broadcasting to a room that
	// does not exist is a no-op.
	BroadcastRoom(ctx context.Context, room string, event string, data any) (int, error)

	// Clients returns a snapshot of the connected clients.
	Clients() []Conn
}

// Conn represents a client connected to the server.
//
// Each connection has a unique identifier and its own handler tables. The
// connection's context is cancelled when it closes.
type Conn interface {
	// ID returns a unique identifier generated when the client connected.
	ID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// Context returns the connection's lifecycle context.
	Context() context.Context

	// IsOpen reports whether the connection is in the open state.
	IsOpen() bool

	// On registers a handler for an event received from this client.
	// Native names ("close", "error", "message", "open", "ping", "pong",
	// "unexpected-response", "upgrade") are delivered by the transport and
	// never reach the envelope dispatcher.
	On(event string, handler Handler) HandlerID

	// Off removes one handler registered with On.
	Off(event string, id HandlerID)

	// Clear removes every handler registered for event.
	Clear(event string)

	// Emit sends an event to the client. Native names fire the local native
	// handlers instead of going on the wire.
	Emit(ctx context.Context, event string, data any) error

	// Reply answers a pending call received as msg.PendingID.
	Reply(ctx context.Context, id uint64, event string, result any) error

	// ReplyError answers a pending call with an error-marked payload.
	ReplyError(ctx context.Context, id uint64, event string, err error) error

	// Rooms returns the names of the rooms the connection has joined.
	Rooms() []string

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a WebSocket close code and reason.
	CloseWithCode(ctx context.Context, code int, reason string) error
}

// Room is a named, optionally key-gated group of connections.
type Room interface {
	Name() string
	Len() int
	Members() []Conn
}

// Client is the client side of the messaging layer. It owns one socket at a
// time and reconnects automatically after unplanned closes.
type Client interface {
	// Connect dials the server and blocks until the client is connected,
	// ctx is done, or reconnection is given up.
	Connect(ctx context.Context) error

	// Disconnect closes the socket and stops any reconnection in progress.
	Disconnect() error

	// On registers a handler. Lifecycle names (see IsClientReserved) receive
	// state machine events; every other name receives server envelopes.
	On(event string, handler Handler) HandlerID

	// Off removes one handler registered with On.
	Off(event string, id HandlerID)

	// Clear removes every handler registered for event.
	Clear(event string)

	// Emit sends an event, or queues it until the next successful connect
	// when the client is not connected.
	Emit(event string, data any) error

	// Pending sends a pending call and waits for its single response.
	Pending(ctx context.Context, event string, data any) (json.RawMessage, error)

	// State returns the current connection state.
	State() State
}

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
