package ws

// EventPending is the sentinel event carrying a pending call.
const EventPending = "pending"

// Client lifecycle events fired by the connection state machine.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventError            = "error"
	EventReconnect        = "reconnect"
	EventReconnecting     = "reconnecting"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectError   = "reconnect_error"
	EventReconnectFailed  = "reconnect_failed"
)

// Native events of a server-side connection.
const (
	EventClose              = "close"
	EventMessage            = "message"
	EventOpen               = "open"
	EventPing               = "ping"
	EventPong               = "pong"
	EventUnexpectedResponse = "unexpected-response"
	EventUpgrade            = "upgrade"
)

// Native events of the server itself.
const (
	EventConnection = "connection"
	EventHeaders    = "headers"
	EventListening  = "listening"
)

var (
	clientReserved = set(
		EventConnect,
		EventDisconnect,
		EventError,
		EventReconnect,
		EventReconnecting,
		EventReconnectAttempt,
		EventReconnectError,
		EventReconnectFailed,
	)

	connReserved = set(
		EventClose,
		EventError,
		EventMessage,
		EventOpen,
		EventPing,
		EventPong,
		EventUnexpectedResponse,
		EventUpgrade,
	)

	serverReserved = set(
		EventConnection,
		EventClose,
		EventError,
		EventHeaders,
		EventListening,
	)
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// IsClientReserved reports whether event is a client lifecycle event.
func IsClientReserved(event string) bool {
	_, ok := clientReserved[event]
	return ok
}

// IsConnReserved reports whether event is native to a server-side connection.
func IsConnReserved(event string) bool {
	_, ok := connReserved[event]
	return ok
}

// IsServerReserved reports whether event is native to the server.
func IsServerReserved(event string) bool {
	_, ok := serverReserved[event]
	return ok
}
