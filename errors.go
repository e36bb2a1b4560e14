package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard error messages
const (
	// Protocol errors
	ErrMsgInvalidEnvelope = "invalid envelope"
	ErrMsgEmptyEvent      = "event name is empty"
	ErrMsgReservedEvent   = "event name is reserved"
	ErrMsgPayloadTooLarge = "payload too large"

	// Connection errors
	ErrMsgClientNotFound       = "client not found"
	ErrMsgConnectionClosed     = "client connection is closed"
	ErrMsgContextCancelled     = "client context cancelled"
	ErrMsgFailedToEncode       = "failed to encode message"
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgUnknownConn          = "connection does not belong to this server"

	// Client errors
	ErrMsgAutoReconnectDisabled = "auto-reconnect is disabled"
	ErrMsgReconnectExhausted    = "reconnect attempts exhausted"
	ErrMsgBufferFull            = "outbound buffer full"
	ErrMsgPendingTimeout        = "pending call timed out"

	// Room errors
	ErrMsgIncorrectKey = "join room failed: incorrect key"
)

var (
	ErrInvalidEnvelope       = errors.New(ErrMsgInvalidEnvelope)
	ErrEmptyEvent            = errors.New(ErrMsgEmptyEvent)
	ErrReservedEvent         = errors.New(ErrMsgReservedEvent)
	ErrPayloadTooLarge       = errors.New(ErrMsgPayloadTooLarge)
	ErrClientNotFound        = errors.New(ErrMsgClientNotFound)
	ErrConnectionClosed      = errors.New(ErrMsgConnectionClosed)
	ErrServerAlreadyRunning  = errors.New(ErrMsgServerAlreadyRunning)
	ErrUnknownConn           = errors.New(ErrMsgUnknownConn)
	ErrAutoReconnectDisabled = errors.New(ErrMsgAutoReconnectDisabled)
	ErrReconnectExhausted    = errors.New(ErrMsgReconnectExhausted)
	ErrBufferFull            = errors.New(ErrMsgBufferFull)
	ErrPendingTimeout        = errors.New(ErrMsgPendingTimeout)
	ErrIncorrectKey          = errors.New(ErrMsgIncorrectKey)
)

// ErrorName is the marker placed in the "name" field of an error reply.
const ErrorName = "error"

// PendingError is returned by Client.Pending when the peer answered the call
// with an error-marked payload. Data holds the payload's "data" field as sent.
type PendingError struct {
	Event string
	ID    uint64
	Data  json.RawMessage
}

func (e *PendingError) Error() string {
	var msg string
	if err := json.Unmarshal(e.Data, &msg); err == nil && msg != "" {
		return fmt.Sprintf("pending %s #%d: %s", e.Event, e.ID, msg)
	}
	return fmt.Sprintf("pending %s #%d failed: %s", e.Event, e.ID, string(e.Data))
}
