package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cch137/ws"
)

const (
	// MaxFrameSize is the largest frame Encode produces and Decode accepts.
	MaxFrameSize = 10 * 1024 * 1024
)

// Envelope is the wire structure carried by every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Pending is the payload of an envelope whose event is ws.EventPending.
type Pending struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes {event, data} into a frame.
func Encode(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, ws.ErrEmptyEvent
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return marshalFrame(Envelope{Event: event, Data: raw})
}

// EncodePending serializes {event:"pending", data:{id, event, data}} into a frame.
func EncodePending(id uint64, event string, data any) ([]byte, error) {
	if event == "" {
		return nil, ws.ErrEmptyEvent
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	inner, err := json.Marshal(Pending{ID: id, Event: event, Data: raw})
	if err != nil {
		return nil, err
	}
	return marshalFrame(Envelope{Event: ws.EventPending, Data: inner})
}

// Decode parses a frame. When the envelope is a pending envelope the inner
// call is returned as well; a malformed pending payload is a decode error.
func Decode(frame []byte) (Envelope, *Pending, error) {
	var env Envelope
	if len(frame) > MaxFrameSize {
		return env, nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ws.ErrPayloadTooLarge, len(frame), MaxFrameSize)
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, nil, fmt.Errorf("%s: %w", ws.ErrMsgInvalidEnvelope, err)
	}
	if env.Event == "" {
		return env, nil, ws.ErrInvalidEnvelope
	}
	if env.Event != ws.EventPending {
		return env, nil, nil
	}

	var p Pending
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return env, nil, fmt.Errorf("%s: pending: %w", ws.ErrMsgInvalidEnvelope, err)
	}
	if p.ID == 0 || p.Event == "" {
		return env, nil, fmt.Errorf("%w: pending call without id or event", ws.ErrInvalidEnvelope)
	}
	return env, &p, nil
}

// CallID reports whether event is a decimal pending-call id, the form used by
// peers that answer a call with a plain envelope.
func CallID(event string) (uint64, bool) {
	if event == "" || event[0] == '0' {
		return 0, false
	}
	id, err := strconv.ParseUint(event, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type reply struct {
	Name string `json:"name,omitempty"`
	Data any    `json:"data"`
}

// ResultPayload wraps a successful call result as {data: result}.
func ResultPayload(result any) any {
	return reply{Data: result}
}

// ErrorPayload wraps a failed call as {name: "error", data: message}.
func ErrorPayload(err error) any {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return reply{Name: ws.ErrorName, Data: msg}
}

// ParseReply interprets the payload of a call response.
//
// An object whose "name" is "error" is a failure carrying its "data" field.
// An object made only of "data" and "name" keys is unwrapped to "data".
// Anything else is the result itself.
func ParseReply(payload json.RawMessage) (result json.RawMessage, failure json.RawMessage, failed bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload, nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return payload, nil, false
	}

	if name, ok := fields["name"]; ok {
		var s string
		if json.Unmarshal(name, &s) == nil && s == ws.ErrorName {
			return nil, orNull(fields["data"]), true
		}
	}

	data, hasData := fields["data"]
	if !hasData {
		return payload, nil, false
	}
	for k := range fields {
		if k != "data" && k != "name" {
			return payload, nil, false
		}
	}
	return orNull(data), nil, false
}

func orNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}

func marshalData(data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}
	return raw, nil
}

func marshalFrame(env Envelope) ([]byte, error) {
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ws.ErrPayloadTooLarge, len(out), MaxFrameSize)
	}
	return out, nil
}
