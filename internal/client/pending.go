package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/dispatch"
	"github.com/cch137/ws/internal/protocol"
)

type callResult struct {
	data json.RawMessage
	err  error
}

// Pending sends event as a pending call and waits for the peer's single
// response. Ids start at 1 and are never reused by this client, across
// reconnects included.
//
// The call is resolved exactly once: by the response, by the pending timeout
// (ErrPendingTimeout) or by ctx. Whichever removes the call's registration
// first decides the outcome; a response arriving later is dropped.
//
// Pending must not be called from a handler of the same client while waiting
// on the result: handlers run on the read loop that delivers the response.
func (c *Client) Pending(ctx context.Context, event string, data any) (json.RawMessage, error) {
	id := c.calls.Add(1)

	ctx, span := c.cfg.tracer.Start(ctx, "ws.pending",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ws.event", event),
			attribute.Int64("ws.pending.id", int64(id)),
		),
	)
	defer span.End()

	res, err := c.pending(ctx, id, event, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (c *Client) pending(ctx context.Context, id uint64, event string, data any) (json.RawMessage, error) {
	frame, err := protocol.EncodePending(id, event, data)
	if err != nil {
		return nil, err
	}

	key := dispatch.CallID(id)
	done := make(chan callResult, 1)
	hid := c.events.Once(key, func(msg ws.Message) {
		result, failure, failed := protocol.ParseReply(msg.Data)
		if failed {
			done <- callResult{err: &ws.PendingError{Event: event, ID: id, Data: failure}}
			return
		}
		done <- callResult{data: result}
	})

	if err := c.enqueue(frame); err != nil {
		c.events.Off(key, hid)
		return nil, err
	}

	var timeout <-chan time.Time
	if c.cfg.pendingTimeout > 0 {
		t := time.NewTimer(c.cfg.pendingTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		return r.data, r.err
	case <-timeout:
		return c.abandon(key, hid, frame, done, fmt.Errorf("%w: %s #%d after %s", ws.ErrPendingTimeout, event, id, c.cfg.pendingTimeout))
	case <-ctx.Done():
		return c.abandon(key, hid, frame, done, ctx.Err())
	}
}

// abandon gives up on a call unless its response already won the race. A
// call still waiting in the outbox is withdrawn so it is never sent.
func (c *Client) abandon(key dispatch.Key, hid ws.HandlerID, frame []byte, done <-chan callResult, err error) (json.RawMessage, error) {
	if c.events.Remove(key, hid) {
		c.unqueue(frame)
		return nil, err
	}
	r := <-done
	return r.data, r.err
}
