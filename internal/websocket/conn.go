package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/dispatch"
	"github.com/cch137/ws/internal/protocol"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	closeWait      = time.Second
)

// Conn implements the ws.Conn interface for one accepted WebSocket.
type Conn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	rateLimiter *rate.Limiter // Rate limiter for incoming frames

	events *dispatch.Dispatcher // envelopes received from the peer
	native *dispatch.Dispatcher // transport events

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	logger  zerolog.Logger
	metrics *metrics
}

func newConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, logger zerolog.Logger, m *metrics) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	id := uuid.New().String()
	logger = logger.With().Str("conn_id", id).Logger()

	c := &Conn{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		rateLimiter: limiter,
		events:      dispatch.New(logger),
		native:      dispatch.New(logger),
		rooms:       make(map[string]struct{}),
		logger:      logger,
		metrics:     m,
	}

	if conn != nil {
		go c.writePump()
	}
	return c
}

// ID returns a unique identifier for the connected client
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

// IsOpen reports whether the connection has not been closed yet.
func (c *Conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// On registers a handler. Native names are fired by the transport, every
// other name receives envelopes from the peer.
func (c *Conn) On(event string, handler ws.Handler) ws.HandlerID {
	return c.table(event).On(dispatch.Name(event), handler)
}

// Off removes one handler registered with On.
func (c *Conn) Off(event string, id ws.HandlerID) {
	c.table(event).Off(dispatch.Name(event), id)
}

// Clear removes every handler registered for event.
func (c *Conn) Clear(event string) {
	c.table(event).Clear(dispatch.Name(event))
}

func (c *Conn) table(event string) *dispatch.Dispatcher {
	if ws.IsConnReserved(event) {
		return c.native
	}
	return c.events
}

// Emit sends an event to the peer. Native names fire the local handlers and
// never reach the wire.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	if ws.IsConnReserved(event) {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
		}
		c.fire(event, raw)
		return nil
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		return fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}
	if err := c.send(ctx, frame); err != nil {
		return err
	}
	c.metrics.sent(kindEmit, 1)
	return nil
}

// Reply answers the pending call id with result wrapped as {data: result}.
func (c *Conn) Reply(ctx context.Context, id uint64, event string, result any) error {
	return c.reply(ctx, id, event, protocol.ResultPayload(result))
}

// ReplyError answers the pending call id with {name: "error", data: err}.
func (c *Conn) ReplyError(ctx context.Context, id uint64, event string, err error) error {
	return c.reply(ctx, id, event, protocol.ErrorPayload(err))
}

func (c *Conn) reply(ctx context.Context, id uint64, event string, payload any) error {
	frame, err := protocol.EncodePending(id, event, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}
	if err := c.send(ctx, frame); err != nil {
		return err
	}
	c.metrics.sent(kindReply, 1)
	return nil
}

// Rooms returns the names of the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Conn) addRoom(name string) {
	c.roomsMu.Lock()
	c.rooms[name] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *Conn) removeRoom(name string) {
	c.roomsMu.Lock()
	delete(c.rooms, name)
	c.roomsMu.Unlock()
}

// send queues an encoded frame, waiting for room in the send buffer.
func (c *Conn) send(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ws.ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ws.ErrConnectionClosed, ws.ErrMsgContextCancelled)
	}
}

// trySend queues an encoded frame without waiting. Fan-out uses it so that
// one slow peer cannot hold up the others.
func (c *Conn) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ws.ErrConnectionClosed
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ws.ErrBufferFull
	}
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.cancel()
	close(c.sendCh)

	if c.conn == nil {
		return nil
	}

	// Send close message
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWait))
	return c.conn.Close()
}

// closeStatus returns the code and reason the connection was closed with
// locally, if any.
func (c *Conn) closeStatus() (int, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason, c.closeCode != 0
}

// CheckRateLimit reports whether another inbound frame is allowed.
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

func (c *Conn) fire(event string, data json.RawMessage) {
	c.native.Call(dispatch.Name(event), ws.Message{Event: event, Data: data})
}

func (c *Conn) fireJSON(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	c.fire(event, raw)
}

// dispatch delivers one decoded inbound message to this connection's
// handlers.
func (c *Conn) dispatch(msg ws.Message) int {
	return c.events.Call(dispatch.Name(msg.Event), msg)
}

// writePump pumps frames from the send channel to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
