package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/dispatch"
	"github.com/cch137/ws/internal/protocol"
)

const (
	defaultHeartbeat      = 1 * time.Second
	defaultPendingTimeout = 30 * time.Second
	defaultSendTimeout    = 10 * time.Second

	closeReasonUser = "Connection closed by user"
)

type config struct {
	dialer            Dialer
	backoff           Backoff
	autoReconnect     bool
	maxReconnectTries int
	heartbeat         time.Duration
	pendingTimeout    time.Duration
	sendTimeout       time.Duration
	maxBuffered       int
	logger            zerolog.Logger
	tracer            trace.Tracer
}

// Option configures a Client.
type Option func(*config)

// WithDialer sets the transport dialer. Default: NewGorillaDialer().
func WithDialer(d Dialer) Option {
	return func(c *config) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithBackoff sets the redial delay policy. Default: DefaultBackoff().
func WithBackoff(b Backoff) Option {
	return func(c *config) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithMaxReconnectTries caps consecutive unplanned closes before the client
// gives up. 0 means unlimited.
func WithMaxReconnectTries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxReconnectTries = n
		}
	}
}

// WithoutAutoReconnect disables redialing after unplanned closes.
func WithoutAutoReconnect() Option {
	return func(c *config) {
		c.autoReconnect = false
	}
}

// WithHeartbeat sets how often "reconnecting" fires while the client is
// reconnecting. 0 disables the heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.heartbeat = d
		}
	}
}

// WithPendingTimeout bounds how long a pending call waits for its response.
// 0 disables the timeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.pendingTimeout = d
		}
	}
}

// WithMaxBuffered bounds the frames queued while disconnected. 0 means
// unlimited.
func WithMaxBuffered(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxBuffered = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for pending call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Client is the client-side connection state machine. It owns at most one
// transport at a time, buffers emits while disconnected and redials after
// unplanned closes.
type Client struct {
	url string
	cfg config

	events    *dispatch.Dispatcher // server envelopes and call ids
	lifecycle *dispatch.Dispatcher // reserved lifecycle events
	calls     atomic.Uint64

	mu             sync.Mutex
	connected      bool
	connecting     bool
	reconnecting   bool
	autoReconnect  bool
	reconnectTries int
	gen            uint64
	tr             Transport
	cancelDial     context.CancelFunc
	connDone       chan struct{}
	wake           chan struct{}
	outbox         [][]byte
	redial         *time.Timer
	heartbeatStop  chan struct{}
	waiters        []chan error
}

// New creates a Client for the socket URL. It does not connect.
func New(url string, opts ...Option) *Client {
	cfg := config{
		dialer:         NewGorillaDialer(),
		backoff:        DefaultBackoff(),
		autoReconnect:  true,
		heartbeat:      defaultHeartbeat,
		pendingTimeout: defaultPendingTimeout,
		sendTimeout:    defaultSendTimeout,
		logger:         zerolog.New(os.Stderr).With().Timestamp().Logger(),
		tracer:         otel.Tracer("github.com/cch137/ws/client"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		url:           url,
		cfg:           cfg,
		events:        dispatch.New(cfg.logger),
		lifecycle:     dispatch.New(cfg.logger),
		autoReconnect: cfg.autoReconnect,
	}
}

// URL returns the socket URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Client) State() ws.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.connected:
		return ws.StateConnected
	case c.reconnecting:
		return ws.StateReconnecting
	case c.connecting:
		return ws.StateConnecting
	default:
		return ws.StateDisconnected
	}
}

// ReconnectTries returns the number of consecutive unplanned closes since the
// last successful connect.
func (c *Client) ReconnectTries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTries
}

// Buffered returns the number of frames waiting to be written.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// On registers a handler. Lifecycle names go to the lifecycle table; every
// other name receives envelopes from the server. A "connect" handler added
// while connected runs immediately.
func (c *Client) On(event string, handler ws.Handler) ws.HandlerID {
	key := dispatch.Name(event)
	if !ws.IsClientReserved(event) {
		return c.events.On(key, handler)
	}

	id := c.lifecycle.On(key, handler)
	if event == ws.EventConnect {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if connected {
			c.lifecycle.Invoke(key, handler, ws.Message{Event: ws.EventConnect, Data: json.RawMessage("null")})
		}
	}
	return id
}

// Off removes one handler registered with On.
func (c *Client) Off(event string, id ws.HandlerID) {
	c.table(event).Off(dispatch.Name(event), id)
}

// Clear removes every handler registered for event.
func (c *Client) Clear(event string) {
	c.table(event).Clear(dispatch.Name(event))
}

func (c *Client) table(event string) *dispatch.Dispatcher {
	if ws.IsClientReserved(event) {
		return c.lifecycle
	}
	return c.events
}

// Emit sends an event to the server, or queues it until the next successful
// connect. Queued emits are written in the order they were issued, before
// any emit made after the connect.
func (c *Client) Emit(event string, data any) error {
	if ws.IsClientReserved(event) || event == ws.EventPending {
		return fmt.Errorf("%w: %q", ws.ErrReservedEvent, event)
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected && c.cfg.maxBuffered > 0 && len(c.outbox) >= c.cfg.maxBuffered {
		return ws.ErrBufferFull
	}
	c.outbox = append(c.outbox, frame)
	if c.connected {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Connect dials the server and blocks until the client is connected, ctx is
// done, or reconnection ends with ErrAutoReconnectDisabled or
// ErrReconnectExhausted. Calling Connect while a dial is in flight waits for
// that dial.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	wait := make(chan error, 1)
	c.waiters = append(c.waiters, wait)
	c.autoReconnect = c.cfg.autoReconnect

	var fx effects
	if !c.connecting {
		c.beginDial(&fx)
	}
	c.mu.Unlock()
	fx.run()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.dropWaiter(wait)
		return ctx.Err()
	}
}

// Disconnect closes the socket and cancels any dial or scheduled redial. It
// is a no-op when the client is idle.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting && !c.reconnecting {
		c.mu.Unlock()
		return nil
	}

	c.autoReconnect = false
	c.stopRedial()
	c.stopHeartbeat()

	tr := c.tr
	cancelDial := c.cancelDial
	c.cancelDial = nil
	var waiters []chan error
	if !c.connected && !c.connecting {
		// Only a redial was scheduled; no transport callback will follow.
		c.reconnecting = false
		waiters = c.takeWaiters()
	}
	c.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	for _, w := range waiters {
		w <- ws.ErrAutoReconnectDisabled
	}
	if tr != nil {
		return tr.Close(websocket.CloseNormalClosure, closeReasonUser)
	}
	return nil
}

// beginDial starts a dial attempt. Callers hold c.mu.
func (c *Client) beginDial(fx *effects) {
	c.stopRedial()
	c.connecting = true

	if c.reconnectTries > 1 {
		fx.fire(c, ws.EventReconnectFailed, c.reconnectTries)
	}
	if c.reconnecting {
		fx.fire(c, ws.EventReconnectAttempt, c.reconnectTries)
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	fx.do(func() { go c.dial(ctx, gen) })
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	tr, err := c.cfg.dialer.Dial(ctx, c.url)
	if err != nil {
		if ctx.Err() == nil {
			c.handleError(gen, err)
		}
		c.handleClose(gen, err)
		return
	}
	if !c.handleOpen(gen, tr) {
		tr.Close(websocket.CloseNormalClosure, closeReasonUser)
		c.handleClose(gen, ErrTransportClosed)
		return
	}
	c.readLoop(gen, tr)
}

func (c *Client) handleOpen(gen uint64, tr Transport) bool {
	c.mu.Lock()
	// A nil cancelDial means Disconnect cancelled this dial.
	if gen != c.gen || !c.connecting || c.cancelDial == nil {
		c.mu.Unlock()
		return false
	}

	c.cancelDial()
	c.cancelDial = nil
	c.connected = true
	c.connecting = false
	c.tr = tr

	var fx effects
	if c.reconnecting {
		c.stopHeartbeat()
		fx.fire(c, ws.EventReconnect, c.reconnectTries)
		c.reconnecting = false
	} else {
		fx.fire(c, ws.EventConnect, nil)
	}
	c.reconnectTries = 0

	done := make(chan struct{})
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	c.connDone = done
	c.wake = wake
	waiters := c.takeWaiters()
	c.mu.Unlock()

	c.cfg.logger.Debug().Str("url", c.url).Msg("connected")
	fx.run()
	go c.writeLoop(gen, tr, wake, done)
	for _, w := range waiters {
		w <- nil
	}
	return true
}

func (c *Client) readLoop(gen uint64, tr Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		frame, err := tr.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				c.handleError(gen, err)
			}
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(frame)
	}
}

func (c *Client) writeLoop(gen uint64, tr Transport, wake <-chan struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-wake:
		}

		for {
			frame, ok := c.nextFrame(gen)
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.sendTimeout)
			err := tr.Send(ctx, frame)
			cancel()
			if err != nil {
				c.requeue(frame)
				if !errors.Is(err, ErrTransportClosed) {
					c.cfg.logger.Warn().Err(err).Str("url", c.url).Msg("write failed, closing socket")
					c.handleError(gen, err)
				}
				tr.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		}
	}
}

func (c *Client) nextFrame(gen uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.connected || len(c.outbox) == 0 {
		return nil, false
	}
	frame := c.outbox[0]
	c.outbox[0] = nil
	c.outbox = c.outbox[1:]
	return frame, true
}

// requeue puts back a frame whose write failed so that the next connect
// replays it first.
func (c *Client) requeue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append([][]byte{frame}, c.outbox...)
}

// unqueue drops frame from the outbox unless the writer already took it.
func (c *Client) unqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, f := range c.outbox {
		if len(f) > 0 && len(frame) > 0 && &f[0] == &frame[0] {
			c.outbox = slices.Delete(c.outbox, i, i+1)
			return true
		}
	}
	return false
}

func (c *Client) handleMessage(frame []byte) {
	env, p, err := protocol.Decode(frame)
	if err != nil {
		c.cfg.logger.Debug().Err(err).Msg("undecodable frame delivered as message")
		c.events.Call(dispatch.Name(ws.EventMessage), ws.Message{Event: ws.EventMessage, Data: frame})
		return
	}

	if p != nil {
		c.events.Call(dispatch.CallID(p.ID), ws.Message{Event: p.Event, Data: p.Data, PendingID: p.ID})
		return
	}
	if id, ok := protocol.CallID(env.Event); ok && c.events.Has(dispatch.CallID(id)) {
		c.events.Call(dispatch.CallID(id), ws.Message{Event: env.Event, Data: env.Data, PendingID: id})
		return
	}
	c.events.Call(dispatch.Name(env.Event), ws.Message{Event: env.Event, Data: env.Data})
}

func (c *Client) handleError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	event := ws.EventError
	if c.reconnecting {
		event = ws.EventReconnectError
	}
	c.mu.Unlock()

	c.fireLifecycle(event, err.Error())
}

func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || (!c.connected && !c.connecting) {
		c.mu.Unlock()
		return
	}

	c.connected = false
	c.connecting = false
	c.tr = nil
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}

	var fx effects
	fx.fire(c, ws.EventDisconnect, closeReason(cause))

	var waiters []chan error
	var werr error
	switch {
	case !c.autoReconnect:
		c.reconnecting = false
		c.stopHeartbeat()
		waiters = c.takeWaiters()
		werr = ws.ErrAutoReconnectDisabled
		if cause != nil && !errors.Is(cause, ErrTransportClosed) {
			werr = fmt.Errorf("%w: %v", ws.ErrAutoReconnectDisabled, cause)
		}

	case c.cfg.maxReconnectTries > 0 && c.reconnectTries+1 > c.cfg.maxReconnectTries:
		c.reconnectTries++
		c.autoReconnect = false
		c.reconnecting = false
		c.stopHeartbeat()
		fx.fire(c, ws.EventReconnectFailed, c.reconnectTries)
		waiters = c.takeWaiters()
		werr = ws.ErrReconnectExhausted

	default:
		c.reconnectTries++
		if !c.reconnecting {
			c.reconnecting = true
			c.startHeartbeat()
		}
		delay := c.cfg.backoff.Next(c.reconnectTries)
		c.redial = time.AfterFunc(delay, func() { c.redialNow(gen) })
		c.cfg.logger.Debug().
			Int("tries", c.reconnectTries).
			Dur("delay", delay).
			Msg("scheduling redial")
	}
	c.mu.Unlock()

	fx.run()
	for _, w := range waiters {
		w <- werr
	}
}

func (c *Client) redialNow(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.autoReconnect || c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.redial = nil

	var fx effects
	c.beginDial(&fx)
	c.mu.Unlock()
	fx.run()
}

// Callers hold c.mu.
func (c *Client) stopRedial() {
	if c.redial != nil {
		c.redial.Stop()
		c.redial = nil
	}
}

// Callers hold c.mu.
func (c *Client) startHeartbeat() {
	if c.cfg.heartbeat <= 0 || c.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(c.cfg.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				tries := c.reconnectTries
				c.mu.Unlock()
				c.fireLifecycle(ws.EventReconnecting, tries)
			}
		}
	}()
}

// Callers hold c.mu.
func (c *Client) stopHeartbeat() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// Callers hold c.mu.
func (c *Client) takeWaiters() []chan error {
	w := c.waiters
	c.waiters = nil
	return w
}

func (c *Client) dropWaiter(wait chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == wait {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) fireLifecycle(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	c.lifecycle.Call(dispatch.Name(event), ws.Message{Event: event, Data: raw})
}

func closeReason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// effects collects work that must run after c.mu is released: lifecycle
// handlers may call back into the client.
type effects []func()

func (fx *effects) fire(c *Client, event string, data any) {
	*fx = append(*fx, func() { c.fireLifecycle(event, data) })
}

func (fx *effects) do(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
