package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/dispatch"
	"github.com/cch137/ws/internal/protocol"
)

const (
	// DefaultPath is the upgrade endpoint used when ServerConfig.Path is empty.
	DefaultPath = "/ws"

	metricsPath      = "/metrics"
	shutdownTimeout  = 5 * time.Second
	closeReasonStop  = "server shutting down"
	closeReasonLimit = "Rate limit exceeded"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is a callback function that is called when a new client connects.
// It is called after the WebSocket handshake completes and before the message
// reading loop starts, ahead of the "connection" handlers registered with On.
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block the connection's reads.
type OnConnectFn = func(c ws.Conn)

// OnClientDisconnectFn is a callback type invoked when a connected client disconnects from the server.
// voluntary is true when the peer closed with a normal or going-away close code, and false for
// unexpected or server-initiated disconnects. The connection has already left all its rooms.
type OnClientDisconnectFn = func(c ws.Conn, voluntary bool)

// ServerConfig holds the server settings.
type ServerConfig struct {
	Addr               string
	Path               string // upgrade endpoint; DefaultPath when empty
	RateLimitConfig    *RateLimitConfig
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn

	// Logger receives structured logs. nil logs to stderr.
	Logger *zerolog.Logger
	// Registry holds the server metrics served on /metrics. nil creates a
	// registry private to the server.
	Registry *prometheus.Registry
	// Tracer traces room broadcasts and pending responders. nil uses the
	// global tracer provider.
	Tracer trace.Tracer
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

var (
	_ ws.Server = (*Server)(nil)
	_ ws.Conn   = (*Conn)(nil)
	_ ws.Room   = (*Room)(nil)
)

// closeEvent is the payload of a connection's native "close" event.
type closeEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Server implements the ws.Server interface
type Server struct {
	addr   string
	path   string
	server *http.Server

	clients    sync.Map // map[string]*Conn
	responders sync.Map // map[string]ws.PendingHandler
	handlers   *connHandlers // custom events, applied to every connection
	native     *connHandlers // server-native events
	rooms      *Rooms

	// Rate limiting configuration
	rateLimitConfig *RateLimitConfig

	mu           sync.RWMutex
	running      bool
	listenAddr   string
	stopOnCancel func() bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn

	routerOnce sync.Once
	router     chi.Router

	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	tracer   trace.Tracer
}

// New creates a new WebSocket server instance with the specified configuration.
//
// A nil RateLimitConfig uses DefaultRateLimitConfig(). The server upgrades
// with the Gorilla WebSocket library using 1024-byte read/write buffers and
// applies rate limiting per connection with a token bucket.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/cch137/ws/server")
	}

	m := newMetrics(registry)
	return &Server{
		addr:            cfg.Addr,
		path:            path,
		handlers:        newConnHandlers(logger),
		native:          newConnHandlers(logger),
		rooms:           newRooms(logger, m, tracer),
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:   logger,
		registry: registry,
		metrics:  m,
		tracer:   tracer,
	}
}

// Handler returns the HTTP handler serving the upgrade endpoint and /metrics.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Get(s.path, s.handleWebSocket)
		r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.router = r
	})
	return s.router
}

// Start starts the WebSocket server. Cancelling ctx stops it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ws.ErrServerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.fireNative(ws.EventError, err.Error())
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listenAddr = ln.Addr().String()
	s.stopOnCancel = context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Stop(stopCtx)
	})
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", s.addr).Msg("server stopped unexpectedly")
			s.fireNative(ws.EventError, err.Error())
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.path).Msg("listening")
	s.fireNative(ws.EventListening, ln.Addr().String())
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Stop closes all client connections and shuts the HTTP server down. When the
// server was mounted through Handler instead of Start, only the connections
// are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.running = false
	srv := s.server
	s.server = nil
	stopOnCancel := s.stopOnCancel
	s.stopOnCancel = nil
	s.mu.Unlock()

	if stopOnCancel != nil {
		stopOnCancel()
	}

	// Close all client connections
	s.clients.Range(func(key, value any) bool {
		if c, ok := value.(*Conn); ok {
			c.CloseWithCode(ctx, websocket.CloseGoingAway, closeReasonStop)
		}
		return true
	})

	if !running {
		return nil
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.fireNative(ws.EventClose, nil)
	return err
}

// On registers a handler applied to every connection. Server-native names
// receive the server's own events with a nil Conn, except "connection" which
// carries the accepted connection.
func (s *Server) On(event string, handler ws.ConnHandler) {
	if ws.IsServerReserved(event) {
		s.native.on(event, handler)
		return
	}
	s.handlers.on(event, handler)
}

// HandlePending registers the responder answering pending calls of event.
func (s *Server) HandlePending(event string, handler ws.PendingHandler) {
	s.responders.Store(event, handler)
}

// Emit sends an event to every open connection. Server-native names fire the
// local handlers instead.
func (s *Server) Emit(ctx context.Context, event string, data any) error {
	if ws.IsServerReserved(event) {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
		}
		s.native.call(event, nil, ws.Message{Event: event, Data: raw})
		return nil
	}

	_, span := s.tracer.Start(ctx, "ws.emit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("ws.event", event)),
	)
	defer span.End()

	frame, err := protocol.Encode(event, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}

	delivered := 0
	s.clients.Range(func(key, value any) bool {
		c, ok := value.(*Conn)
		if !ok || !c.IsOpen() {
			return true
		}
		if err := c.trySend(frame); err != nil {
			c.logger.Debug().Err(err).Str("event", event).Msg("emit skipped connection")
			return true
		}
		delivered++
		return true
	})

	s.metrics.sent(kindBroadcast, delivered)
	span.SetAttributes(attribute.Int("ws.delivered", delivered))
	return nil
}

// JoinRoom adds c to the named room. The first joiner's key gates the room.
func (s *Server) JoinRoom(c ws.Conn, room string, key string) (ws.Room, error) {
	conn, err := s.own(c)
	if err != nil {
		return nil, err
	}
	r, err := s.rooms.Join(conn, room, key)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LeaveRoom removes c from the named room. An emptied room is deleted.
func (s *Server) LeaveRoom(c ws.Conn, room string) {
	if conn, ok := c.(*Conn); ok {
		s.rooms.Leave(conn, room)
	}
}

// BroadcastRoom sends an event to every open member of the named room.
func (s *Server) BroadcastRoom(ctx context.Context, room string, event string, data any) (int, error) {
	return s.rooms.Broadcast(ctx, room, event, data)
}

// Room returns the named room.
func (s *Server) Room(name string) (ws.Room, bool) {
	r, ok := s.rooms.Room(name)
	if !ok {
		return nil, false
	}
	return r, true
}

// RoomNames returns the names of the existing rooms.
func (s *Server) RoomNames() []string {
	return s.rooms.Names()
}

// GetClient returns a connection by ID
func (s *Server) GetClient(id string) (*Conn, bool) {
	if c, ok := s.clients.Load(id); ok {
		return c.(*Conn), true
	}
	return nil, false
}

// SendToClient sends an event to a specific connection
func (s *Server) SendToClient(ctx context.Context, clientID string, event string, data any) error {
	c, ok := s.GetClient(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ws.ErrClientNotFound, clientID)
	}
	return c.Emit(ctx, event, data)
}

// Clients returns a snapshot of the connected clients.
func (s *Server) Clients() []ws.Conn {
	var out []ws.Conn
	s.clients.Range(func(key, value any) bool {
		if c, ok := value.(*Conn); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

func (s *Server) own(c ws.Conn) (*Conn, error) {
	conn, ok := c.(*Conn)
	if !ok || conn == nil {
		return nil, ws.ErrUnknownConn
	}
	if v, ok := s.clients.Load(conn.ID()); !ok || v != conn {
		return nil, ws.ErrUnknownConn
	}
	return conn, nil
}

func (s *Server) fireNative(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	s.native.call(event, nil, ws.Message{Event: event, Data: raw})
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.fireNative(ws.EventHeaders, r.Header)

	// The upgrader replies to the request itself on failure.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		s.fireNative(ws.EventError, err.Error())
		return
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	c := newConn(conn, r.RemoteAddr, s.rateLimitConfig, s.logger, s.metrics)
	s.clients.Store(c.ID(), c)
	s.metrics.connectionsActive.Inc()

	// Start reading frames from the connection
	go s.handleConn(c)
}

// handleConn runs the read loop of one connection.
func (s *Server) handleConn(c *Conn) {
	var readErr error
	defer func() {
		code, reason, local := c.closeStatus()
		if !local {
			code, reason = websocket.CloseAbnormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(readErr, &ce) {
				code, reason = ce.Code, ce.Text
			}
		}
		voluntary := !local && websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway)

		c.Close(context.Background())
		s.rooms.LeaveAll(c)
		s.clients.Delete(c.ID())
		s.metrics.connectionsActive.Dec()

		c.fireJSON(ws.EventClose, closeEvent{Code: code, Reason: reason})
		if s.onDisconnect != nil {
			s.onDisconnect(c, voluntary)
		}
	}()

	// Set read deadline to prevent indefinite blocking
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.fireJSON(ws.EventPong, appData)
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.fireJSON(ws.EventPing, appData)
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	// This is the place to send welcome messages, track connections, join
	// rooms or register per-connection handlers.
	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.native.call(ws.EventConnection, c, ws.Message{Event: ws.EventConnection, Data: json.RawMessage("null")})
	c.fire(ws.EventOpen, json.RawMessage("null"))

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		// Reset read deadline after successful read
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.metrics.framesReceived.Inc()

		// Check rate limit before processing the frame
		if !c.CheckRateLimit() {
			c.logger.Warn().Str("remote_addr", c.RemoteAddr()).Msg("rate limit exceeded")
			s.metrics.rateLimited.Inc()
			c.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, closeReasonLimit)
			return
		}

		s.handleFrame(c, frame)
	}
}

// handleFrame decodes one frame and dispatches it. Handlers run on the read
// goroutine in arrival order; pending responders run on their own goroutine.
func (s *Server) handleFrame(c *Conn, frame []byte) {
	c.fire(ws.EventMessage, frame)

	env, p, err := protocol.Decode(frame)
	if err != nil {
		s.metrics.framesInvalid.Inc()
		c.logger.Debug().Err(err).Msg("invalid envelope")
		c.fireJSON(ws.EventError, err.Error())
		return
	}

	msg := ws.Message{Event: env.Event, Data: env.Data}
	if p != nil {
		msg = ws.Message{Event: p.Event, Data: p.Data, PendingID: p.ID}
		if h, ok := s.responders.Load(p.Event); ok {
			go s.respond(c, msg, h.(ws.PendingHandler))
		}
	}

	c.dispatch(msg)
	s.handlers.call(msg.Event, c, msg)
}

// respond runs a pending responder and replies with its outcome.
func (s *Server) respond(c *Conn, msg ws.Message, h ws.PendingHandler) {
	ctx, span := s.tracer.Start(c.Context(), "ws.pending.respond",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ws.event", msg.Event),
			attribute.Int64("ws.pending.id", int64(msg.PendingID)),
			attribute.String("ws.conn_id", c.ID()),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := s.callResponder(ctx, c, msg, h)
	s.metrics.pendingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.pendingReplies.WithLabelValues("error").Inc()
		err = c.ReplyError(ctx, msg.PendingID, msg.Event, err)
	} else {
		s.metrics.pendingReplies.WithLabelValues("ok").Inc()
		err = c.Reply(ctx, msg.PendingID, msg.Event, result)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("event", msg.Event).Uint64("pending_id", msg.PendingID).Msg("pending reply not sent")
	}
}

func (s *Server) callResponder(ctx context.Context, c *Conn, msg ws.Message, h ws.PendingHandler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("event", msg.Event).
				Interface("panic", r).
				Msg("pending responder panicked")
			err = fmt.Errorf("responder for %q panicked", msg.Event)
		}
	}()
	return h(ctx, c, msg.Data)
}

// connEvent is the value the server-wide tables hand to their handlers.
type connEvent struct {
	conn ws.Conn
	msg  ws.Message
}

// connHandlers is a set of server-level handlers keyed by event name.
type connHandlers struct {
	table *dispatch.Table[connEvent]
}

func newConnHandlers(logger zerolog.Logger) *connHandlers {
	return &connHandlers{table: dispatch.NewTable[connEvent](logger)}
}

func (h *connHandlers) on(event string, fn ws.ConnHandler) {
	h.table.On(dispatch.Name(event), func(e connEvent) { fn(e.conn, e.msg) })
}

func (h *connHandlers) call(event string, c ws.Conn, msg ws.Message) int {
	return h.table.Call(dispatch.Name(event), connEvent{conn: c, msg: msg})
}
