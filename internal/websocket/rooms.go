package websocket

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/protocol"
)

// Room is a named group of connections. A room with a non-empty key only
// admits joiners presenting the same key.
type Room struct {
	name string
	key  string

	mu      sync.RWMutex
	members map[*Conn]struct{}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot of the members.
func (r *Room) Members() []ws.Conn {
	conns := r.snapshot()
	out := make([]ws.Conn, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

// Has reports whether c is a member.
func (r *Room) Has(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[c]
	return ok
}

func (r *Room) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		conns = append(conns, c)
	}
	return conns
}

func (r *Room) admits(key string) bool {
	if r.key == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.key), []byte(key)) == 1
}

// Rooms is the registry of the rooms of one server. Membership changes are
// serialized by the registry lock, so a room is deleted in the same critical
// section that removes its last member.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]*Room

	logger  zerolog.Logger
	metrics *metrics
	tracer  trace.Tracer
}

// newRooms creates an empty registry.
func newRooms(logger zerolog.Logger, m *metrics, tracer trace.Tracer) *Rooms {
	return &Rooms{
		rooms:   make(map[string]*Room),
		logger:  logger,
		metrics: m,
		tracer:  tracer,
	}
}

// Join adds c to the named room, creating it with key on first join. Joining
// an existing keyed room with another key fails with ErrIncorrectKey and
// changes nothing. Joining twice is a no-op.
func (rs *Rooms) Join(c *Conn, name, key string) (*Room, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !c.IsOpen() {
		return nil, ws.ErrConnectionClosed
	}

	room, ok := rs.rooms[name]
	if ok && !room.admits(key) {
		rs.logger.Warn().Str("conn_id", c.ID()).Str("room", name).Msg("join rejected: incorrect key")
		return nil, fmt.Errorf("%w: %s", ws.ErrIncorrectKey, name)
	}
	if !ok {
		room = &Room{name: name, key: key, members: make(map[*Conn]struct{})}
		rs.rooms[name] = room
		rs.metrics.roomsActive.Inc()
	}

	room.mu.Lock()
	room.members[c] = struct{}{}
	room.mu.Unlock()
	c.addRoom(name)
	return room, nil
}

// Leave removes c from the named room and deletes the room once empty.
func (rs *Rooms) Leave(c *Conn, name string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.leave(c, name)
}

// LeaveAll removes c from every room it joined.
func (rs *Rooms) LeaveAll(c *Conn) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, name := range c.Rooms() {
		rs.leave(c, name)
	}
}

// Callers hold rs.mu.
func (rs *Rooms) leave(c *Conn, name string) {
	c.removeRoom(name)

	room, ok := rs.rooms[name]
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.members, c)
	empty := len(room.members) == 0
	room.mu.Unlock()

	if empty {
		delete(rs.rooms, name)
		rs.metrics.roomsActive.Dec()
	}
}

// Room returns the named room.
func (rs *Rooms) Room(name string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[name]
	return room, ok
}

// Names returns the names of all rooms, sorted.
func (rs *Rooms) Names() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	names := make([]string, 0, len(rs.rooms))
	for name := range rs.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of rooms.
func (rs *Rooms) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms)
}

// Broadcast sends event to every open member of the named room and returns
// how many members the frame was queued for. The envelope is encoded once.
// An unknown room is not an error.
func (rs *Rooms) Broadcast(ctx context.Context, name, event string, data any) (int, error) {
	_, span := rs.tracer.Start(ctx, "ws.room.broadcast",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("ws.room", name),
			attribute.String("ws.event", event),
		),
	)
	defer span.End()

	room, ok := rs.Room(name)
	if !ok {
		span.SetAttributes(attribute.Int("ws.room.delivered", 0))
		return 0, nil
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%s: %w", ws.ErrMsgFailedToEncode, err)
	}

	members := room.snapshot()
	delivered := 0
	for _, c := range members {
		if !c.IsOpen() {
			continue
		}
		if err := c.trySend(frame); err != nil {
			rs.logger.Debug().Err(err).Str("conn_id", c.ID()).Str("room", name).Msg("room broadcast skipped member")
			continue
		}
		delivered++
	}

	rs.metrics.sent(kindRoom, delivered)
	span.SetAttributes(
		attribute.Int("ws.room.members", len(members)),
		attribute.Int("ws.room.delivered", delivered),
	)
	return delivered, nil
}
