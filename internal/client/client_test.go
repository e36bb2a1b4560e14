package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cch137/ws"
	"github.com/cch137/ws/internal/dispatch"
	"github.com/cch137/ws/internal/protocol"
)

// fakeTransport implements Transport for testing.
type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	inbox       chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	brokenErr   error
	sendErr     error // returned once by the next Send

	// Channel signaled when a frame is sent
	onSend chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 100),
		closed: make(chan struct{}),
		onSend: make(chan []byte, 100),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	if err := f.sendErr; err != nil {
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, frame)
	f.onSend <- frame
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.inbox:
		return frame, nil
	case <-f.closed:
		f.mu.Lock()
		err := f.brokenErr
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// drop simulates an unplanned close observed by the read loop.
func (f *fakeTransport) drop(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.brokenErr = err
		f.mu.Unlock()
		close(f.closed)
	})
}

func (f *fakeTransport) push(frame string) {
	f.inbox <- []byte(frame)
}

func (f *fakeTransport) nextSent(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-f.onSend:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent frame")
		return nil
	}
}

func (f *fakeTransport) assertNoMoreSent(t *testing.T) {
	t.Helper()
	select {
	case frame := <-f.onSend:
		t.Fatalf("unexpected extra frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeDialer implements Dialer for testing.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	fail    int
	sendErr error
	conns   chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 100)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	tr := newFakeTransport()
	tr.sendErr, d.sendErr = d.sendErr, nil
	d.conns <- tr
	return tr, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// failNextSend makes the first Send of the next dialed transport fail.
func (d *fakeDialer) failNextSend(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// recorder collects lifecycle events in the order they fire.
type recorder struct {
	mu     sync.Mutex
	events []ws.Message
}

func (r *recorder) record(msg ws.Message) {
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Event
	}
	return names
}

func (r *recorder) count(event string) int {
	n := 0
	for _, name := range r.names() {
		if name == event {
			n++
		}
	}
	return n
}

func (r *recorder) watch(c *Client, events ...string) {
	for _, e := range events {
		c.On(e, r.record)
	}
}

func newTestClient(d Dialer, opts ...Option) *Client {
	base := []Option{
		WithDialer(d),
		WithLogger(zerolog.Nop()),
		WithBackoff(ConstantBackoff(0)),
		WithHeartbeat(0),
	}
	return New("ws://example.test/ws", append(base, opts...)...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func decodeFrame(t *testing.T, frame []byte) (protocol.Envelope, *protocol.Pending) {
	t.Helper()
	env, p, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", frame, err)
	}
	return env, p
}

// TestConnect tests the initial connect and its lifecycle event
func TestConnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	rec := &recorder{}
	rec.watch(c, ws.EventConnect, ws.EventReconnect)

	if c.State() != ws.StateDisconnected {
		t.Errorf("initial State() = %v, want disconnected", c.State())
	}

	connect(t, c)

	if c.State() != ws.StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if got := rec.names(); len(got) != 1 || got[0] != ws.EventConnect {
		t.Errorf("lifecycle events = %v, want [connect]", got)
	}

	// Connecting again is a no-op.
	connect(t, c)
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

// TestLateConnectSubscriber tests that a connect handler added while connected runs at once
func TestLateConnectSubscriber(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeDialer())
	connect(t, c)

	called := false
	c.On(ws.EventConnect, func(ws.Message) { called = true })
	if !called {
		t.Error("connect handler registered while connected should run immediately")
	}
}

// TestEmitWhileDisconnectedIsReplayed tests that queued emits reach the transport once, in order
func TestEmitWhileDisconnectedIsReplayed(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)

	if err := c.Emit("chat", "hi"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Emit("seq", i); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if c.Buffered() != 6 {
		t.Errorf("Buffered() = %d, want 6", c.Buffered())
	}

	connect(t, c)
	tr := d.next(t)

	env, _ := decodeFrame(t, tr.nextSent(t))
	if env.Event != "chat" || string(env.Data) != `"hi"` {
		t.Errorf("first frame = {%s %s}, want {chat \"hi\"}", env.Event, env.Data)
	}
	for i := 0; i < 5; i++ {
		env, _ := decodeFrame(t, tr.nextSent(t))
		if env.Event != "seq" || string(env.Data) != fmt.Sprint(i) {
			t.Errorf("frame %d = {%s %s}, want {seq %d}", i, env.Event, env.Data, i)
		}
	}
	tr.assertNoMoreSent(t)

	if c.Buffered() != 0 {
		t.Errorf("Buffered() after replay = %d, want 0", c.Buffered())
	}
}

// TestReplayPrecedesNewEmits tests that an emit made on connect goes after the queued ones
func TestReplayPrecedesNewEmits(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	c.On(ws.EventConnect, func(ws.Message) {
		c.Emit("after", nil)
	})

	c.Emit("before", 1)
	c.Emit("before", 2)
	connect(t, c)
	tr := d.next(t)

	want := []string{"before", "before", "after"}
	for i, w := range want {
		env, _ := decodeFrame(t, tr.nextSent(t))
		if env.Event != w {
			t.Errorf("frame %d event = %q, want %q", i, env.Event, w)
		}
	}
}

// TestEmitReservedRejected tests that lifecycle names cannot be emitted
func TestEmitReservedRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeDialer())
	for _, event := range []string{ws.EventConnect, ws.EventReconnectFailed, ws.EventPending} {
		if err := c.Emit(event, nil); !errors.Is(err, ws.ErrReservedEvent) {
			t.Errorf("Emit(%q) error = %v, want ErrReservedEvent", event, err)
		}
	}
	if err := c.Emit("", nil); !errors.Is(err, ws.ErrEmptyEvent) {
		t.Errorf("Emit(\"\") error = %v, want ErrEmptyEvent", err)
	}
}

// TestMaxBuffered tests the bound on frames queued while disconnected
func TestMaxBuffered(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeDialer(), WithMaxBuffered(2))
	c.Emit("a", nil)
	c.Emit("b", nil)
	if err := c.Emit("c", nil); !errors.Is(err, ws.ErrBufferFull) {
		t.Errorf("Emit() error = %v, want ErrBufferFull", err)
	}
}

// TestInboundDispatch tests routing of server frames to handlers
func TestInboundDispatch(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)

	chat := make(chan ws.Message, 1)
	raw := make(chan ws.Message, 1)
	c.On("chat", func(msg ws.Message) { chat <- msg })
	c.On(ws.EventMessage, func(msg ws.Message) { raw <- msg })

	connect(t, c)
	tr := d.next(t)
	tr.push(`{"event":"chat","data":{"msg":"hi"}}`)
	tr.push(`not json at all`)

	select {
	case msg := <-chat:
		var body struct{ Msg string }
		if err := msg.Bind(&body); err != nil || body.Msg != "hi" {
			t.Errorf("chat payload = %s (%v)", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat handler not called")
	}

	select {
	case msg := <-raw:
		if string(msg.Data) != "not json at all" {
			t.Errorf("raw message = %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message handler not called for undecodable frame")
	}
}

// TestServerCannotFireLifecycle tests that envelopes never reach lifecycle handlers
func TestServerCannotFireLifecycle(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	connect(t, c)

	fired := make(chan struct{}, 1)
	c.On(ws.EventDisconnect, func(ws.Message) { fired <- struct{}{} })

	after := make(chan struct{}, 1)
	c.On("after", func(ws.Message) { after <- struct{}{} })

	tr := d.next(t)
	tr.push(`{"event":"disconnect","data":null}`)
	tr.push(`{"event":"after","data":null}`)
	<-after

	select {
	case <-fired:
		t.Error("server envelope fired a lifecycle handler")
	default:
	}
}

// TestOffAndClear tests handler removal through the client
func TestOffAndClear(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)

	var mu sync.Mutex
	var got []string
	rec := func(tag string) ws.Handler {
		return func(ws.Message) {
			mu.Lock()
			got = append(got, tag)
			mu.Unlock()
		}
	}
	a := c.On("evt", rec("a"))
	c.On("evt", rec("b"))
	c.Off("evt", a)

	connect(t, c)
	tr := d.next(t)
	tr.push(`{"event":"evt","data":1}`)
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	c.Clear("evt")
	done := make(chan struct{})
	c.On("fence", func(ws.Message) { close(done) })
	tr.push(`{"event":"evt","data":2}`)
	tr.push(`{"event":"fence","data":null}`)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("deliveries = %v, want [b]", got)
	}
}

// TestPendingResolves tests a pending call answered with a plain envelope
func TestPendingResolves(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	connect(t, c)
	tr := d.next(t)

	type result struct {
		data json.RawMessage
		err  error
	}
	out := make(chan result, 1)
	go func() {
		data, err := c.Pending(context.Background(), "sum", map[string]int{"a": 1, "b": 2})
		out <- result{data, err}
	}()

	env, p := decodeFrame(t, tr.nextSent(t))
	if env.Event != ws.EventPending || p == nil {
		t.Fatalf("sent frame is not a pending envelope: %s", env.Event)
	}
	if p.Event != "sum" || string(p.Data) != `{"a":1,"b":2}` {
		t.Errorf("pending = {%s %s}", p.Event, p.Data)
	}

	tr.push(fmt.Sprintf(`{"event":"%d","data":{"a":3}}`, p.ID))

	r := <-out
	if r.err != nil {
		t.Fatalf("Pending() error = %v", r.err)
	}
	if string(r.data) != `{"a":3}` {
		t.Errorf("Pending() = %s, want {\"a\":3}", r.data)
	}
	if c.events.Has(dispatch.CallID(p.ID)) {
		t.Error("call handler should be removed after resolution")
	}
}

// TestPendingReplyEnvelope tests a pending call answered with a pending envelope
func TestPendingReplyEnvelope(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	connect(t, c)
	tr := d.next(t)

	out := make(chan json.RawMessage, 1)
	go func() {
		data, _ := c.Pending(context.Background(), "echo", "x")
		out <- data
	}()

	_, p := decodeFrame(t, tr.nextSent(t))
	frame, _ := protocol.EncodePending(p.ID, "echo", protocol.ResultPayload("x"))
	tr.push(string(frame))

	if got := <-out; string(got) != `"x"` {
		t.Errorf("Pending() = %s, want \"x\"", got)
	}
}

// TestPendingError tests that an error-marked reply rejects the call
func TestPendingError(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	connect(t, c)
	tr := d.next(t)

	out := make(chan error, 1)
	go func() {
		_, err := c.Pending(context.Background(), "div", []int{1, 0})
		out <- err
	}()

	_, p := decodeFrame(t, tr.nextSent(t))
	tr.push(fmt.Sprintf(`{"event":"%d","data":{"name":"error","data":"division by zero"}}`, p.ID))

	err := <-out
	var perr *ws.PendingError
	if !errors.As(err, &perr) {
		t.Fatalf("Pending() error = %v, want *ws.PendingError", err)
	}
	if perr.ID != p.ID || string(perr.Data) != `"division by zero"` {
		t.Errorf("PendingError = %+v", perr)
	}
}

// TestPendingExactlyOnce tests that a second response for the same id is not delivered
func TestPendingExactlyOnce(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	connect(t, c)
	tr := d.next(t)

	out := make(chan json.RawMessage, 2)
	go func() {
		data, _ := c.Pending(context.Background(), "once", nil)
		out <- data
	}()
	_, p := decodeFrame(t, tr.nextSent(t))

	// A plain envelope named after the id reaches named handlers once the call is gone.
	late := make(chan json.RawMessage, 1)
	c.On(fmt.Sprint(p.ID), func(msg ws.Message) { late <- msg.Data })

	tr.push(fmt.Sprintf(`{"event":"pending","data":{"id":%d,"event":"once","data":1}}`, p.ID))
	tr.push(fmt.Sprintf(`{"event":"pending","data":{"id":%d,"event":"once","data":2}}`, p.ID))
	tr.push(fmt.Sprintf(`{"event":"%d","data":3}`, p.ID))

	if got := <-out; string(got) != "1" {
		t.Errorf("Pending() = %s, want 1", got)
	}
	select {
	case got := <-late:
		if string(got) != "3" {
			t.Errorf("late named delivery = %s, want 3", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("named handler for the id never ran")
	}
	select {
	case extra := <-out:
		t.Errorf("call resolved twice, second value %s", extra)
	default:
	}
}

// TestPendingTimeout tests that unanswered calls are rejected and removed
func TestPendingTimeout(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithPendingTimeout(30*time.Millisecond))
	connect(t, c)

	_, err := c.Pending(context.Background(), "slow", nil)
	if !errors.Is(err, ws.ErrPendingTimeout) {
		t.Fatalf("Pending() error = %v, want ErrPendingTimeout", err)
	}
	if c.events.Len() != 0 {
		t.Errorf("handler table has %d keys after timeout, want 0", c.events.Len())
	}
}

// TestPendingContextCancel tests that ctx cancellation rejects the call
func TestPendingContextCancel(t *testing.T) {
	t.Parallel()

	c := newTestClient(newFakeDialer(), WithPendingTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Not connected: the call is queued and can only end through ctx.
	_, err := c.Pending(ctx, "queued", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pending() error = %v, want DeadlineExceeded", err)
	}
	if c.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0 after the call was abandoned", c.Buffered())
	}
}

// TestAbandonedCallIsNotReplayed tests that a call given up while disconnected
// never reaches the server, while emits queued around it still do
func TestAbandonedCallIsNotReplayed(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithPendingTimeout(20*time.Millisecond))

	if err := c.Emit("before", 1); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	_, err := c.Pending(context.Background(), "join", map[string]string{"room": "lobby"})
	if !errors.Is(err, ws.ErrPendingTimeout) {
		t.Fatalf("Pending() error = %v, want ErrPendingTimeout", err)
	}
	if err := c.Emit("after", 2); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if c.Buffered() != 2 {
		t.Errorf("Buffered() = %d, want 2", c.Buffered())
	}

	connect(t, c)
	tr := d.next(t)
	for _, want := range []string{"before", "after"} {
		env, p := decodeFrame(t, tr.nextSent(t))
		if env.Event != want || p != nil {
			t.Errorf("replayed %q (pending=%v), want %q", env.Event, p != nil, want)
		}
	}
	tr.assertNoMoreSent(t)
}

// TestPendingIDsMonotonic tests that ids increase and survive reconnects
func TestPendingIDsMonotonic(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithPendingTimeout(time.Millisecond))
	connect(t, c)
	tr := d.next(t)

	var ids []uint64
	collect := func(tr *fakeTransport) {
		for i := 0; i < 3; i++ {
			c.Pending(context.Background(), "tick", i)
			_, p := decodeFrame(t, tr.nextSent(t))
			ids = append(ids, p.ID)
		}
	}

	collect(tr)
	tr.drop(errors.New("connection reset by peer"))
	tr2 := d.next(t)
	waitFor(t, "reconnect", func() bool { return c.State() == ws.StateConnected })
	collect(tr2)

	for i, id := range ids {
		if id != uint64(i+1) {
			t.Errorf("ids = %v, want 1..%d", ids, len(ids))
			break
		}
	}
}

// TestReconnectAfterUnplannedClose tests redial and replay after a dropped socket
func TestReconnectAfterUnplannedClose(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	rec := &recorder{}
	rec.watch(c, ws.EventConnect, ws.EventDisconnect, ws.EventError, ws.EventReconnect, ws.EventReconnectAttempt)

	connect(t, c)
	tr := d.next(t)
	tr.drop(errors.New("connection reset by peer"))

	tr2 := d.next(t)
	waitFor(t, "reconnect event", func() bool { return rec.count(ws.EventReconnect) == 1 })

	want := []string{ws.EventConnect, ws.EventError, ws.EventDisconnect, ws.EventReconnectAttempt, ws.EventReconnect}
	got := rec.names()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
	if c.ReconnectTries() != 0 {
		t.Errorf("ReconnectTries() = %d, want 0 after reconnect", c.ReconnectTries())
	}

	if err := c.Emit("chat", "again"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	env, _ := decodeFrame(t, tr2.nextSent(t))
	if env.Event != "chat" {
		t.Errorf("frame after reconnect = %q, want chat", env.Event)
	}
}

// TestReconnectFailedSignal tests the reconnect_failed signal after repeated failures
func TestReconnectFailedSignal(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	rec := &recorder{}
	rec.watch(c, ws.EventReconnect, ws.EventReconnectAttempt, ws.EventReconnectError, ws.EventReconnectFailed)

	connect(t, c)
	tr := d.next(t)

	// Close #1 is the drop, closes #2 and #3 are failed redials; the fourth
	// dial succeeds.
	d.setFail(2)
	tr.drop(errors.New("connection reset by peer"))
	d.next(t)
	waitFor(t, "reconnect", func() bool { return rec.count(ws.EventReconnect) == 1 })

	if d.dialCount() != 4 {
		t.Errorf("dials = %d, want 4", d.dialCount())
	}
	if n := rec.count(ws.EventReconnectAttempt); n != 3 {
		t.Errorf("reconnect_attempt fired %d times, want 3", n)
	}
	if n := rec.count(ws.EventReconnectError); n != 2 {
		t.Errorf("reconnect_error fired %d times, want 2", n)
	}
	if n := rec.count(ws.EventReconnectFailed); n != 2 {
		t.Errorf("reconnect_failed fired %d times, want 2", n)
	}

	names := rec.names()
	lastFailed, reconnect := -1, -1
	for i, n := range names {
		switch n {
		case ws.EventReconnectFailed:
			lastFailed = i
		case ws.EventReconnect:
			reconnect = i
		}
	}
	if lastFailed > reconnect {
		t.Errorf("reconnect_failed must precede the successful attempt: %v", names)
	}

	rec.mu.Lock()
	var tries int
	for _, e := range rec.events {
		if e.Event == ws.EventReconnectFailed {
			json.Unmarshal(e.Data, &tries)
		}
	}
	rec.mu.Unlock()
	if tries != 3 {
		t.Errorf("last reconnect_failed carried %d tries, want 3", tries)
	}
}

// TestMaxReconnectTries tests that reconnection gives up after the cap
func TestMaxReconnectTries(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.setFail(100)
	c := newTestClient(d, WithMaxReconnectTries(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, ws.ErrReconnectExhausted) {
		t.Fatalf("Connect() error = %v, want ErrReconnectExhausted", err)
	}
	if d.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", d.dialCount())
	}
	if c.State() != ws.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}

// TestReconnectTriesResetAfterExhaustion tests that a user connect after
// giving up starts a fresh reconnect budget
func TestReconnectTriesResetAfterExhaustion(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithMaxReconnectTries(2))
	rec := &recorder{}
	rec.watch(c, ws.EventReconnect, ws.EventReconnectFailed)

	connect(t, c)
	tr := d.next(t)

	// The drop and two failed redials exhaust the budget of 2.
	d.setFail(2)
	tr.drop(errors.New("connection reset by peer"))
	waitFor(t, "exhaustion", func() bool {
		return d.dialCount() == 3 && c.State() == ws.StateDisconnected
	})

	connect(t, c)
	tr2 := d.next(t)
	if n := c.ReconnectTries(); n != 0 {
		t.Errorf("ReconnectTries() = %d after a user connect, want 0", n)
	}
	failed := rec.count(ws.EventReconnectFailed)

	tr2.drop(errors.New("connection reset by peer"))
	d.next(t)
	waitFor(t, "reconnect", func() bool { return rec.count(ws.EventReconnect) == 1 })

	if c.State() != ws.StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if d.dialCount() != 5 {
		t.Errorf("dials = %d, want 5", d.dialCount())
	}
	if n := rec.count(ws.EventReconnectFailed); n != failed {
		t.Errorf("reconnect_failed fired %d more times on a single redial", n-failed)
	}
}

// TestReconnectTriesResetAfterDisconnect tests that a redial cancelled by
// Disconnect does not leak its count into the next session
func TestReconnectTriesResetAfterDisconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithBackoff(ConstantBackoff(time.Hour)))
	rec := &recorder{}
	rec.watch(c, ws.EventConnect, ws.EventReconnect)

	connect(t, c)
	d.next(t).drop(errors.New("connection reset by peer"))
	waitFor(t, "reconnecting state", func() bool { return c.State() == ws.StateReconnecting })

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	connect(t, c)
	d.next(t)

	if n := c.ReconnectTries(); n != 0 {
		t.Errorf("ReconnectTries() = %d, want 0", n)
	}
	want := []string{ws.EventConnect, ws.EventConnect}
	if got := rec.names(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
}

// TestFailedWriteIsReplayed tests that a frame whose write fails is sent again
// after the redial, and that only real write errors are reported
func TestFailedWriteIsReplayed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		sendErr    error
		wantErrors int
	}{
		{name: "write error", sendErr: errors.New("broken pipe"), wantErrors: 1},
		{name: "transport closed", sendErr: fmt.Errorf("%w: closed locally", ErrTransportClosed), wantErrors: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newFakeDialer()
			c := newTestClient(d)
			rec := &recorder{}
			rec.watch(c, ws.EventError, ws.EventReconnect)

			for _, s := range []string{"a", "b"} {
				if err := c.Emit("seq", s); err != nil {
					t.Fatalf("Emit() error = %v", err)
				}
			}
			d.failNextSend(tt.sendErr)
			connect(t, c)
			d.next(t)

			tr2 := d.next(t)
			for _, want := range []string{`"a"`, `"b"`} {
				env, _ := decodeFrame(t, tr2.nextSent(t))
				if string(env.Data) != want {
					t.Errorf("replayed %s, want %s", env.Data, want)
				}
			}
			tr2.assertNoMoreSent(t)

			waitFor(t, "reconnect", func() bool { return rec.count(ws.EventReconnect) == 1 })
			if n := rec.count(ws.EventError); n != tt.wantErrors {
				t.Errorf("error fired %d times, want %d", n, tt.wantErrors)
			}
		})
	}
}

// TestWithoutAutoReconnect tests that a failed dial is final when reconnect is off
func TestWithoutAutoReconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.setFail(1)
	c := newTestClient(d, WithoutAutoReconnect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, ws.ErrAutoReconnectDisabled) {
		t.Fatalf("Connect() error = %v, want ErrAutoReconnectDisabled", err)
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

// TestDisconnect tests a user close: normal code, no redial, later emits queued
func TestDisconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	rec := &recorder{}
	rec.watch(c, ws.EventDisconnect)

	connect(t, c)
	tr := d.next(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitFor(t, "disconnect event", func() bool { return rec.count(ws.EventDisconnect) == 1 })

	tr.mu.Lock()
	code, reason := tr.closeCode, tr.closeReason
	tr.mu.Unlock()
	if code != 1000 || reason != closeReasonUser {
		t.Errorf("close = (%d, %q), want (1000, %q)", code, reason, closeReasonUser)
	}

	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (no redial after Disconnect)", d.dialCount())
	}
	if c.State() != ws.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}

	c.Emit("later", nil)
	if c.Buffered() != 1 {
		t.Errorf("Buffered() = %d, want 1", c.Buffered())
	}

	// Disconnecting an idle client is a no-op.
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

// TestConnectWhileReconnecting tests that Connect dials at once instead of waiting out the backoff
func TestConnectWhileReconnecting(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithBackoff(ConstantBackoff(time.Hour)))
	rec := &recorder{}
	rec.watch(c, ws.EventReconnect)

	connect(t, c)
	d.next(t).drop(errors.New("connection reset by peer"))
	waitFor(t, "reconnecting state", func() bool { return c.State() == ws.StateReconnecting })

	connect(t, c)
	d.next(t)

	if d.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", d.dialCount())
	}
	if n := rec.count(ws.EventReconnect); n != 1 {
		t.Errorf("reconnect fired %d times, want 1", n)
	}
	if c.ReconnectTries() != 0 {
		t.Errorf("ReconnectTries() = %d, want 0", c.ReconnectTries())
	}
}

// TestDisconnectWhileReconnecting tests cancellation with only a redial scheduled
func TestDisconnectWhileReconnecting(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithBackoff(ConstantBackoff(time.Hour)))
	connect(t, c)
	tr := d.next(t)

	tr.drop(errors.New("connection reset by peer"))
	waitFor(t, "reconnecting state", func() bool { return c.State() == ws.StateReconnecting })

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.State() != ws.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

// TestHeartbeat tests the periodic reconnecting signal
func TestHeartbeat(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d, WithBackoff(ConstantBackoff(time.Hour)), WithHeartbeat(5*time.Millisecond))
	rec := &recorder{}
	rec.watch(c, ws.EventReconnecting)

	connect(t, c)
	d.next(t).drop(errors.New("connection reset by peer"))

	waitFor(t, "reconnecting heartbeat", func() bool { return rec.count(ws.EventReconnecting) >= 2 })

	c.Disconnect()
	n := rec.count(ws.EventReconnecting)
	time.Sleep(30 * time.Millisecond)
	if after := rec.count(ws.EventReconnecting); after > n+1 {
		t.Errorf("heartbeat kept firing after Disconnect: %d -> %d", n, after)
	}
}

// TestHandlerPanicDoesNotBreakClient tests isolation of failing handlers
func TestHandlerPanicDoesNotBreakClient(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestClient(d)
	c.On(ws.EventConnect, func(ws.Message) { panic("bad subscriber") })

	got := make(chan struct{}, 1)
	c.On("evt", func(ws.Message) { panic("bad handler") })
	c.On("evt", func(ws.Message) { got <- struct{}{} })

	connect(t, c)
	d.next(t).push(`{"event":"evt","data":null}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling handler not called")
	}
}
