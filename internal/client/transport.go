package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by Transport.Receive once the socket was
// closed cleanly, either locally or with a normal/going-away close frame.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one open socket. Implementations must be safe for one reader
// and concurrent writers.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens transports to a socket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

// NewGorillaDialer returns a GorillaDialer with a 10s handshake timeout and
// a 10s write timeout.
func NewGorillaDialer() *GorillaDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &GorillaDialer{
		Dialer:       &d,
		Header:       make(http.Header),
		WriteTimeout: 10 * time.Second,
	}
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &gorillaTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type gorillaTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func (t *gorillaTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	deadline := time.Time{}
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive blocks on the socket; gorilla reads are not context aware, so ctx
// is only honoured through Close.
func (t *gorillaTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err == nil {
		return data, nil
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil, err
}

func (t *gorillaTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return t.conn.Close()
}
