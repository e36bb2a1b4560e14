package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// CoderDialer dials with github.com/coder/websocket. Its reads honour the
// context passed to Receive.
type CoderDialer struct {
	Options   *websocket.DialOptions
	ReadLimit int64
}

// NewCoderDialer returns a CoderDialer with a 32MB read limit.
func NewCoderDialer() *CoderDialer {
	return &CoderDialer{ReadLimit: 32 * 1024 * 1024}
}

// Dial implements Dialer.
func (d *CoderDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &coderTransport{conn: conn}, nil
}

type coderTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (t *coderTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *coderTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err == nil {
		return data, nil
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		closed = true
	}
	if closed {
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil, err
}

func (t *coderTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close(websocket.StatusCode(code), reason)
}
