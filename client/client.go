// Package client is the public constructor facade of the client side.
package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/cch137/ws"
	wsclient "github.com/cch137/ws/internal/client"
)

type Client = wsclient.Client
type Option = wsclient.Option
type Backoff = wsclient.Backoff
type ConstantBackoff = wsclient.ConstantBackoff
type ExponentialBackoff = wsclient.ExponentialBackoff
type Dialer = wsclient.Dialer
type Transport = wsclient.Transport
type GorillaDialer = wsclient.GorillaDialer
type CoderDialer = wsclient.CoderDialer

var _ ws.Client = (*Client)(nil)

// New creates a client for the socket URL without connecting.
//
// Example:
//
//	c := client.New("ws://localhost:8080/ws", client.WithMaxReconnectTries(5))
//	c.On(ws.EventConnect, func(ws.Message) { log.Println("connected") })
//	c.On("chat", func(msg ws.Message) { log.Printf("chat: %s", msg.Data) })
//	c.Emit("chat", "hello") // queued until connected
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(url string, opts ...Option) *Client {
	return wsclient.New(url, opts...)
}

// Dial creates a client and connects it. If the connection cannot be
// established before ctx is done, reconnection is stopped and the error is
// returned.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := wsclient.New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Disconnect()
		return nil, err
	}
	return c, nil
}

// SocketURL derives the socket URL from an HTTP origin: http becomes ws and
// https becomes wss.
func SocketURL(origin, path string) (string, error) {
	return wsclient.SocketURL(origin, path)
}

// WithDialer sets the transport dialer. Default: NewGorillaDialer().
func WithDialer(d Dialer) Option { return wsclient.WithDialer(d) }

// WithBackoff sets the redial delay policy. Default: DefaultBackoff().
func WithBackoff(b Backoff) Option { return wsclient.WithBackoff(b) }

// WithMaxReconnectTries caps consecutive unplanned closes. 0 means unlimited.
func WithMaxReconnectTries(n int) Option { return wsclient.WithMaxReconnectTries(n) }

// WithoutAutoReconnect disables redialing after unplanned closes.
func WithoutAutoReconnect() Option { return wsclient.WithoutAutoReconnect() }

// WithHeartbeat sets the interval of the "reconnecting" event. 0 disables it.
func WithHeartbeat(d time.Duration) Option { return wsclient.WithHeartbeat(d) }

// WithPendingTimeout bounds the wait of a pending call. 0 disables it.
func WithPendingTimeout(d time.Duration) Option { return wsclient.WithPendingTimeout(d) }

// WithMaxBuffered bounds the frames queued while disconnected. 0 means unlimited.
func WithMaxBuffered(n int) Option { return wsclient.WithMaxBuffered(n) }

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option { return wsclient.WithLogger(logger) }

// WithTracer sets the tracer used for pending call spans.
func WithTracer(tracer trace.Tracer) Option { return wsclient.WithTracer(tracer) }

// DefaultBackoff returns the exponential policy: 1s doubling up to 30s with 20% jitter.
func DefaultBackoff() *ExponentialBackoff { return wsclient.DefaultBackoff() }

// NewGorillaDialer returns the default dialer, built on gorilla/websocket.
func NewGorillaDialer() *GorillaDialer { return wsclient.NewGorillaDialer() }

// NewCoderDialer returns a dialer built on coder/websocket.
func NewCoderDialer() *CoderDialer { return wsclient.NewCoderDialer() }
