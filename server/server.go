// Package server is the public constructor facade of the server side.
package server

import (
	"net/http"

	"github.com/cch137/ws/internal/websocket"
)

type Server = websocket.Server
type Conn = websocket.Conn
type Room = websocket.Room
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// DefaultPath is the upgrade endpoint used when no path is configured.
const DefaultPath = websocket.DefaultPath

// New creates a WebSocket server with rate limiting and connection callbacks.
//
// The returned server implements ws.Server. Mount Handler() on an existing
// router or call Start to listen on the configured address.
//
// Example:
//
//	srv := server.New(server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(),
//	    func(c ws.Conn) {
//	        log.Printf("Client connected: %s", c.ID())
//	    }, nil))
//	srv.Start(ctx)
func New(cfg ServerConfig) *Server {
	return websocket.New(cfg)
}

// NewConfig builds a ServerConfig served on DefaultPath. Set the remaining
// fields (Path, Logger, Registry, Tracer) on the result when needed.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        checkOrigin,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
