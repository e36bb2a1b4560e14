package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/cch137/ws"
	"github.com/cch137/ws/server"
)

// chatMessage is the payload of "chat" events sent to clients.
type chatMessage struct {
	From string    `json:"from"`
	Room string    `json:"room,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type roomRequest struct {
	Room string `json:"room"`
	Key  string `json:"key"`
}

type roomReply struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

type serveOptions struct {
	addr    string
	path    string
	rate    float64
	burst   int
	noLimit bool
}

func serveCmd(verbose *bool) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server.

Events handled:
  chat            broadcast text to the sender's rooms, or to everyone
  pending join    join a room, {"room", "key"}; the first joiner sets the key
  pending leave   leave a room, {"room"}
  pending sum     add a list of numbers

Prometheus metrics are served on /metrics.

Examples:
  wschat serve
  wschat serve --addr=:9000 --path=/socket
  wschat serve --rate=10 --burst=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, newLogger(*verbose))
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&opts.path, "path", server.DefaultPath, "WebSocket upgrade path")
	cmd.Flags().Float64Var(&opts.rate, "rate", 100, "Frames per second allowed per client")
	cmd.Flags().IntVar(&opts.burst, "burst", 200, "Burst size of the per-client rate limit")
	cmd.Flags().BoolVar(&opts.noLimit, "no-rate-limit", false, "Disable per-client rate limiting")

	return cmd
}

func runServe(opts serveOptions, logger zerolog.Logger) error {
	rateLimit := &server.RateLimitConfig{
		MessagesPerSecond: rate.Limit(opts.rate),
		Burst:             opts.burst,
		Enabled:           !opts.noLimit,
	}

	var srv *server.Server
	onConnect := func(c ws.Conn) {
		logger.Info().Str("conn_id", c.ID()).Str("remote_addr", c.RemoteAddr()).Msg("client connected")
		c.Emit(context.Background(), "welcome", map[string]string{"id": c.ID()})
	}
	onDisconnect := func(c ws.Conn, voluntary bool) {
		logger.Info().Str("conn_id", c.ID()).Bool("voluntary", voluntary).Msg("client disconnected")
		srv.Emit(context.Background(), "user_left", map[string]string{"id": c.ID()})
	}

	cfg := server.NewConfig(opts.addr, rateLimit, server.AllOrigins(), onConnect, onDisconnect)
	cfg.Path = opts.path
	cfg.Logger = &logger
	srv = server.New(cfg)
	registerChat(srv, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(context.Background()); err != nil {
		return err
	}
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func registerChat(srv *server.Server, logger zerolog.Logger) {
	srv.On("chat", func(c ws.Conn, msg ws.Message) {
		var text string
		if err := msg.Bind(&text); err != nil || text == "" {
			return
		}

		ctx := c.Context()
		rooms := c.Rooms()
		if len(rooms) == 0 {
			srv.Emit(ctx, "chat", chatMessage{From: c.ID(), Text: text, At: time.Now()})
			return
		}
		for _, room := range rooms {
			n, err := srv.BroadcastRoom(ctx, room, "chat", chatMessage{From: c.ID(), Room: room, Text: text, At: time.Now()})
			if err != nil {
				logger.Warn().Err(err).Str("room", room).Msg("broadcast failed")
				continue
			}
			logger.Debug().Str("room", room).Int("delivered", n).Msg("chat broadcast")
		}
	})

	srv.HandlePending("join", func(ctx context.Context, c ws.Conn, data json.RawMessage) (any, error) {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if req.Room == "" {
			return nil, errors.New("room name is empty")
		}

		room, err := srv.JoinRoom(c, req.Room, req.Key)
		if err != nil {
			return nil, err
		}
		srv.BroadcastRoom(ctx, req.Room, "joined", map[string]string{"id": c.ID(), "room": req.Room})
		return roomReply{Room: room.Name(), Members: room.Len()}, nil
	})

	srv.HandlePending("leave", func(ctx context.Context, c ws.Conn, data json.RawMessage) (any, error) {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		srv.LeaveRoom(c, req.Room)
		return roomReply{Room: req.Room}, nil
	})

	srv.HandlePending("sum", func(ctx context.Context, c ws.Conn, data json.RawMessage) (any, error) {
		var nums []float64
		if err := json.Unmarshal(data, &nums); err != nil {
			return nil, err
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total, nil
	})
}
