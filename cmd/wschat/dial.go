package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cch137/ws"
	"github.com/cch137/ws/client"
)

type dialOptions struct {
	url        string
	room       string
	key        string
	transport  string
	maxRetries int
	timeout    time.Duration
}

func dialCmd(verbose *bool) *cobra.Command {
	var opts dialOptions

	cmd := &cobra.Command{
		Use:   "dial [origin]",
		Short: "Connect to a chat server and chat from stdin",
		Long: `Connect to a chat server and chat from stdin.

The argument may be a socket URL (ws://, wss://) or an HTTP origin, in which
case it is converted and --path is appended.

Commands typed on stdin:
  /join <room> [key]   join a room
  /leave <room>        leave a room
  /sum <n> <n> ...     ask the server to add numbers
  /quit                disconnect and exit
  anything else        send as a chat message

Examples:
  wschat dial
  wschat dial http://localhost:8080 --room=lobby
  wschat dial ws://localhost:9000/socket --transport=coder`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.url = args[0]
			}
			path, _ := cmd.Flags().GetString("path")
			return runDial(opts, path, newLogger(*verbose), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("path", "/ws", "Upgrade path appended to an HTTP origin")
	cmd.Flags().StringVarP(&opts.room, "room", "r", "", "Room to join after connecting")
	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "Room key")
	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "gorilla", "Transport: gorilla or coder")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Give up after this many failed reconnects (0 = never)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connect timeout")

	return cmd
}

func socketURL(target, path string) (string, error) {
	if target == "" {
		target = "http://localhost:8080"
	}
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		return target, nil
	}
	return client.SocketURL(target, path)
}

func newDialer(name string) (client.Dialer, error) {
	switch name {
	case "gorilla", "":
		return client.NewGorillaDialer(), nil
	case "coder":
		return client.NewCoderDialer(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func runDial(opts dialOptions, path string, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	url, err := socketURL(opts.url, path)
	if err != nil {
		return err
	}
	dialer, err := newDialer(opts.transport)
	if err != nil {
		return err
	}

	c := client.New(url,
		client.WithDialer(dialer),
		client.WithLogger(logger),
		client.WithMaxReconnectTries(opts.maxRetries),
	)
	defer c.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan struct{})
	watchLifecycle(c, logger, failed)
	printEvents(c, out)

	connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	err = c.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	logger.Info().Str("url", url).Msg("connected")

	if opts.room != "" {
		if err := joinRoom(ctx, c, out, opts.room, opts.key); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-failed:
			return ws.ErrReconnectExhausted
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, c, out, logger, line); quit {
				return nil
			}
		}
	}
}

func watchLifecycle(c *client.Client, logger zerolog.Logger, failed chan struct{}) {
	c.On(ws.EventDisconnect, func(msg ws.Message) {
		var reason string
		msg.Bind(&reason)
		logger.Warn().Str("reason", reason).Msg("disconnected")
	})
	c.On(ws.EventReconnectAttempt, func(msg ws.Message) {
		logger.Debug().RawJSON("tries", msg.Data).Msg("reconnecting")
	})
	c.On(ws.EventReconnect, func(ws.Message) {
		logger.Info().Msg("reconnected")
	})
	c.On(ws.EventReconnectError, func(msg ws.Message) {
		logger.Debug().RawJSON("error", msg.Data).Msg("reconnect failed")
	})
	// reconnect_failed also fires before each later attempt; only a client
	// left disconnected has given up.
	var once sync.Once
	c.On(ws.EventReconnectFailed, func(ws.Message) {
		if c.State() == ws.StateDisconnected {
			once.Do(func() { close(failed) })
		}
	})
}

func printEvents(c *client.Client, out io.Writer) {
	c.On("chat", func(msg ws.Message) {
		var m chatMessage
		if err := msg.Bind(&m); err != nil {
			return
		}
		if m.Room != "" {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Room, shortID(m.From), m.Text)
			return
		}
		fmt.Fprintf(out, "%s: %s\n", shortID(m.From), m.Text)
	})
	c.On("welcome", func(msg ws.Message) {
		var m map[string]string
		msg.Bind(&m)
		fmt.Fprintf(out, "* you are %s\n", shortID(m["id"]))
	})
	c.On("joined", func(msg ws.Message) {
		var m map[string]string
		msg.Bind(&m)
		fmt.Fprintf(out, "* %s joined %s\n", shortID(m["id"]), m["room"])
	})
	c.On("user_left", func(msg ws.Message) {
		var m map[string]string
		msg.Bind(&m)
		fmt.Fprintf(out, "* %s left\n", shortID(m["id"]))
	})
}

func handleLine(ctx context.Context, c *client.Client, out io.Writer, logger zerolog.Logger, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.Emit("chat", line); err != nil {
			logger.Error().Err(err).Msg("send failed")
		}
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/join":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /join <room> [key]")
			return false
		}
		key := ""
		if len(fields) > 2 {
			key = fields[2]
		}
		err = joinRoom(ctx, c, out, fields[1], key)
	case "/leave":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /leave <room>")
			return false
		}
		_, err = c.Pending(ctx, "leave", roomRequest{Room: fields[1]})
	case "/sum":
		err = sum(ctx, c, out, fields[1:])
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	if err != nil {
		logger.Error().Err(err).Str("command", fields[0]).Msg("command failed")
	}
	return false
}

func joinRoom(ctx context.Context, c *client.Client, out io.Writer, room, key string) error {
	data, err := c.Pending(ctx, "join", roomRequest{Room: room, Key: key})
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	var reply roomReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return err
	}
	fmt.Fprintf(out, "* joined %s (%d members)\n", reply.Room, reply.Members)
	return nil
}

func sum(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
	nums := make([]float64, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", a)
		}
		nums = append(nums, n)
	}
	data, err := c.Pending(ctx, "sum", nums)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "= %s\n", data)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
