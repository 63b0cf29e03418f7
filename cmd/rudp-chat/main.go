// rudp-chat is a small chat over the rudp transport, used to exercise a
// host by hand.
//
// A server relays every text message it receives to all connected
// clients:
//
//	rudp-chat --listen 0.0.0.0:7777
//
// A client reads lines from stdin and prints what the server relays:
//
//	rudp-chat --connect 203.0.113.5:7777 --name alice
//
// Messages are CBOR-encoded by internal/codec; the transport only sees
// bytes. Set RUDP_DEBUG=1 for protocol logging on stderr.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/opd-ai/go-rudp"
	"github.com/opd-ai/go-rudp/internal/codec"
)

const pollInterval = 50 * time.Millisecond

type options struct {
	listen     string
	connect    string
	configPath string
	name       string
	channels   int
	unreliable bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("rudp-chat", pflag.ContinueOnError)
	flagSet.StringVar(&opts.listen, "listen", "", "serve on this ip:port")
	flagSet.StringVar(&opts.connect, "connect", "", "connect to a server at host:port")
	flagSet.StringVar(&opts.configPath, "config", "", "host configuration file (YAML or JSONC)")
	flagSet.StringVar(&opts.name, "name", "", "display name (default: $USER)")
	flagSet.IntVar(&opts.channels, "channels", rudp.DefaultChannelLimit, "channels to open per connection")
	flagSet.BoolVar(&opts.unreliable, "unreliable", false, "send chat lines unreliably; a server relays each line the way it arrived")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if (opts.listen == "") == (opts.connect == "") {
		return errors.New("exactly one of --listen or --connect is required")
	}
	if opts.name == "" {
		opts.name = os.Getenv("USER")
	}
	if opts.name == "" {
		opts.name = "anonymous"
	}

	level := slog.LevelWarn
	if os.Getenv("RUDP_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config := rudp.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := rudp.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if opts.listen != "" {
		config.Address = opts.listen
	}
	config.ChannelLimit = max(config.ChannelLimit, opts.channels)

	if err := rudp.Initialize(); err != nil {
		return err
	}
	defer rudp.Deinitialize()

	host, err := rudp.CreateHost(config, rudp.WithLogger(logger))
	if err != nil {
		return err
	}
	defer host.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat := &chat{host: host, logger: logger, opts: opts}
	if opts.listen != "" {
		fmt.Fprintf(os.Stderr, "listening on %s\n", host.LocalAddr())
		return chat.serve(ctx)
	}
	return chat.client(ctx)
}

type chat struct {
	host   *rudp.Host
	logger *slog.Logger
	opts   options
	server *rudp.Peer
}

func (c *chat) flags() rudp.PacketFlag {
	if c.opts.unreliable {
		return rudp.Unreliable
	}
	return rudp.Reliable
}

func (c *chat) serve(ctx context.Context) error {
	for ctx.Err() == nil {
		events, err := c.host.Service(pollInterval)
		if err != nil {
			return err
		}
		for event := range events.All() {
			switch event.Type {
			case rudp.EventConnect:
				c.logger.Info("client connected", "addr", event.Peer.Addr())
			case rudp.EventDisconnect:
				c.logger.Info("client left", "addr", event.Peer.Addr(), "reason", event.Reason)
			case rudp.EventReceive:
				c.relay(event)
			}
		}
	}
	c.shutdown()
	return nil
}

func (c *chat) relay(event rudp.Event) {
	if event.Err != nil {
		c.logger.Warn("undecodable payload", "addr", event.Peer.Addr(), "error", event.Err)
		return
	}
	message, err := codec.Decode(event.Data)
	if err != nil {
		c.logger.Warn("bad message", "addr", event.Peer.Addr(), "error", err)
		return
	}
	fmt.Printf("%s %s\n", message.Sent.Format(time.TimeOnly), describe(message))
	if err := c.host.Broadcast(event.Channel, event.Data, event.Flags); err != nil {
		c.logger.Warn("relay failed", "error", err)
	}
}

func (c *chat) client(ctx context.Context) error {
	peer, err := c.host.Connect(c.opts.connect, c.opts.channels)
	if err != nil {
		return err
	}
	c.server = peer

	lines := make(chan string)
	go readLines(ctx, lines)

	for ctx.Err() == nil {
		events, err := c.host.Service(pollInterval)
		if err != nil {
			return err
		}
		for event := range events.All() {
			switch event.Type {
			case rudp.EventConnect:
				fmt.Fprintf(os.Stderr, "connected to %s\n", event.Peer.Addr())
				c.send(codec.KindHello, "", rudp.Reliable)
			case rudp.EventDisconnect:
				return fmt.Errorf("disconnected: %s", event.Reason)
			case rudp.EventReceive:
				c.print(event)
			}
		}

	drain:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					c.shutdown()
					return nil
				}
				c.send(codec.KindText, line, c.flags())
			default:
				break drain
			}
		}
	}
	c.shutdown()
	return nil
}

func (c *chat) print(event rudp.Event) {
	if event.Err != nil {
		c.logger.Warn("undecodable payload", "error", event.Err)
		return
	}
	message, err := codec.Decode(event.Data)
	if err != nil {
		c.logger.Warn("bad message", "error", err)
		return
	}
	fmt.Println(describe(message))
}

// describe renders a message for the terminal.
func describe(message codec.Message) string {
	switch message.Kind {
	case codec.KindHello:
		return fmt.Sprintf("* %s joined", message.From)
	case codec.KindBye:
		return fmt.Sprintf("* %s left", message.From)
	}
	return fmt.Sprintf("%s: %s", message.From, message.Text)
}

func (c *chat) send(kind codec.Kind, text string, flags rudp.PacketFlag) {
	if c.server == nil || c.server.State() != rudp.StateConnected {
		return
	}
	data, err := codec.Encode(codec.Message{Kind: kind, From: c.opts.name, Text: text, Sent: time.Now()})
	if err != nil {
		c.logger.Warn("encode failed", "error", err)
		return
	}
	if err := c.server.Send(0, data, flags); err != nil {
		c.logger.Warn("send failed", "error", err)
	}
}

// shutdown says goodbye and gives the disconnects a moment to go out.
// The goodbye is reliable, so it reaches the server before the
// disconnect does.
func (c *chat) shutdown() {
	c.send(codec.KindBye, "", rudp.Reliable)
	for _, peer := range c.host.Peers() {
		peer.Disconnect(0)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(c.host.Peers()) > 0 {
		if _, err := c.host.Service(pollInterval); err != nil {
			return
		}
	}
}

func readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `rudp-chat relays chat lines over a reliable UDP transport.

Usage:
  rudp-chat --listen ip:port [flags]
  rudp-chat --connect host:port [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
