package rudp

import (
	"io"
	"log/slog"

	"github.com/opd-ai/go-rudp/clock"
	"github.com/opd-ai/go-rudp/socket"
)

// HostOption customizes CreateHost.
type HostOption func(*hostOptions)

type hostOptions struct {
	logger *slog.Logger
	clock  clock.Clock
	socket socket.Socket
}

func defaultHostOptions() hostOptions {
	return hostOptions{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  clock.Real(),
	}
}

// WithLogger sets the logger for protocol events. The default discards.
func WithLogger(logger *slog.Logger) HostOption {
	return func(o *hostOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source of every protocol timer.
func WithClock(c clock.Clock) HostOption {
	return func(o *hostOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSocket makes the host use an existing socket instead of binding
// Config.Address. The host takes ownership and closes it on Destroy.
func WithSocket(s socket.Socket) HostOption {
	return func(o *hostOptions) { o.socket = s }
}
