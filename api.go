package rudp

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/opd-ai/go-rudp/socket"
)

// process is the state shared by every Host: whether the package was
// initialized, how many hosts are open, and the zstd codecs.
var process processState

type processState struct {
	mu          sync.Mutex
	initialized bool
	hosts       int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func (p *processState) zstdEncoder() *zstd.Encoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder
}

func (p *processState) zstdDecoder() *zstd.Decoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decoder
}

// Initialize prepares process-wide transport state. It must succeed
// before CreateHost. Calling it again is a no-op.
func Initialize() error {
	process.mu.Lock()
	defer process.mu.Unlock()

	if process.initialized {
		return nil
	}
	encoder, decoder, err := newZstdCodecs()
	if err != nil {
		return fmt.Errorf("%w: zstd: %v", ErrInitialization, err)
	}
	process.encoder = encoder
	process.decoder = decoder
	process.initialized = true
	return nil
}

// Deinitialize releases process-wide state. It fails with ErrHostsOpen
// while any Host has not been destroyed.
func Deinitialize() error {
	process.mu.Lock()
	defer process.mu.Unlock()

	if !process.initialized {
		return nil
	}
	if process.hosts > 0 {
		return fmt.Errorf("%w: %d", ErrHostsOpen, process.hosts)
	}
	process.encoder.Close()
	process.decoder.Close()
	process.encoder = nil
	process.decoder = nil
	process.initialized = false
	return nil
}

// OpenHosts returns the number of live hosts.
func OpenHosts() int {
	process.mu.Lock()
	defer process.mu.Unlock()
	return process.hosts
}

func acquireHost() error {
	process.mu.Lock()
	defer process.mu.Unlock()
	if !process.initialized {
		return ErrInitialization
	}
	process.hosts++
	return nil
}

func releaseHost() {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.hosts > 0 {
		process.hosts--
	}
}

// CreateHost binds a socket and returns a Host ready to Service. Zero
// fields of cfg take their defaults. A malformed cfg.Address fails with
// ErrAddressFormat before any socket is opened.
func CreateHost(cfg Config, opts ...HostOption) (*Host, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := defaultHostOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if err := acquireHost(); err != nil {
		return nil, err
	}

	sock := options.socket
	if sock == nil {
		address := cfg.Address
		if address == "" {
			address = ":0"
		}
		udp, err := socket.ListenUDP(address, socket.Options{
			ReceiveBuffer: cfg.Socket.ReceiveBuffer,
			SendBuffer:    cfg.Socket.SendBuffer,
			Broadcast:     cfg.Socket.Broadcast,
		})
		if err != nil {
			releaseHost()
			return nil, fmt.Errorf("%w: %v", ErrBind, err)
		}
		sock = udp
	}

	h := newHost(cfg, options, sock)
	h.logger.Debug("host created", "addr", sock.LocalAddr(), "max_peers", cfg.MaxPeers)
	return h, nil
}
