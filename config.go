package rudp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config describes a Host. The zero value of every field selects its
// default; DefaultConfig spells the defaults out.
type Config struct {
	// Address is the local "ip:port" to bind. Empty binds an ephemeral
	// port on all interfaces, for client-only hosts.
	Address string `yaml:"address"`

	// MaxPeers is the size of the peer table.
	MaxPeers int `yaml:"max_peers"`

	// ChannelLimit caps the channel count a connection may negotiate.
	ChannelLimit int `yaml:"channel_limit"`

	// MTU is the largest datagram this host sends.
	MTU int `yaml:"mtu"`

	// IncomingBandwidth and OutgoingBandwidth are in bytes per second,
	// zero meaning unlimited. The outgoing value also caps the local
	// send rate.
	IncomingBandwidth uint32 `yaml:"incoming_bandwidth"`
	OutgoingBandwidth uint32 `yaml:"outgoing_bandwidth"`

	// Checksum appends a BLAKE3 trailer to every datagram and requires
	// one on every datagram received.
	Checksum bool `yaml:"checksum"`

	// Compression selects the payload compressor for outgoing packets.
	Compression Compression `yaml:"compression"`

	Socket SocketConfig `yaml:"socket"`

	// PingInterval is how long a connected peer may be silent before a
	// keepalive is sent.
	PingInterval time.Duration `yaml:"ping_interval"`

	Timeout  TimeoutConfig  `yaml:"timeout"`
	Throttle ThrottleConfig `yaml:"throttle"`
}

// SocketConfig tunes the UDP socket.
type SocketConfig struct {
	ReceiveBuffer int  `yaml:"receive_buffer"`
	SendBuffer    int  `yaml:"send_buffer"`
	Broadcast     bool `yaml:"broadcast"`
}

// TimeoutConfig is the idle-timeout policy new peers start with.
type TimeoutConfig struct {
	Limit   uint32        `yaml:"limit"`
	Minimum time.Duration `yaml:"minimum"`
	Maximum time.Duration `yaml:"maximum"`
}

// ThrottleConfig is the throttle tunables new peers start with.
type ThrottleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Acceleration uint32        `yaml:"acceleration"`
	Deceleration uint32        `yaml:"deceleration"`
}

// DefaultConfig returns the configuration of a host created without
// arguments: 32 peers with 2 channels each on an ephemeral port.
func DefaultConfig() Config {
	return Config{
		MaxPeers:     DefaultMaxPeers,
		ChannelLimit: DefaultChannelLimit,
		MTU:          DefaultMTU,
		Compression:  CompressionNone,
		Socket: SocketConfig{
			ReceiveBuffer: defaultSocketBufferBytes,
			SendBuffer:    defaultSocketBufferBytes,
		},
		PingInterval: DefaultPingInterval,
		Timeout: TimeoutConfig{
			Limit:   DefaultTimeoutLimit,
			Minimum: DefaultTimeoutMinimum,
			Maximum: DefaultTimeoutMaximum,
		},
		Throttle: ThrottleConfig{
			Interval:     DefaultThrottleInterval,
			Acceleration: DefaultThrottleAccel,
			Deceleration: DefaultThrottleDecel,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPeers == 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.ChannelLimit == 0 {
		c.ChannelLimit = d.ChannelLimit
	}
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.Socket.ReceiveBuffer == 0 {
		c.Socket.ReceiveBuffer = d.Socket.ReceiveBuffer
	}
	if c.Socket.SendBuffer == 0 {
		c.Socket.SendBuffer = d.Socket.SendBuffer
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.Timeout.Limit == 0 {
		c.Timeout.Limit = d.Timeout.Limit
	}
	if c.Timeout.Minimum == 0 {
		c.Timeout.Minimum = d.Timeout.Minimum
	}
	if c.Timeout.Maximum == 0 {
		c.Timeout.Maximum = d.Timeout.Maximum
	}
	if c.Throttle.Interval == 0 {
		c.Throttle.Interval = d.Throttle.Interval
	}
	if c.Throttle.Acceleration == 0 {
		c.Throttle.Acceleration = d.Throttle.Acceleration
	}
	if c.Throttle.Deceleration == 0 {
		c.Throttle.Deceleration = d.Throttle.Deceleration
	}
	return c
}

// Validate checks ranges. It does not touch the network; the address is
// only checked for syntax.
func (c *Config) Validate() error {
	if c.Address != "" {
		if _, err := ParseAddress(c.Address); err != nil {
			return err
		}
	}
	if c.MaxPeers < 1 || c.MaxPeers > MaxPeers {
		return fmt.Errorf("%w: max_peers %d outside [1, %d]", ErrInvalidArgument, c.MaxPeers, MaxPeers)
	}
	if c.ChannelLimit < 1 || c.ChannelLimit > MaxChannelLimit {
		return fmt.Errorf("%w: channel_limit %d outside [1, %d]", ErrInvalidArgument, c.ChannelLimit, MaxChannelLimit)
	}
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("%w: mtu %d outside [%d, %d]", ErrInvalidArgument, c.MTU, MinMTU, MaxMTU)
	}
	if c.Compression > CompressionZstd {
		return fmt.Errorf("%w: compression %s", ErrInvalidArgument, c.Compression)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%w: negative ping_interval", ErrInvalidArgument)
	}
	if c.Timeout.Minimum < 0 || c.Timeout.Maximum < c.Timeout.Minimum {
		return fmt.Errorf("%w: timeout minimum %s maximum %s", ErrInvalidArgument, c.Timeout.Minimum, c.Timeout.Maximum)
	}
	if c.Throttle.Interval <= 0 {
		return fmt.Errorf("%w: throttle interval must be positive", ErrInvalidArgument)
	}
	if c.Throttle.Acceleration > ThrottleScale || c.Throttle.Deceleration > ThrottleScale {
		return fmt.Errorf("%w: throttle steps above %d", ErrInvalidArgument, ThrottleScale)
	}
	return nil
}

// ParseConfig decodes YAML over the defaults. JSON is a subset of YAML,
// so comment-stripped JSONC is accepted as well.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfig reads a host configuration file. Files ending in .json or
// .jsonc may carry comments and trailing commas.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}
