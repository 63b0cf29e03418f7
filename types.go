// Package rudp implements a reliable, ordered, congestion-aware transport
// over UDP with a host/peer/channel model.
//
// A Host binds one datagram socket and multiplexes any number of Peers
// over it. Each Peer carries a fixed number of Channels; reliable packets
// on a channel are delivered in the order they were sent, unreliable and
// unsequenced packets are delivered at most once in whatever order they
// arrive. All protocol work happens inside Host.Service, which drains the
// socket, runs retransmission and idle timers and returns the events the
// caller has to handle. There are no background protocol goroutines.
package rudp

import "time"

// Protocol constants
const (
	// Command types, stored in the low nibble of the command byte.
	cmdAcknowledge       = 1
	cmdConnect           = 2
	cmdVerifyConnect     = 3
	cmdDisconnect        = 4
	cmdPing              = 5
	cmdSendReliable      = 6
	cmdSendUnreliable    = 7
	cmdSendFragment      = 8
	cmdSendUnsequenced   = 9
	cmdBandwidthLimit    = 10
	cmdThrottleConfigure = 11
	cmdCount             = 12

	cmdMask = 0x0F

	// Command byte flags.
	flagAcknowledge = 1 << 7
	flagUnsequenced = 1 << 6
	flagCompressed  = 1 << 5

	// Protocol header flags, stored in the top bits of the peer ID.
	headerFlagSentTime = 1 << 15
	headerFlagChecksum = 1 << 14
	headerPeerIDMask   = 0x0FFF

	// maxPeerID marks a datagram that is not yet addressed to a peer
	// slot (connection requests).
	maxPeerID = 0x0FFF

	// controlChannel is the channel ID of connection management
	// commands. Data channels are 0..channelCount-1.
	controlChannel = 0xFF

	// Sequence window sizes. A receiver accepts reliable commands up to
	// reliableWindowSize ahead of its delivery cursor, and a sender
	// never has commands more than that far ahead of the oldest
	// unacknowledged one. Fragments are placed by their packet's first
	// sequence number.
	reliableWindowSize = 4096
	seqWindowSize      = 1024

	// ThrottleScale is the ceiling of the packet throttle.
	ThrottleScale = 32
	// throttleCounterStep spreads throttle drops evenly.
	throttleCounterStep = 7

	// Sizes.
	MinMTU            = 576
	MaxMTU            = 4096
	DefaultMTU        = 1400
	MaxPacketSize     = 32 * 1024 * 1024
	checksumSize      = 4
	maxHeaderSize     = 4
	DefaultWindowSize = 64 * 1024
	minWindowSize     = 4096

	// maxFragmentCount keeps a packet plus the reliable window inside
	// half the sequence space, so stale retransmissions still read as
	// duplicates. At DefaultMTU it covers MaxPacketSize; smaller MTUs
	// lower the largest packet Send accepts.
	maxFragmentCount = 0x6000

	// Host defaults.
	DefaultMaxPeers     = 32
	DefaultChannelLimit = 2
	MaxChannelLimit     = 255
	MaxPeers            = maxPeerID

	DefaultServiceTimeout = 1000 * time.Millisecond

	// Forever makes Service wait without a deadline until an event is
	// produced.
	Forever time.Duration = -1

	// Peer defaults.
	DefaultRoundTripTime     = 500 * time.Millisecond
	DefaultPingInterval      = 500 * time.Millisecond
	DefaultTimeoutLimit      = 32
	DefaultTimeoutMinimum    = 5000 * time.Millisecond
	DefaultTimeoutMaximum    = 30000 * time.Millisecond
	DefaultThrottleInterval  = 5000 * time.Millisecond
	DefaultThrottleAccel     = 2
	DefaultThrottleDecel     = 2
	minRoundTripTime         = time.Millisecond
	serviceTick              = 20 * time.Millisecond
	maxDatagramsPerCycle     = 1024
	defaultSocketBufferBytes = 256 * 1024
)

// PeerState is the connection state of a Peer.
type PeerState int

const (
	StateDisconnected PeerState = iota
	StateConnecting
	// StateAcknowledgingConnect is an inbound peer whose handshake
	// reply has not been acknowledged yet.
	StateAcknowledgingConnect
	StateConnected
	// StateDisconnectLater is a connected peer waiting for its reliable
	// queue to drain before disconnecting.
	StateDisconnectLater
	StateDisconnecting
	// StateZombie is a peer that was reset locally. It performs no
	// further I/O.
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging_connect"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect_later"
	case StateDisconnecting:
		return "disconnecting"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// PacketFlag selects the delivery guarantee of a packet.
type PacketFlag uint8

const (
	// Reliable packets are retransmitted until acknowledged and are
	// delivered in order on their channel.
	Reliable PacketFlag = 1 << iota
	// Unsequenced packets have no ordering relation to any other
	// packet. They are never delivered twice.
	Unsequenced
	// Unreliable is the zero flag set: delivered at most once, in
	// arrival order, loss is silent.
	Unreliable PacketFlag = 0
)

func (f PacketFlag) String() string {
	switch {
	case f&Reliable != 0:
		return "reliable"
	case f&Unsequenced != 0:
		return "unsequenced"
	default:
		return "unreliable"
	}
}

// DisconnectReason says why a Disconnect event was produced.
type DisconnectReason int

const (
	// ReasonLocal: a graceful local disconnect completed.
	ReasonLocal DisconnectReason = iota
	// ReasonRemote: the remote sent a disconnect notification.
	ReasonRemote
	// ReasonTimeout: the handshake or an acknowledgement timed out.
	ReasonTimeout
	// ReasonReplaced: the remote address opened a new connection while
	// the old one was still in the table.
	ReasonReplaced
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocal:
		return "local"
	case ReasonRemote:
		return "remote"
	case ReasonTimeout:
		return "timeout"
	case ReasonReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}
