// Package socket provides the datagram endpoints a Host multiplexes.
//
// A Socket delivers received datagrams on a channel so the protocol
// engine can wait for readiness and its own timers in one select. The
// UDP implementation drains the kernel queue with batched reads on a
// single reader goroutine; that goroutine never touches protocol state.
package socket

import (
	"errors"
	"net/netip"
)

// MaxDatagramSize is the largest datagram a reader will accept.
const MaxDatagramSize = 64 * 1024

// ErrClosed is returned by WriteTo after Close.
var ErrClosed = errors.New("socket: closed")

// Datagram is one received payload and the address it came from.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// Socket is a bound datagram endpoint.
type Socket interface {
	// WriteTo sends b as a single datagram to addr.
	WriteTo(b []byte, addr netip.AddrPort) error

	// Incoming delivers received datagrams. It is closed after Close
	// once the reader has stopped.
	Incoming() <-chan Datagram

	// LocalAddr returns the bound address.
	LocalAddr() netip.AddrPort

	// Close releases the endpoint. It is safe to call more than once.
	Close() error
}

// Options tunes a UDP socket.
type Options struct {
	// ReceiveBuffer and SendBuffer set SO_RCVBUF and SO_SNDBUF when
	// positive.
	ReceiveBuffer int
	SendBuffer    int

	// Broadcast enables SO_BROADCAST.
	Broadcast bool

	// BatchSize is the number of datagrams read per system call.
	// Zero selects DefaultBatchSize.
	BatchSize int

	// QueueLength is the capacity of the Incoming channel. Zero
	// selects DefaultQueueLength.
	QueueLength int
}

const (
	DefaultBatchSize   = 32
	DefaultQueueLength = 1024
)
