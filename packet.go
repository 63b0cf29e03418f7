package rudp

import (
	"slices"
	"time"
)

// Packet is an immutable payload plus its delivery flags. A Packet may be
// queued to several peers at once; the transport never modifies it.
type Packet struct {
	data  []byte
	flags PacketFlag
}

// NewPacket copies data into a new Packet.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	return &Packet{data: slices.Clone(data), flags: flags}
}

// Data returns the payload. The slice must not be modified.
func (p *Packet) Data() []byte { return p.data }

// Flags returns the delivery flags.
func (p *Packet) Flags() PacketFlag { return p.flags }

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.data) }

// outgoingCommand is a command queued on a peer, possibly in flight.
type outgoingCommand struct {
	cmd    command
	packet *Packet // nil for protocol commands

	sentTime              time.Time
	roundTripTimeout      time.Duration
	roundTripTimeoutLimit time.Duration
	sendAttempts          int
}

// fragmentBuffer reassembles one fragmented reliable packet.
type fragmentBuffer struct {
	startSeq   uint16
	count      uint32
	remaining  uint32
	received   []uint64
	data       []byte
	compressed bool
}

func newFragmentBuffer(cmd *command) *fragmentBuffer {
	return &fragmentBuffer{
		startSeq:   cmd.StartSeq,
		count:      cmd.FragmentCount,
		remaining:  cmd.FragmentCount,
		received:   make([]uint64, (cmd.FragmentCount+63)/64),
		data:       make([]byte, cmd.TotalLength),
		compressed: cmd.Flags&flagCompressed != 0,
	}
}

func (f *fragmentBuffer) has(number uint32) bool {
	return f.received[number/64]&(1<<(number%64)) != 0
}

// add stores one fragment. It returns false for duplicates.
func (f *fragmentBuffer) add(number, offset uint32, payload []byte) bool {
	if f.has(number) {
		return false
	}
	f.received[number/64] |= 1 << (number % 64)
	copy(f.data[offset:], payload)
	f.remaining--
	return true
}

func (f *fragmentBuffer) complete() bool { return f.remaining == 0 }
