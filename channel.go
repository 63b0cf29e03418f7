package rudp

import "fmt"

// Channel is the per-connection state of one ordered sub-stream.
type Channel struct {
	id uint8

	outgoingReliableSeq   uint16
	outgoingUnreliableSeq uint16

	// incomingReliableSeq is the last reliable sequence number delivered
	// to the application.
	incomingReliableSeq uint16
	pending             map[uint16]*incomingReliable
	fragments           map[uint16]*fragmentBuffer

	unreliable seqWindow
}

type incomingReliable struct {
	payload    []byte
	compressed bool
}

func newChannel(id uint8) *Channel {
	return &Channel{
		id:        id,
		pending:   make(map[uint16]*incomingReliable),
		fragments: make(map[uint16]*fragmentBuffer),
	}
}

// ID returns the channel number.
func (c *Channel) ID() uint8 { return c.id }

// Buffered returns how many reliable packets are waiting for an earlier
// sequence number before they can be delivered.
func (c *Channel) Buffered() int { return len(c.pending) + len(c.fragments) }

func (c *Channel) reset() {
	c.outgoingReliableSeq = 0
	c.outgoingUnreliableSeq = 0
	c.incomingReliableSeq = 0
	clear(c.pending)
	clear(c.fragments)
	c.unreliable.reset()
}

func (c *Channel) nextReliableSeq() uint16 {
	c.outgoingReliableSeq++
	return c.outgoingReliableSeq
}

func (c *Channel) nextUnreliableSeq() uint16 {
	c.outgoingUnreliableSeq++
	return c.outgoingUnreliableSeq
}

type seqVerdict int

const (
	seqNew seqVerdict = iota
	// seqDuplicate was delivered or buffered already. It is acknowledged
	// again so the sender stops retransmitting.
	seqDuplicate
	// seqAhead is beyond the receive window and is dropped without an
	// acknowledgement.
	seqAhead
)

// windowSeq is the sequence number a reliable command is placed by in
// the receive window. Fragments count from the start of their packet
// because the delivery cursor only moves once the packet is whole.
func windowSeq(cmd *command) uint16 {
	if cmd.Kind == cmdSendFragment {
		return cmd.StartSeq
	}
	return cmd.ReliableSeq
}

// classify places a reliable sequence number relative to the delivery
// cursor.
func (c *Channel) classify(seq uint16) seqVerdict {
	ahead := seq - c.incomingReliableSeq
	switch {
	case ahead == 0 || ahead >= 0x8000:
		return seqDuplicate
	case ahead > reliableWindowSize:
		return seqAhead
	}
	if _, ok := c.pending[seq]; ok {
		return seqDuplicate
	}
	return seqNew
}

// storeReliable buffers a reliable command for in-order release.
func (c *Channel) storeReliable(cmd *command) {
	c.pending[cmd.ReliableSeq] = &incomingReliable{
		payload:    cmd.Payload[:len(cmd.Payload):len(cmd.Payload)],
		compressed: cmd.Flags&flagCompressed != 0,
	}
}

// storeFragment adds a fragment to its reassembly buffer. It returns
// false for a duplicate fragment.
func (c *Channel) storeFragment(cmd *command) (bool, error) {
	if cmd.FragmentCount == 0 || cmd.FragmentCount > maxFragmentCount ||
		cmd.FragmentNumber >= cmd.FragmentCount ||
		cmd.TotalLength > MaxPacketSize ||
		uint64(cmd.FragmentOffset)+uint64(len(cmd.Payload)) > uint64(cmd.TotalLength) {
		return false, fmt.Errorf("%w: inconsistent fragment", ErrMalformed)
	}
	if cmd.ReliableSeq != cmd.StartSeq+uint16(cmd.FragmentNumber) {
		return false, fmt.Errorf("%w: fragment sequence mismatch", ErrMalformed)
	}
	if ahead := cmd.StartSeq - c.incomingReliableSeq; ahead == 0 || ahead > reliableWindowSize {
		return false, nil
	}

	buf, ok := c.fragments[cmd.StartSeq]
	if !ok {
		buf = newFragmentBuffer(cmd)
		c.fragments[cmd.StartSeq] = buf
	} else if buf.count != cmd.FragmentCount || uint32(len(buf.data)) != cmd.TotalLength {
		return false, fmt.Errorf("%w: fragment does not match its packet", ErrMalformed)
	}
	return buf.add(cmd.FragmentNumber, cmd.FragmentOffset, cmd.Payload), nil
}

// release delivers every packet that is next in sequence, in order.
func (c *Channel) release(deliver func(payload []byte, compressed bool)) {
	for {
		next := c.incomingReliableSeq + 1
		if in, ok := c.pending[next]; ok {
			delete(c.pending, next)
			c.incomingReliableSeq = next
			deliver(in.payload, in.compressed)
			continue
		}
		if buf, ok := c.fragments[next]; ok && buf.complete() {
			delete(c.fragments, next)
			c.incomingReliableSeq = next + uint16(buf.count-1)
			deliver(buf.data, buf.compressed)
			continue
		}
		return
	}
}
