package rudp

import (
	"encoding/binary"
	"fmt"
)

var be = binary.BigEndian

// protocolHeader starts every datagram.
type protocolHeader struct {
	PeerID      uint16 // receiver's slot, maxPeerID for connection requests
	HasSentTime bool
	HasChecksum bool
	SentTime    uint16 // low 16 bits of the sender's millisecond clock
}

func (h *protocolHeader) size() int {
	if h.HasSentTime {
		return 4
	}
	return 2
}

// Marshal appends the header to b.
func (h *protocolHeader) Marshal(b []byte) []byte {
	field := h.PeerID & headerPeerIDMask
	if h.HasSentTime {
		field |= headerFlagSentTime
	}
	if h.HasChecksum {
		field |= headerFlagChecksum
	}
	b = be.AppendUint16(b, field)
	if h.HasSentTime {
		b = be.AppendUint16(b, h.SentTime)
	}
	return b
}

// Unmarshal decodes the header and returns the number of bytes consumed.
func (h *protocolHeader) Unmarshal(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: short protocol header", ErrMalformed)
	}
	field := be.Uint16(data)
	h.PeerID = field & headerPeerIDMask
	h.HasSentTime = field&headerFlagSentTime != 0
	h.HasChecksum = field&headerFlagChecksum != 0
	if !h.HasSentTime {
		return 2, nil
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: short sent time", ErrMalformed)
	}
	h.SentTime = be.Uint16(data[2:])
	return 4, nil
}

// connectParams is the body shared by CONNECT and VERIFY_CONNECT.
type connectParams struct {
	OutgoingPeerID       uint16
	MTU                  uint16
	WindowSize           uint32
	ChannelCount         uint16
	IncomingBandwidth    uint32
	OutgoingBandwidth    uint32
	ThrottleInterval     uint32 // milliseconds
	ThrottleAcceleration uint32
	ThrottleDeceleration uint32
	ConnectID            uint32
}

const (
	commandHeaderSize = 4
	connectParamsSize = 34
)

// command is one protocol command. Only the fields of its kind are
// meaningful.
type command struct {
	Kind        uint8
	Flags       uint8 // flagAcknowledge | flagUnsequenced | flagCompressed
	ChannelID   uint8
	ReliableSeq uint16

	// cmdAcknowledge
	AckSeq      uint16
	AckSentTime uint16

	// cmdConnect, cmdVerifyConnect
	Connect connectParams

	// cmdConnect, cmdDisconnect
	Data uint32

	// cmdSendUnreliable (sequence) and cmdSendUnsequenced (group)
	UnreliableSeq uint16

	// cmdSendFragment
	StartSeq       uint16
	FragmentCount  uint32
	FragmentNumber uint32
	TotalLength    uint32
	FragmentOffset uint32

	// cmdBandwidthLimit
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	// cmdThrottleConfigure
	ThrottleInterval     uint32
	ThrottleAcceleration uint32
	ThrottleDeceleration uint32

	Payload []byte
}

// bodySize returns the fixed body size of a command kind, excluding the
// payload.
func bodySize(kind uint8) int {
	switch kind {
	case cmdAcknowledge:
		return 4
	case cmdConnect:
		return connectParamsSize + 4
	case cmdVerifyConnect:
		return connectParamsSize
	case cmdDisconnect:
		return 4
	case cmdPing:
		return 0
	case cmdSendReliable:
		return 2
	case cmdSendUnreliable, cmdSendUnsequenced:
		return 4
	case cmdSendFragment:
		return 20
	case cmdBandwidthLimit:
		return 8
	case cmdThrottleConfigure:
		return 12
	default:
		return -1
	}
}

func (c *command) size() int {
	return commandHeaderSize + bodySize(c.Kind) + len(c.Payload)
}

func (c *command) requiresAck() bool { return c.Flags&flagAcknowledge != 0 }

// Marshal appends the encoded command to b.
func (c *command) Marshal(b []byte) []byte {
	b = append(b, c.Kind|c.Flags, c.ChannelID)
	b = be.AppendUint16(b, c.ReliableSeq)

	switch c.Kind {
	case cmdAcknowledge:
		b = be.AppendUint16(b, c.AckSeq)
		b = be.AppendUint16(b, c.AckSentTime)
	case cmdConnect, cmdVerifyConnect:
		p := &c.Connect
		b = be.AppendUint16(b, p.OutgoingPeerID)
		b = be.AppendUint16(b, p.MTU)
		b = be.AppendUint32(b, p.WindowSize)
		b = be.AppendUint16(b, p.ChannelCount)
		b = be.AppendUint32(b, p.IncomingBandwidth)
		b = be.AppendUint32(b, p.OutgoingBandwidth)
		b = be.AppendUint32(b, p.ThrottleInterval)
		b = be.AppendUint32(b, p.ThrottleAcceleration)
		b = be.AppendUint32(b, p.ThrottleDeceleration)
		b = be.AppendUint32(b, p.ConnectID)
		if c.Kind == cmdConnect {
			b = be.AppendUint32(b, c.Data)
		}
	case cmdDisconnect:
		b = be.AppendUint32(b, c.Data)
	case cmdSendReliable:
		b = be.AppendUint16(b, uint16(len(c.Payload)))
	case cmdSendUnreliable, cmdSendUnsequenced:
		b = be.AppendUint16(b, c.UnreliableSeq)
		b = be.AppendUint16(b, uint16(len(c.Payload)))
	case cmdSendFragment:
		b = be.AppendUint16(b, c.StartSeq)
		b = be.AppendUint16(b, uint16(len(c.Payload)))
		b = be.AppendUint32(b, c.FragmentCount)
		b = be.AppendUint32(b, c.FragmentNumber)
		b = be.AppendUint32(b, c.TotalLength)
		b = be.AppendUint32(b, c.FragmentOffset)
	case cmdBandwidthLimit:
		b = be.AppendUint32(b, c.IncomingBandwidth)
		b = be.AppendUint32(b, c.OutgoingBandwidth)
	case cmdThrottleConfigure:
		b = be.AppendUint32(b, c.ThrottleInterval)
		b = be.AppendUint32(b, c.ThrottleAcceleration)
		b = be.AppendUint32(b, c.ThrottleDeceleration)
	}
	return append(b, c.Payload...)
}

// Unmarshal decodes one command from data and returns the number of
// bytes consumed. Payload aliases data.
func (c *command) Unmarshal(data []byte) (int, error) {
	if len(data) < commandHeaderSize {
		return 0, fmt.Errorf("%w: short command header", ErrMalformed)
	}
	c.Kind = data[0] & cmdMask
	c.Flags = data[0] &^ cmdMask
	c.ChannelID = data[1]
	c.ReliableSeq = be.Uint16(data[2:])

	body := bodySize(c.Kind)
	if c.Kind == 0 || c.Kind >= cmdCount || body < 0 {
		return 0, fmt.Errorf("%w: unknown command %d", ErrMalformed, c.Kind)
	}
	if len(data) < commandHeaderSize+body {
		return 0, fmt.Errorf("%w: short command body", ErrMalformed)
	}
	d := data[commandHeaderSize:]
	n := commandHeaderSize + body
	payloadLength := -1

	switch c.Kind {
	case cmdAcknowledge:
		c.AckSeq = be.Uint16(d)
		c.AckSentTime = be.Uint16(d[2:])
	case cmdConnect, cmdVerifyConnect:
		p := &c.Connect
		p.OutgoingPeerID = be.Uint16(d)
		p.MTU = be.Uint16(d[2:])
		p.WindowSize = be.Uint32(d[4:])
		p.ChannelCount = be.Uint16(d[8:])
		p.IncomingBandwidth = be.Uint32(d[10:])
		p.OutgoingBandwidth = be.Uint32(d[14:])
		p.ThrottleInterval = be.Uint32(d[18:])
		p.ThrottleAcceleration = be.Uint32(d[22:])
		p.ThrottleDeceleration = be.Uint32(d[26:])
		p.ConnectID = be.Uint32(d[30:])
		if c.Kind == cmdConnect {
			c.Data = be.Uint32(d[34:])
		}
	case cmdDisconnect:
		c.Data = be.Uint32(d)
	case cmdSendReliable:
		payloadLength = int(be.Uint16(d))
	case cmdSendUnreliable, cmdSendUnsequenced:
		c.UnreliableSeq = be.Uint16(d)
		payloadLength = int(be.Uint16(d[2:]))
	case cmdSendFragment:
		c.StartSeq = be.Uint16(d)
		payloadLength = int(be.Uint16(d[2:]))
		c.FragmentCount = be.Uint32(d[4:])
		c.FragmentNumber = be.Uint32(d[8:])
		c.TotalLength = be.Uint32(d[12:])
		c.FragmentOffset = be.Uint32(d[16:])
	case cmdBandwidthLimit:
		c.IncomingBandwidth = be.Uint32(d)
		c.OutgoingBandwidth = be.Uint32(d[4:])
	case cmdThrottleConfigure:
		c.ThrottleInterval = be.Uint32(d)
		c.ThrottleAcceleration = be.Uint32(d[4:])
		c.ThrottleDeceleration = be.Uint32(d[8:])
	}

	c.Payload = nil
	if payloadLength >= 0 {
		if len(data) < n+payloadLength {
			return 0, fmt.Errorf("%w: payload length %d exceeds datagram", ErrMalformed, payloadLength)
		}
		c.Payload = data[n : n+payloadLength]
		n += payloadLength
	}
	return n, nil
}
