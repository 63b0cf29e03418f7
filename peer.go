package rudp

import (
	"fmt"
	"net/netip"
	"time"
)

// Peer is one connection of a Host. A Peer handle stays valid after the
// connection ends; every operation re-checks the state before acting, so
// a stale handle fails with ErrNotConnected instead of touching a slot
// that now belongs to another connection.
type Peer struct {
	host  *Host
	id    uint16 // local slot index
	addr  netip.AddrPort
	state PeerState

	connectID      uint32
	outgoingPeerID uint16 // remote slot index, maxPeerID until known
	connectData    uint32
	disconnectData uint32

	// lingering is set once a remote disconnect was received: the
	// acknowledgement still has to go out before the slot is freed.
	lingering bool

	channels   []*Channel
	controlSeq uint16

	mtu               int
	windowSize        uint32
	incomingBandwidth uint32
	outgoingBandwidth uint32

	throttle *Throttle

	rtt         time.Duration
	rttVariance time.Duration
	rttMeasured bool

	timeoutLimit    uint32
	timeoutMinimum  time.Duration
	timeoutMaximum  time.Duration
	pingInterval    time.Duration
	earliestTimeout time.Time
	lastReceive     time.Time
	lastSend        time.Time

	acks               []pendingAck
	outgoingReliable   []*outgoingCommand
	sentReliable       []*outgoingCommand
	outgoingUnreliable []*outgoingCommand

	reliableDataInTransit int
	unsequencedGroup      uint16
	unsequenced           seqWindow

	stats PeerStats
}

type pendingAck struct {
	channel  uint8
	seq      uint16
	sentTime uint16
}

// PeerStats is a snapshot of a connection's counters.
type PeerStats struct {
	RoundTripTime         time.Duration
	RoundTripTimeVariance time.Duration
	Throttle              uint32
	MTU                   int
	PacketsSent           uint64
	PacketsReceived       uint64
	PacketsLost           uint64
	PacketsThrottled      uint64
	BytesSent             uint64
	BytesReceived         uint64
	LastReceive           time.Time
	LastSend              time.Time
}

func newPeer(h *Host, id uint16, addr netip.AddrPort, channelCount int) *Peer {
	cfg := &h.cfg
	p := &Peer{
		host:           h,
		id:             id,
		addr:           addr,
		outgoingPeerID: maxPeerID,
		mtu:            cfg.MTU,
		windowSize:     windowFor(cfg.IncomingBandwidth, 0),
		throttle:       NewThrottle(cfg.Throttle.Interval, cfg.Throttle.Acceleration, cfg.Throttle.Deceleration),
		rtt:            DefaultRoundTripTime,
		timeoutLimit:   cfg.Timeout.Limit,
		timeoutMinimum: cfg.Timeout.Minimum,
		timeoutMaximum: cfg.Timeout.Maximum,
		pingInterval:   cfg.PingInterval,
		lastReceive:    h.now,
		lastSend:       h.now,
	}
	p.setChannelCount(channelCount)
	return p
}

func (p *Peer) setChannelCount(n int) {
	if len(p.channels) == n {
		return
	}
	p.channels = make([]*Channel, n)
	for i := range p.channels {
		p.channels[i] = newChannel(uint8(i))
	}
}

// ID returns the slot index of the peer in its host's table. Slots are
// reused by later connections; compare *Peer values, not IDs, to tell
// connections apart.
func (p *Peer) ID() uint16 { return p.id }

// Addr returns the remote address.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// State returns the connection state.
func (p *Peer) State() PeerState { return p.state }

// ChannelCount returns the negotiated channel count.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// Channel returns channel id, or nil if out of range.
func (p *Peer) Channel(id uint8) *Channel {
	if int(id) >= len(p.channels) {
		return nil
	}
	return p.channels[id]
}

// RoundTripTime returns the smoothed round-trip estimate.
func (p *Peer) RoundTripTime() time.Duration { return p.rtt }

// Throttle returns the unreliable packet throttle.
func (p *Peer) Throttle() *Throttle { return p.throttle }

// Stats returns a snapshot of the connection counters.
func (p *Peer) Stats() PeerStats {
	s := p.stats
	s.RoundTripTime = p.rtt
	s.RoundTripTimeVariance = p.rttVariance
	s.Throttle = p.throttle.Value()
	s.MTU = p.mtu
	s.LastReceive = p.lastReceive
	s.LastSend = p.lastSend
	return s
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %d (%s, %s)", p.id, p.addr, p.state)
}

// live reports whether the peer still owns its slot.
func (p *Peer) live() bool {
	switch p.state {
	case StateDisconnected, StateZombie:
		return false
	}
	return !p.host.destroyed && p.host.peers[p.id] == p
}

// Send queues data on a channel. It fails with ErrNotConnected unless
// the peer is connected and with ErrChannelRange for a channel outside
// the negotiated count.
func (p *Peer) Send(channel uint8, data []byte, flags PacketFlag) error {
	return p.SendPacket(channel, NewPacket(data, flags))
}

// SendPacket queues a packet that may be shared with other peers.
func (p *Peer) SendPacket(channel uint8, packet *Packet) error {
	if p.state != StateConnected || !p.live() {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.state)
	}
	if int(channel) >= len(p.channels) {
		return fmt.Errorf("%w: channel %d of %d", ErrChannelRange, channel, len(p.channels))
	}
	if packet.Len() > MaxPacketSize {
		return fmt.Errorf("%w: packet of %d bytes exceeds %d", ErrSendFailure, packet.Len(), MaxPacketSize)
	}
	return p.queuePacket(p.channels[channel], packet)
}

// queuePacket turns a packet into commands. Payloads that do not fit
// one datagram are fragmented and always sent reliably.
func (p *Peer) queuePacket(ch *Channel, packet *Packet) error {
	payload := packet.Data()
	var flags uint8
	if frame, ok := compressPayload(payload, p.host.cfg.Compression); ok {
		payload = frame
		flags |= flagCompressed
	}

	kind := uint8(cmdSendUnreliable)
	switch {
	case packet.Flags()&Reliable != 0:
		kind = cmdSendReliable
	case packet.Flags()&Unsequenced != 0:
		kind = cmdSendUnsequenced
	}

	capacity := p.commandCapacity()
	if len(payload) > capacity-commandHeaderSize-bodySize(kind) {
		return p.queueFragments(ch, packet, payload, flags)
	}

	oc := &outgoingCommand{
		packet: packet,
		cmd: command{
			Kind:      kind,
			Flags:     flags,
			ChannelID: ch.id,
			Payload:   payload,
		},
	}
	switch kind {
	case cmdSendReliable:
		oc.cmd.Flags |= flagAcknowledge
		oc.cmd.ReliableSeq = ch.nextReliableSeq()
		p.outgoingReliable = append(p.outgoingReliable, oc)
	case cmdSendUnreliable:
		oc.cmd.ReliableSeq = ch.outgoingReliableSeq
		oc.cmd.UnreliableSeq = ch.nextUnreliableSeq()
		p.outgoingUnreliable = append(p.outgoingUnreliable, oc)
	case cmdSendUnsequenced:
		oc.cmd.Flags |= flagUnsequenced
		p.unsequencedGroup++
		oc.cmd.UnreliableSeq = p.unsequencedGroup
		p.outgoingUnreliable = append(p.outgoingUnreliable, oc)
	}
	return nil
}

func (p *Peer) queueFragments(ch *Channel, packet *Packet, payload []byte, flags uint8) error {
	fragmentSize := p.commandCapacity() - commandHeaderSize - bodySize(cmdSendFragment)
	count := (len(payload) + fragmentSize - 1) / fragmentSize
	if count > maxFragmentCount {
		return fmt.Errorf("%w: %d fragments", ErrSendFailure, count)
	}

	start := ch.outgoingReliableSeq + 1
	for i := 0; i < count; i++ {
		offset := i * fragmentSize
		end := min(offset+fragmentSize, len(payload))
		p.outgoingReliable = append(p.outgoingReliable, &outgoingCommand{
			packet: packet,
			cmd: command{
				Kind:           cmdSendFragment,
				Flags:          flags | flagAcknowledge,
				ChannelID:      ch.id,
				ReliableSeq:    ch.nextReliableSeq(),
				StartSeq:       start,
				FragmentCount:  uint32(count),
				FragmentNumber: uint32(i),
				TotalLength:    uint32(len(payload)),
				FragmentOffset: uint32(offset),
				Payload:        payload[offset:end],
			},
		})
	}
	return nil
}

// commandCapacity is the room for commands in one datagram.
func (p *Peer) commandCapacity() int {
	capacity := p.mtu - maxHeaderSize
	if p.host.cfg.Checksum {
		capacity -= checksumSize
	}
	return capacity
}

// queueControl queues a reliable command on the control channel.
func (p *Peer) queueControl(cmd command) {
	p.controlSeq++
	cmd.ChannelID = controlChannel
	cmd.ReliableSeq = p.controlSeq
	cmd.Flags |= flagAcknowledge
	p.outgoingReliable = append(p.outgoingReliable, &outgoingCommand{cmd: cmd})
}

// Ping queues a keepalive that also samples the round trip.
func (p *Peer) Ping() error {
	if p.state != StateConnected || !p.live() {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.state)
	}
	p.queueControl(command{Kind: cmdPing})
	return nil
}

// ThrottleConfigure replaces the throttle tunables on both ends of the
// connection. They take effect at the next evaluation.
func (p *Peer) ThrottleConfigure(interval time.Duration, acceleration, deceleration uint32) error {
	if interval <= 0 || interval/time.Millisecond > 0xFFFFFFFF ||
		acceleration > ThrottleScale || deceleration > ThrottleScale {
		return fmt.Errorf("%w: throttle %s/%d/%d", ErrInvalidArgument, interval, acceleration, deceleration)
	}
	if !p.live() {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.state)
	}
	p.throttle.Configure(interval, acceleration, deceleration)
	if p.state == StateConnected {
		p.queueControl(command{
			Kind:                 cmdThrottleConfigure,
			ThrottleInterval:     uint32(interval / time.Millisecond),
			ThrottleAcceleration: acceleration,
			ThrottleDeceleration: deceleration,
		})
	}
	return nil
}

// SetTimeout sets the idle-timeout policy: the peer is dropped once an
// unacknowledged command has been outstanding for maximum, or for
// minimum after it was retransmitted enough times for its backoff to
// reach limit. Zero arguments select the defaults. A minimum above the
// maximum is rejected with ErrInvalidArgument and leaves the policy
// unchanged.
func (p *Peer) SetTimeout(limit uint32, minimum, maximum time.Duration) error {
	if limit == 0 {
		limit = DefaultTimeoutLimit
	}
	if minimum <= 0 {
		minimum = DefaultTimeoutMinimum
	}
	if maximum <= 0 {
		maximum = DefaultTimeoutMaximum
	}
	if maximum < minimum {
		return fmt.Errorf("%w: timeout minimum %s maximum %s", ErrInvalidArgument, minimum, maximum)
	}
	p.timeoutLimit = limit
	p.timeoutMinimum = minimum
	p.timeoutMaximum = maximum
	return nil
}

// Disconnect starts a graceful disconnect. Reliable packets already
// queued are still delivered before the remote is notified; the
// Disconnect event arrives from Service once it acknowledges.
func (p *Peer) Disconnect(data uint32) {
	switch p.state {
	case StateConnected, StateDisconnectLater:
	case StateConnecting, StateAcknowledgingConnect:
		p.DisconnectNow(data)
		return
	default:
		return
	}
	if !p.live() {
		return
	}

	p.host.logger.Debug("peer disconnecting", "peer", p.id, "addr", p.addr)
	p.outgoingUnreliable = nil
	p.disconnectData = data
	p.state = StateDisconnecting
	p.queueControl(command{Kind: cmdDisconnect, Data: data})
}

// DisconnectNow notifies the remote without waiting for an answer and
// frees the peer at once. No Disconnect event is produced.
func (p *Peer) DisconnectNow(data uint32) {
	if !p.live() {
		return
	}
	h := p.host
	if p.state != StateConnecting {
		h.sendImmediate(p, command{Kind: cmdDisconnect, ChannelID: controlChannel, Data: data})
	}
	h.logger.Debug("peer disconnected now", "peer", p.id, "addr", p.addr)
	h.release(p, StateDisconnected)
}

// DisconnectLater disconnects gracefully once every queued reliable
// packet has been acknowledged. Incoming traffic is still delivered
// until then.
func (p *Peer) DisconnectLater(data uint32) {
	if p.state != StateConnected || !p.live() {
		p.Disconnect(data)
		return
	}
	p.disconnectData = data
	p.outgoingUnreliable = nil
	if !p.hasReliablePending() {
		p.Disconnect(data)
		return
	}
	p.state = StateDisconnectLater
}

// Reset drops the connection without telling the remote. The handle is
// left in StateZombie and no event is produced.
func (p *Peer) Reset() {
	if !p.live() {
		return
	}
	p.host.logger.Debug("peer reset", "peer", p.id, "addr", p.addr)
	p.host.release(p, StateZombie)
}

func (p *Peer) hasReliablePending() bool {
	return len(p.outgoingReliable) > 0 || len(p.sentReliable) > 0
}

// resetQueues discards every buffer of the connection.
func (p *Peer) resetQueues() {
	p.acks = nil
	p.outgoingReliable = nil
	p.sentReliable = nil
	p.outgoingUnreliable = nil
	p.reliableDataInTransit = 0
	p.unsequenced.reset()
	for _, ch := range p.channels {
		ch.reset()
	}
}

// updateRoundTrip folds one sample into the smoothed estimate.
func (p *Peer) updateRoundTrip(sample time.Duration) {
	if sample < minRoundTripTime {
		sample = minRoundTripTime
	}
	if !p.rttMeasured {
		p.rtt = sample
		p.rttVariance = sample / 2
		p.rttMeasured = true
		return
	}

	p.rttVariance -= p.rttVariance / 4
	if sample >= p.rtt {
		diff := sample - p.rtt
		p.rtt += diff / 8
		p.rttVariance += diff / 4
	} else {
		diff := p.rtt - sample
		p.rtt -= diff / 8
		p.rttVariance += diff / 4
	}
	if p.rtt < minRoundTripTime {
		p.rtt = minRoundTripTime
	}
}

// retransmitTimeout is the initial wait before a reliable command is
// sent again.
func (p *Peer) retransmitTimeout() time.Duration {
	return p.rtt + 4*p.rttVariance
}

// windowFor derives the reliable window from the bandwidth limits.
func windowFor(incoming, outgoing uint32) uint32 {
	var limit uint32
	switch {
	case incoming == 0:
		limit = outgoing
	case outgoing == 0:
		limit = incoming
	default:
		limit = min(incoming, outgoing)
	}
	if limit == 0 {
		return DefaultWindowSize
	}
	return max(min(limit, DefaultWindowSize), minWindowSize)
}
