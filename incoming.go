package rudp

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/opd-ai/go-rudp/socket"
)

// receive drains the datagrams already queued on the socket without
// blocking.
func (h *Host) receive() error {
	if h.held != nil {
		dg := *h.held
		h.held = nil
		h.handleDatagram(dg.Addr, dg.Data)
	}
	for i := 0; i < maxDatagramsPerCycle; i++ {
		select {
		case dg, ok := <-h.sock.Incoming():
			if !ok {
				return fmt.Errorf("receive: %w", socket.ErrClosed)
			}
			h.handleDatagram(dg.Addr, dg.Data)
		default:
			return nil
		}
	}
	return nil
}

// handleDatagram demultiplexes one datagram to its peer and runs its
// commands in order. Anything malformed ends processing of the datagram;
// commands before it keep their effect.
func (h *Host) handleDatagram(from netip.AddrPort, data []byte) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	h.stats.DatagramsReceived++
	h.stats.BytesReceived += uint64(len(data))

	var header protocolHeader
	n, err := header.Unmarshal(data)
	if err != nil {
		h.drop(from, err)
		return
	}
	if header.HasChecksum {
		body, ok := verifyChecksum(data)
		if !ok {
			h.drop(from, fmt.Errorf("%w: checksum mismatch", ErrMalformed))
			return
		}
		data = body
	} else if h.cfg.Checksum {
		h.drop(from, fmt.Errorf("%w: checksum missing", ErrMalformed))
		return
	}
	data = data[n:]

	var p *Peer
	if header.PeerID != maxPeerID {
		if int(header.PeerID) >= len(h.peers) {
			h.drop(from, fmt.Errorf("%w: peer id %d out of range", ErrMalformed, header.PeerID))
			return
		}
		p = h.peers[header.PeerID]
		if p == nil || p.addr != from || p.lingering {
			h.stats.DatagramsDropped++
			return
		}
		p.lastReceive = h.now
		p.stats.BytesReceived += uint64(len(data))
	}

	for len(data) > 0 {
		var cmd command
		n, err := cmd.Unmarshal(data)
		if err != nil {
			h.drop(from, err)
			return
		}
		data = data[n:]

		if p == nil {
			if cmd.Kind != cmdConnect {
				h.stats.DatagramsDropped++
				return
			}
			if p = h.handleConnect(from, &cmd); p == nil {
				return
			}
			continue
		}

		ack, err := h.handleCommand(p, &header, &cmd)
		if err != nil {
			h.drop(from, err)
			return
		}
		if ack && cmd.requiresAck() && header.HasSentTime && !p.isReleased() {
			p.acks = append(p.acks, pendingAck{
				channel:  cmd.ChannelID,
				seq:      cmd.ReliableSeq,
				sentTime: header.SentTime,
			})
		}
		if p.isReleased() {
			return
		}
	}
}

func (p *Peer) isReleased() bool {
	return p.state == StateDisconnected || p.state == StateZombie
}

func (h *Host) drop(from netip.AddrPort, err error) {
	h.stats.DatagramsDropped++
	h.logger.Debug("dropped datagram", "addr", from, "error", err)
}

// handleCommand applies one command addressed to p and reports whether
// it is acknowledged.
func (h *Host) handleCommand(p *Peer, header *protocolHeader, cmd *command) (bool, error) {
	if cmd.Kind >= cmdSendReliable && cmd.Kind <= cmdSendUnsequenced && int(cmd.ChannelID) >= len(p.channels) {
		return false, fmt.Errorf("%w: channel %d of %d", ErrMalformed, cmd.ChannelID, len(p.channels))
	}

	switch cmd.Kind {
	case cmdAcknowledge:
		h.handleAck(p, cmd)
		return false, nil
	case cmdConnect:
		// Only valid on an unaddressed datagram.
		return false, nil
	case cmdVerifyConnect:
		return h.handleVerifyConnect(p, cmd), nil
	case cmdDisconnect:
		return h.handleDisconnect(p, header, cmd), nil
	case cmdPing:
		return p.acceptsControl(), nil
	case cmdBandwidthLimit:
		if !p.acceptsControl() {
			return false, nil
		}
		p.incomingBandwidth = cmd.IncomingBandwidth
		p.outgoingBandwidth = cmd.OutgoingBandwidth
		p.windowSize = windowFor(h.cfg.IncomingBandwidth, cmd.OutgoingBandwidth)
		return true, nil
	case cmdThrottleConfigure:
		if !p.acceptsControl() {
			return false, nil
		}
		if cmd.ThrottleInterval > 0 {
			p.throttle.Configure(time.Duration(cmd.ThrottleInterval)*time.Millisecond,
				min(cmd.ThrottleAcceleration, ThrottleScale), min(cmd.ThrottleDeceleration, ThrottleScale))
		}
		return true, nil
	case cmdSendReliable, cmdSendFragment:
		return h.handleReliable(p, cmd)
	case cmdSendUnreliable:
		if p.acceptsData() && p.channels[cmd.ChannelID].unreliable.accept(cmd.UnreliableSeq) {
			h.deliver(p, cmd.ChannelID, Unreliable, cmd.Payload, cmd.Flags&flagCompressed != 0)
		}
		return false, nil
	case cmdSendUnsequenced:
		if p.acceptsData() && p.unsequenced.accept(cmd.UnreliableSeq) {
			h.deliver(p, cmd.ChannelID, Unsequenced, cmd.Payload, cmd.Flags&flagCompressed != 0)
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected command %d", ErrMalformed, cmd.Kind)
}

// acceptsControl reports whether keepalives and tunables are processed.
func (p *Peer) acceptsControl() bool {
	switch p.state {
	case StateAcknowledgingConnect, StateConnected, StateDisconnectLater, StateDisconnecting:
		return true
	}
	return false
}

// acceptsData reports whether application data is delivered.
func (p *Peer) acceptsData() bool {
	return p.state == StateConnected || p.state == StateDisconnectLater
}

func (h *Host) handleReliable(p *Peer, cmd *command) (bool, error) {
	if !p.acceptsData() {
		return false, nil
	}
	ch := p.channels[cmd.ChannelID]
	switch ch.classify(windowSeq(cmd)) {
	case seqDuplicate:
		return true, nil
	case seqAhead:
		return false, nil
	}

	if cmd.Kind == cmdSendFragment {
		if _, err := ch.storeFragment(cmd); err != nil {
			return false, err
		}
	} else {
		ch.storeReliable(cmd)
	}
	ch.release(func(payload []byte, compressed bool) {
		h.deliver(p, ch.id, Reliable, payload, compressed)
	})
	return true, nil
}

// deliver turns a payload into a Receive event. A payload that fails to
// decompress is reported with Err set rather than dropped.
func (h *Host) deliver(p *Peer, channel uint8, flags PacketFlag, payload []byte, compressed bool) {
	p.stats.PacketsReceived++
	e := Event{Type: EventReceive, Peer: p, Channel: channel, Flags: flags}
	if compressed {
		data, err := decompressPayload(payload)
		if err != nil {
			h.logger.Debug("payload decode failed", "peer", p.id, "channel", channel, "error", err)
			e.Err = err
		} else {
			e.Data = data
		}
	} else {
		e.Data = slices.Clone(payload)
	}
	h.emit(e)
}

// handleAck retires the acknowledged command and samples the round
// trip.
func (h *Host) handleAck(p *Peer, cmd *command) {
	if p.isReleased() {
		return
	}
	p.earliestTimeout = time.Time{}

	kind, ok := p.removeSent(cmd.ChannelID, cmd.AckSeq)
	if !ok {
		return
	}
	if elapsed := h.timestamp(h.now) - cmd.AckSentTime; elapsed < 0x8000 {
		sample := time.Duration(elapsed) * time.Millisecond
		p.updateRoundTrip(sample)
		p.throttle.Observe(max(sample, minRoundTripTime), p.rttVariance)
	}

	switch kind {
	case cmdVerifyConnect:
		h.connectAcknowledged(p)
	case cmdDisconnect:
		if p.state == StateDisconnecting {
			h.disconnectEvent(p, ReasonLocal, p.disconnectData)
		}
	}
}

// removeSent drops an acknowledged reliable command from the peer's
// queues and returns its kind.
func (p *Peer) removeSent(channel uint8, seq uint16) (uint8, bool) {
	match := func(oc *outgoingCommand) bool {
		return oc.cmd.ChannelID == channel && oc.cmd.ReliableSeq == seq
	}
	if i := slices.IndexFunc(p.sentReliable, match); i >= 0 {
		oc := p.sentReliable[i]
		p.sentReliable = slices.Delete(p.sentReliable, i, i+1)
		p.reliableDataInTransit -= len(oc.cmd.Payload)
		return oc.cmd.Kind, true
	}
	if i := slices.IndexFunc(p.outgoingReliable, match); i >= 0 && p.outgoingReliable[i].sendAttempts > 0 {
		oc := p.outgoingReliable[i]
		p.outgoingReliable = slices.Delete(p.outgoingReliable, i, i+1)
		return oc.cmd.Kind, true
	}
	return 0, false
}

// handleDisconnect processes a remote disconnect. A connected peer stays
// in the table until the acknowledgement is flushed.
func (h *Host) handleDisconnect(p *Peer, header *protocolHeader, cmd *command) bool {
	switch p.state {
	case StateAcknowledgingConnect:
		h.release(p, StateDisconnected)
		return false
	case StateConnecting:
		h.disconnectEvent(p, ReasonRemote, cmd.Data)
		return false
	case StateConnected, StateDisconnectLater, StateDisconnecting:
	default:
		return false
	}

	h.logger.Info("peer disconnected", "peer", p.id, "addr", p.addr, "reason", ReasonRemote)
	p.resetQueues()
	p.state = StateDisconnected
	h.emit(Event{Type: EventDisconnect, Peer: p, Reason: ReasonRemote, Data32: cmd.Data})
	if cmd.requiresAck() && header.HasSentTime {
		p.lingering = true
		p.acks = append(p.acks, pendingAck{channel: cmd.ChannelID, seq: cmd.ReliableSeq, sentTime: header.SentTime})
		return false
	}
	h.release(p, StateDisconnected)
	return false
}
