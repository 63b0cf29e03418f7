package rudp

import "time"

// flush writes every peer's queued commands to the socket.
func (h *Host) flush() {
	h.rateBlocked = false
	for _, p := range h.peers {
		if p == nil {
			continue
		}
		h.flushPeer(p)
		if p.lingering {
			h.release(p, StateDisconnected)
		}
	}
}

// flushPeer packs queued commands into datagrams of at most one MTU:
// acknowledgements first, then reliable commands, then unreliable ones.
func (h *Host) flushPeer(p *Peer) {
	oldest := p.oldestUnacked()
	capacity := p.commandCapacity()

	for {
		body := h.body[:0]
		reliable := false
		h.charged = false

		for len(p.acks) > 0 {
			a := p.acks[0]
			ack := command{
				Kind:        cmdAcknowledge,
				ChannelID:   a.channel,
				ReliableSeq: a.seq,
				AckSeq:      a.seq,
				AckSentTime: a.sentTime,
			}
			if len(body)+ack.size() > capacity {
				break
			}
			body = ack.Marshal(body)
			p.acks = p.acks[1:]
		}

		if !p.lingering {
			var sent bool
			body, sent = h.packReliable(p, body, capacity, oldest)
			reliable = sent
			body = h.packUnreliable(p, body, capacity)
		}

		if len(body) == 0 {
			return
		}
		h.sendDatagram(p, body, reliable)
	}
}

// packReliable moves reliable commands that fit into body from the
// outgoing queue to the in-flight list.
func (h *Host) packReliable(p *Peer, body []byte, capacity int, oldest []windowStart) ([]byte, bool) {
	sent := false
	kept := p.outgoingReliable[:0]
	full := false

	for i, oc := range p.outgoingReliable {
		if full || !h.canSendReliable(p, oc, oldest, i) {
			kept = append(kept, oc)
			continue
		}
		if len(body)+oc.cmd.size() > capacity {
			full = true
			kept = append(kept, oc)
			continue
		}

		body = oc.cmd.Marshal(body)
		sent = true
		if oc.sendAttempts == 0 {
			p.stats.PacketsSent++
		}
		if oc.roundTripTimeout == 0 {
			oc.roundTripTimeout = p.retransmitTimeout()
			oc.roundTripTimeoutLimit = time.Duration(p.timeoutLimit) * oc.roundTripTimeout
		}
		oc.sendAttempts++
		oc.sentTime = h.now
		p.reliableDataInTransit += len(oc.cmd.Payload)
		p.sentReliable = append(p.sentReliable, oc)
	}
	clear(p.outgoingReliable[len(kept):])
	p.outgoingReliable = kept
	return body, sent
}

// canSendReliable applies the flow control checks to one queued
// reliable command at index i of the outgoing queue.
func (h *Host) canSendReliable(p *Peer, oc *outgoingCommand, oldest []windowStart, i int) bool {
	cmd := &oc.cmd
	if cmd.ChannelID == controlChannel {
		if cmd.Kind == cmdDisconnect {
			// The notification goes last, once the data ahead of it
			// was acknowledged.
			return len(p.sentReliable) == 0 && i == 0
		}
		return true
	}

	if w := oldest[cmd.ChannelID]; w.valid && windowSeq(cmd)-w.seq >= reliableWindowSize {
		return false
	}
	if p.reliableDataInTransit > 0 &&
		p.reliableDataInTransit+len(cmd.Payload) > int(p.throttle.window(p.windowSize, p.mtu)) {
		return false
	}
	return h.allowData()
}

// allowData charges the datagram being packed against the outgoing
// bandwidth limit the first time it takes data. Once a flush is over its
// budget no more data is packed until the next one; acknowledgements and
// control commands still go out.
func (h *Host) allowData() bool {
	if h.limiter == nil || h.charged {
		return true
	}
	if h.rateBlocked {
		return false
	}
	if !h.limiter.AllowN(h.now, h.cfg.MTU) {
		h.rateBlocked = true
		return false
	}
	h.charged = true
	return true
}

func (h *Host) packUnreliable(p *Peer, body []byte, capacity int) []byte {
	for len(p.outgoingUnreliable) > 0 {
		oc := p.outgoingUnreliable[0]
		if len(body)+oc.cmd.size() > capacity {
			return body
		}
		if !h.allowData() {
			return body
		}
		p.outgoingUnreliable[0] = nil
		p.outgoingUnreliable = p.outgoingUnreliable[1:]

		if !p.throttle.Allow() {
			p.stats.PacketsThrottled++
			continue
		}
		body = oc.cmd.Marshal(body)
		p.stats.PacketsSent++
	}
	p.outgoingUnreliable = nil
	return body
}

type windowStart struct {
	seq   uint16
	valid bool
}

// oldestUnacked returns, per channel, the window sequence number of the
// oldest reliable command not yet acknowledged.
func (p *Peer) oldestUnacked() []windowStart {
	oldest := make([]windowStart, len(p.channels))
	note := func(oc *outgoingCommand) {
		if oc.cmd.ChannelID == controlChannel || int(oc.cmd.ChannelID) >= len(oldest) {
			return
		}
		ch := p.channels[oc.cmd.ChannelID]
		w := &oldest[oc.cmd.ChannelID]
		seq := windowSeq(&oc.cmd)
		if !w.valid || ch.outgoingReliableSeq-seq > ch.outgoingReliableSeq-w.seq {
			w.seq = seq
			w.valid = true
		}
	}
	for _, oc := range p.sentReliable {
		note(oc)
	}
	for _, oc := range p.outgoingReliable {
		note(oc)
	}
	return oldest
}

// sendDatagram frames body and writes it. Write errors are counted and
// logged; the retransmission timers cover the loss.
func (h *Host) sendDatagram(p *Peer, body []byte, hasReliable bool) {
	header := protocolHeader{
		PeerID:      p.outgoingPeerID,
		HasSentTime: hasReliable,
		HasChecksum: h.cfg.Checksum,
		SentTime:    h.timestamp(h.now),
	}
	out := header.Marshal(h.out[:0])
	out = append(out, body...)
	if h.cfg.Checksum {
		out = appendChecksum(out)
	}

	p.lastSend = h.now
	p.stats.BytesSent += uint64(len(out))
	h.stats.DatagramsSent++
	h.stats.BytesSent += uint64(len(out))
	if err := h.sock.WriteTo(out, p.addr); err != nil {
		h.logger.Debug("send failed", "peer", p.id, "addr", p.addr, "error", err)
	}
}

// sendImmediate writes a single unacknowledged command outside the
// queues.
func (h *Host) sendImmediate(p *Peer, cmd command) {
	h.now = h.clock.Now()
	h.sendDatagram(p, cmd.Marshal(h.body[:0]), false)
}
