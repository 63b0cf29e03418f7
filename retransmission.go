package rudp

import "time"

// serviceTimers runs the per-peer timers of one service cycle.
func (h *Host) serviceTimers() {
	for _, p := range h.peers {
		if p == nil || p.lingering {
			continue
		}
		if h.checkTimeouts(p) {
			continue
		}
		p.throttle.Evaluate(h.now)

		switch p.state {
		case StateConnected:
			if !p.hasReliablePending() && h.now.Sub(p.lastReceive) >= p.pingInterval {
				p.queueControl(command{Kind: cmdPing})
			}
		case StateDisconnectLater:
			if !p.hasReliablePending() {
				p.Disconnect(p.disconnectData)
			}
		}
	}
}

// checkTimeouts schedules retransmission of every reliable command whose
// acknowledgement is overdue, and drops the peer once the oldest overdue
// command has waited past the timeout policy. It reports whether the
// peer was dropped.
//
// The policy: give up after timeoutMaximum, or after timeoutMinimum once
// the backoff of a command has grown to timeoutLimit times its initial
// value.
func (h *Host) checkTimeouts(p *Peer) bool {
	now := h.now
	var retransmit []*outgoingCommand
	kept := p.sentReliable[:0]

	for _, oc := range p.sentReliable {
		if now.Sub(oc.sentTime) < oc.roundTripTimeout {
			kept = append(kept, oc)
			continue
		}

		if p.earliestTimeout.IsZero() || oc.sentTime.Before(p.earliestTimeout) {
			p.earliestTimeout = oc.sentTime
		}
		waited := now.Sub(p.earliestTimeout)
		if waited >= p.timeoutMaximum ||
			(uint64(1)<<(oc.sendAttempts-1) >= uint64(p.timeoutLimit) && waited >= p.timeoutMinimum) {
			h.timeout(p, waited)
			return true
		}

		p.stats.PacketsLost++
		p.throttle.Miss()
		p.reliableDataInTransit -= len(oc.cmd.Payload)
		oc.roundTripTimeout = min(2*oc.roundTripTimeout, max(oc.roundTripTimeoutLimit, oc.roundTripTimeout))
		retransmit = append(retransmit, oc)
	}
	clear(p.sentReliable[len(kept):])
	p.sentReliable = kept

	if len(retransmit) > 0 {
		p.outgoingReliable = append(retransmit, p.outgoingReliable...)
	}
	return false
}

// timeout drops an unreachable peer. A peer that never completed an
// inbound handshake goes without an event.
func (h *Host) timeout(p *Peer, waited time.Duration) {
	h.logger.Debug("peer timed out", "peer", p.id, "addr", p.addr, "waited", waited, "state", p.state)
	if p.state == StateAcknowledgingConnect {
		h.release(p, StateDisconnected)
		return
	}
	h.disconnectEvent(p, ReasonTimeout, 0)
}
