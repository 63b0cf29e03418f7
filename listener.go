package rudp

import (
	"net/netip"
	"time"
)

// handleConnect accepts a connection request from addr and returns the
// new peer, or nil if the request is dropped.
func (h *Host) handleConnect(addr netip.AddrPort, cmd *command) *Peer {
	params := &cmd.Connect
	if params.ChannelCount < 1 || params.ChannelCount > MaxChannelLimit {
		h.logger.Debug("connect with bad channel count", "addr", addr, "channels", params.ChannelCount)
		return nil
	}

	if existing, ok := h.byAddr[addr]; ok {
		if existing.connectID == params.ConnectID {
			// A retransmitted request. The verify is retransmitted on
			// its own timer.
			return nil
		}
		h.replace(existing)
	}

	slot, ok := h.freeSlot()
	if !ok {
		h.stats.ConnectsRejected++
		h.logger.Info("connection rejected, peer table full", "addr", addr, "max_peers", len(h.peers))
		return nil
	}

	channels := min(int(params.ChannelCount), h.cfg.ChannelLimit)
	p := newPeer(h, slot, addr, channels)
	p.state = StateAcknowledgingConnect
	p.connectID = params.ConnectID
	p.connectData = cmd.Data
	p.outgoingPeerID = params.OutgoingPeerID
	p.mtu = clampMTU(min(int(params.MTU), h.cfg.MTU))
	p.incomingBandwidth = params.IncomingBandwidth
	p.outgoingBandwidth = params.OutgoingBandwidth
	p.windowSize = min(windowFor(h.cfg.IncomingBandwidth, params.OutgoingBandwidth), max(params.WindowSize, minWindowSize))
	if params.ThrottleInterval > 0 {
		p.throttle.Configure(time.Duration(params.ThrottleInterval)*time.Millisecond,
			min(params.ThrottleAcceleration, ThrottleScale), min(params.ThrottleDeceleration, ThrottleScale))
	}
	h.peers[slot] = p
	h.byAddr[addr] = p

	p.queueControl(command{Kind: cmdVerifyConnect, Connect: h.connectParams(p)})
	h.logger.Debug("connection request accepted", "peer", slot, "addr", addr, "channels", channels)
	return p
}

// replace drops an old connection from an address that opened a new
// one. A peer that never completed its handshake goes silently.
func (h *Host) replace(old *Peer) {
	if old.state == StateAcknowledgingConnect || old.lingering {
		h.release(old, StateDisconnected)
		return
	}
	h.disconnectEvent(old, ReasonReplaced, 0)
}

// handleVerifyConnect completes an outgoing connection. It reports
// whether the command should be acknowledged.
func (h *Host) handleVerifyConnect(p *Peer, cmd *command) bool {
	params := &cmd.Connect
	if params.ConnectID != p.connectID {
		return false
	}
	if p.state != StateConnecting {
		// Our acknowledgement was lost; acknowledge again.
		return p.state == StateConnected
	}

	channels := int(params.ChannelCount)
	if channels < 1 || channels > len(p.channels) || params.OutgoingPeerID >= maxPeerID {
		h.logger.Debug("bad connect verification", "peer", p.id, "addr", p.addr)
		h.disconnectEvent(p, ReasonRemote, 0)
		return false
	}

	p.removeSent(controlChannel, 1)
	p.outgoingPeerID = params.OutgoingPeerID
	p.setChannelCount(channels)
	p.mtu = clampMTU(min(int(params.MTU), p.mtu))
	p.incomingBandwidth = params.IncomingBandwidth
	p.outgoingBandwidth = params.OutgoingBandwidth
	p.windowSize = min(p.windowSize, max(params.WindowSize, minWindowSize))
	p.state = StateConnected

	h.logger.Info("peer connected", "peer", p.id, "addr", p.addr, "channels", channels)
	h.emit(Event{Type: EventConnect, Peer: p})
	return true
}

// connectAcknowledged completes an incoming connection once the remote
// acknowledged our verification.
func (h *Host) connectAcknowledged(p *Peer) {
	if p.state != StateAcknowledgingConnect {
		return
	}
	p.state = StateConnected
	h.logger.Info("peer connected", "peer", p.id, "addr", p.addr, "channels", len(p.channels))
	h.emit(Event{Type: EventConnect, Peer: p, Data32: p.connectData})
}

func clampMTU(mtu int) int {
	return max(MinMTU, min(mtu, MaxMTU))
}
