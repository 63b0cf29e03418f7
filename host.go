package rudp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/opd-ai/go-rudp/clock"
	"github.com/opd-ai/go-rudp/socket"
)

// Host multiplexes many Peers over one socket. A Host is driven by a
// single goroutine: Service, Flush, Connect and every Peer method must
// not be called concurrently.
//
// A UDP socket opened by CreateHost runs one reader goroutine that
// moves datagrams into a bounded queue. It never touches protocol
// state; all protocol work happens inside Service and Flush on the
// caller's goroutine. Sockets passed with WithSocket bring their own
// delivery.
type Host struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	sock   socket.Socket

	peers  []*Peer // indexed by slot, nil when free
	byAddr map[netip.AddrPort]*Peer

	limiter     *rate.Limiter // nil when outgoing bandwidth is unlimited
	rateBlocked bool
	charged     bool

	epoch time.Time
	now   time.Time // sampled once per service cycle

	pending []Event
	held    *socket.Datagram

	out  []byte
	body []byte

	destroyed bool
	stats     HostStats
}

// HostStats counts datagram traffic of a host.
type HostStats struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	DatagramsDropped  uint64
	BytesSent         uint64
	BytesReceived     uint64
	ConnectsRejected  uint64
}

func newHost(cfg Config, options hostOptions, sock socket.Socket) *Host {
	h := &Host{
		cfg:    cfg,
		logger: options.logger,
		clock:  options.clock,
		sock:   sock,
		peers:  make([]*Peer, cfg.MaxPeers),
		byAddr: make(map[netip.AddrPort]*Peer),
		out:    make([]byte, 0, MaxMTU),
		body:   make([]byte, 0, MaxMTU),
	}
	h.epoch = h.clock.Now()
	h.now = h.epoch
	h.limiter = newLimiter(cfg.OutgoingBandwidth, cfg.MTU)
	return h
}

func newLimiter(bandwidth uint32, mtu int) *rate.Limiter {
	if bandwidth == 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bandwidth), max(int(bandwidth), mtu))
}

// LocalAddr returns the bound address.
func (h *Host) LocalAddr() netip.AddrPort { return h.sock.LocalAddr() }

// Config returns the configuration the host was created with.
func (h *Host) Config() Config { return h.cfg }

// Stats returns the datagram counters.
func (h *Host) Stats() HostStats { return h.stats }

// Peers returns the peers currently holding a slot.
func (h *Host) Peers() []*Peer {
	var peers []*Peer
	for _, p := range h.peers {
		if p != nil {
			peers = append(peers, p)
		}
	}
	return peers
}

// ConnectedPeers returns the number of peers in StateConnected.
func (h *Host) ConnectedPeers() int {
	n := 0
	for _, p := range h.peers {
		if p != nil && p.state == StateConnected {
			n++
		}
	}
	return n
}

// Connect starts a connection to "host:port". The returned peer is in
// StateConnecting; Service reports the outcome as a Connect or a
// Disconnect event.
func (h *Host) Connect(address string, channelCount int) (*Peer, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	addr, err := splitHostPort(context.Background(), address)
	if err != nil {
		return nil, err
	}
	return h.ConnectAddr(addr, channelCount, 0)
}

// ConnectAddr is Connect with a parsed address and a data word that
// the remote receives on its Connect event.
func (h *Host) ConnectAddr(addr netip.AddrPort, channelCount int, data uint32) (*Peer, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	if !addr.IsValid() || addr.Port() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAddressFormat, addr)
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if channelCount < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidArgument, channelCount)
	}
	if channelCount > h.cfg.ChannelLimit {
		return nil, fmt.Errorf("%w: channel count %d above limit %d", ErrCapacity, channelCount, h.cfg.ChannelLimit)
	}
	if _, ok := h.byAddr[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, addr)
	}
	slot, ok := h.freeSlot()
	if !ok {
		return nil, fmt.Errorf("%w: %d peers", ErrCapacity, len(h.peers))
	}

	h.now = h.clock.Now()
	p := newPeer(h, slot, addr, channelCount)
	p.state = StateConnecting
	p.connectID = rand.Uint32()
	h.peers[slot] = p
	h.byAddr[addr] = p

	p.queueControl(command{
		Kind:    cmdConnect,
		Connect: h.connectParams(p),
		Data:    data,
	})
	h.logger.Debug("connecting", "peer", slot, "addr", addr, "channels", channelCount)
	return p, nil
}

func (h *Host) connectParams(p *Peer) connectParams {
	return connectParams{
		OutgoingPeerID:       p.id,
		MTU:                  uint16(p.mtu),
		WindowSize:           p.windowSize,
		ChannelCount:         uint16(len(p.channels)),
		IncomingBandwidth:    h.cfg.IncomingBandwidth,
		OutgoingBandwidth:    h.cfg.OutgoingBandwidth,
		ThrottleInterval:     uint32(p.throttle.Interval() / time.Millisecond),
		ThrottleAcceleration: p.throttle.Acceleration(),
		ThrottleDeceleration: p.throttle.Deceleration(),
		ConnectID:            p.connectID,
	}
}

func (h *Host) freeSlot() (uint16, bool) {
	for i, p := range h.peers {
		if p == nil {
			return uint16(i), true
		}
	}
	return 0, false
}

// release frees the slot of p and leaves the handle in state.
func (h *Host) release(p *Peer, state PeerState) {
	if h.peers[p.id] == p {
		h.peers[p.id] = nil
	}
	if h.byAddr[p.addr] == p {
		delete(h.byAddr, p.addr)
	}
	p.resetQueues()
	p.lingering = false
	p.state = state
}

func (h *Host) emit(e Event) { h.pending = append(h.pending, e) }

// disconnectEvent frees p and reports why.
func (h *Host) disconnectEvent(p *Peer, reason DisconnectReason, data uint32) {
	h.logger.Info("peer disconnected", "peer", p.id, "addr", p.addr, "reason", reason)
	h.release(p, StateDisconnected)
	h.emit(Event{Type: EventDisconnect, Peer: p, Reason: reason, Data32: data})
}

// Service runs the protocol until at least one event is ready or the
// timeout elapses, and returns the events in the order they happened.
// A zero timeout polls once without waiting; Forever waits without a
// deadline. Every timer inside one cycle reads the same clock sample.
func (h *Host) Service(timeout time.Duration) (*EventQueue, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}

	start := h.clock.Now()
	deadline := start.Add(timeout)
	for {
		h.now = h.clock.Now()
		if err := h.receive(); err != nil {
			return h.takeEvents(), err
		}
		h.serviceTimers()
		h.flush()

		if len(h.pending) > 0 || timeout == 0 {
			return h.takeEvents(), nil
		}

		wait := serviceTick
		if timeout > 0 {
			remaining := deadline.Sub(h.clock.Now())
			if remaining <= 0 {
				return h.takeEvents(), nil
			}
			wait = min(wait, remaining)
		}

		select {
		case dg, ok := <-h.sock.Incoming():
			if !ok {
				return h.takeEvents(), fmt.Errorf("service: %w", socket.ErrClosed)
			}
			h.held = &dg
		case <-h.clock.After(wait):
		}
	}
}

func (h *Host) takeEvents() *EventQueue {
	q := &EventQueue{events: h.pending}
	h.pending = nil
	return q
}

// Flush sends everything queued without processing incoming traffic.
func (h *Host) Flush() error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	h.now = h.clock.Now()
	h.flush()
	return nil
}

// Broadcast queues the same packet to every connected peer. A peer that
// cannot take it does not affect the others.
func (h *Host) Broadcast(channel uint8, data []byte, flags PacketFlag) error {
	return h.BroadcastPacket(channel, NewPacket(data, flags))
}

// BroadcastPacket is Broadcast with a prepared packet.
func (h *Host) BroadcastPacket(channel uint8, packet *Packet) error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	if packet.Len() > MaxPacketSize {
		return fmt.Errorf("%w: packet of %d bytes exceeds %d", ErrSendFailure, packet.Len(), MaxPacketSize)
	}
	for _, p := range h.peers {
		if p == nil || p.state != StateConnected {
			continue
		}
		if err := p.SendPacket(channel, packet); err != nil {
			h.logger.Debug("broadcast skipped peer", "peer", p.id, "error", err)
		}
	}
	return nil
}

// SetBandwidthLimit changes the host's bandwidth limits in bytes per
// second, zero meaning unlimited, and announces them to every connected
// peer.
func (h *Host) SetBandwidthLimit(incoming, outgoing uint32) error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	h.cfg.IncomingBandwidth = incoming
	h.cfg.OutgoingBandwidth = outgoing
	h.limiter = newLimiter(outgoing, h.cfg.MTU)

	for _, p := range h.peers {
		if p == nil || p.state != StateConnected {
			continue
		}
		p.windowSize = windowFor(incoming, p.outgoingBandwidth)
		p.queueControl(command{
			Kind:              cmdBandwidthLimit,
			IncomingBandwidth: incoming,
			OutgoingBandwidth: outgoing,
		})
	}
	return nil
}

// Destroy resets every peer without notifying the remotes and closes
// the socket.
func (h *Host) Destroy() error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	for _, p := range h.peers {
		if p != nil {
			h.release(p, StateZombie)
		}
	}
	h.destroyed = true
	h.pending = nil
	releaseHost()
	h.logger.Debug("host destroyed", "addr", h.sock.LocalAddr())
	return h.sock.Close()
}

// timestamp is the low 16 bits of the host's millisecond clock.
func (h *Host) timestamp(t time.Time) uint16 {
	return uint16(t.Sub(h.epoch) / time.Millisecond)
}
