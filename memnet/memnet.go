// Package memnet is an in-process datagram network for tests.
//
// Endpoints implement socket.Socket. WriteTo delivers synchronously into
// the destination's Incoming queue, so a test that flushes one Host and
// then polls another observes the datagram without racing a reader
// goroutine. Links between endpoints can drop, duplicate or hold back
// traffic, either probabilistically from a seeded source or exactly
// through DropNext and Hold.
package memnet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"

	"github.com/opd-ai/go-rudp/socket"
)

// ErrAddressInUse is returned by Listen for an occupied address.
var ErrAddressInUse = errors.New("memnet: address in use")

// LinkConfig describes impairments on the one-way link between two
// endpoints.
type LinkConfig struct {
	// Loss is the probability in [0,1] that a datagram is dropped.
	Loss float64
	// Duplicate is the probability in [0,1] that a delivered datagram
	// is delivered twice.
	Duplicate float64
}

type linkKey struct {
	from, to netip.AddrPort
}

type link struct {
	config   LinkConfig
	dropNext int
	holding  bool
	held     [][]byte
}

// Stats counts what the network did with datagrams.
type Stats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
}

// Network connects Endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*Endpoint
	links     map[linkKey]*link
	rng       *rand.Rand
	nextPort  uint16
	queue     int
	stats     Stats
}

// New returns an empty network whose random impairments are drawn from
// a PCG source seeded with seed.
func New(seed uint64) *Network {
	return &Network{
		endpoints: make(map[netip.AddrPort]*Endpoint),
		links:     make(map[linkKey]*link),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		nextPort:  40000,
		queue:     socket.DefaultQueueLength,
	}
}

// Listen creates an endpoint at addr. A zero port is replaced with the
// next free port.
func (n *Network) Listen(addr netip.AddrPort) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr.Port() == 0 {
		for {
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			n.nextPort++
			if _, taken := n.endpoints[candidate]; !taken {
				addr = candidate
				break
			}
		}
	}
	if _, taken := n.endpoints[addr]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}

	e := &Endpoint{
		network:  n,
		addr:     addr,
		incoming: make(chan socket.Datagram, n.queue),
	}
	n.endpoints[addr] = e
	return e, nil
}

// SetLink configures impairments from one address to another.
func (n *Network) SetLink(from, to netip.AddrPort, config LinkConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linkLocked(from, to).config = config
}

// DropNext drops the next count datagrams sent from one address to
// another.
func (n *Network) DropNext(from, to netip.AddrPort, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linkLocked(from, to).dropNext += count
}

// Hold buffers datagrams on a link instead of delivering them until
// Release is called.
func (n *Network) Hold(from, to netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linkLocked(from, to).holding = true
}

// Release stops holding a link and delivers what was buffered. When
// reverse is true the buffered datagrams arrive newest first.
func (n *Network) Release(from, to netip.AddrPort, reverse bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := n.linkLocked(from, to)
	held := l.held
	l.held = nil
	l.holding = false
	if reverse {
		slices.Reverse(held)
	}
	for _, data := range held {
		n.deliverLocked(from, to, data)
	}
}

// Stats returns a snapshot of delivery counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Network) linkLocked(from, to netip.AddrPort) *link {
	key := linkKey{from: from, to: to}
	l, ok := n.links[key]
	if !ok {
		l = &link{}
		n.links[key] = l
	}
	return l
}

func (n *Network) send(from, to netip.AddrPort, b []byte) {
	data := slices.Clone(b)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.Sent++

	l := n.links[linkKey{from: from, to: to}]
	if l != nil {
		if l.dropNext > 0 {
			l.dropNext--
			n.stats.Dropped++
			return
		}
		if l.config.Loss > 0 && n.rng.Float64() < l.config.Loss {
			n.stats.Dropped++
			return
		}
		if l.holding {
			l.held = append(l.held, data)
			return
		}
	}

	n.deliverLocked(from, to, data)
	if l != nil && l.config.Duplicate > 0 && n.rng.Float64() < l.config.Duplicate {
		n.stats.Duplicated++
		n.deliverLocked(from, to, slices.Clone(data))
	}
}

func (n *Network) deliverLocked(from, to netip.AddrPort, data []byte) {
	dst, ok := n.endpoints[to]
	if !ok || dst.closed {
		n.stats.Dropped++
		return
	}
	select {
	case dst.incoming <- socket.Datagram{Addr: from, Data: data}:
		n.stats.Delivered++
	default:
		n.stats.Dropped++
	}
}

func (n *Network) remove(e *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	delete(n.endpoints, e.addr)
	close(e.incoming)
}

// Endpoint is a socket.Socket attached to a Network.
type Endpoint struct {
	network  *Network
	addr     netip.AddrPort
	incoming chan socket.Datagram
	closed   bool // guarded by network.mu
}

var _ socket.Socket = (*Endpoint)(nil)

// WriteTo implements socket.Socket.
func (e *Endpoint) WriteTo(b []byte, addr netip.AddrPort) error {
	e.network.mu.Lock()
	closed := e.closed
	e.network.mu.Unlock()
	if closed {
		return socket.ErrClosed
	}
	e.network.send(e.addr, addr, b)
	return nil
}

// Incoming implements socket.Socket.
func (e *Endpoint) Incoming() <-chan socket.Datagram { return e.incoming }

// LocalAddr implements socket.Socket.
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.addr }

// Close implements socket.Socket.
func (e *Endpoint) Close() error {
	e.network.remove(e)
	return nil
}
