package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
// On Linux ReadBatch maps to recvmmsg; elsewhere it reads one datagram
// per call.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// UDP is a Socket bound to a UDP port.
type UDP struct {
	conn     *net.UDPConn
	local    netip.AddrPort
	reader   batchReader
	batch    int
	incoming chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

var _ Socket = (*UDP)(nil)

// ListenUDP binds address ("ip:port", or "" for an ephemeral port on
// all interfaces) and starts the reader goroutine.
func ListenUDP(address string, opts Options) (*UDP, error) {
	lc := net.ListenConfig{Control: control(opts)}
	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("socket: unexpected packet conn %T", pc)
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	queue := opts.QueueLength
	if queue <= 0 {
		queue = DefaultQueueLength
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	s := &UDP{
		conn:     conn,
		local:    netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		batch:    batch,
		incoming: make(chan Datagram, queue),
		done:     make(chan struct{}),
	}
	if local.Addr().Is4() {
		s.reader = ipv4.NewPacketConn(conn)
	} else {
		s.reader = ipv6.NewPacketConn(conn)
	}

	go s.readLoop()
	return s, nil
}

// WriteTo implements Socket.
func (s *UDP) WriteTo(b []byte, addr netip.AddrPort) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Incoming implements Socket.
func (s *UDP) Incoming() <-chan Datagram { return s.incoming }

// LocalAddr implements Socket.
func (s *UDP) LocalAddr() netip.AddrPort { return s.local }

// Close implements Socket.
func (s *UDP) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *UDP) readLoop() {
	defer close(s.incoming)

	messages := make([]ipv4.Message, s.batch)
	for i := range messages {
		messages[i].Buffers = [][]byte{make([]byte, MaxDatagramSize)}
	}

	for {
		n, err := s.reader.ReadBatch(messages, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			// ICMP port-unreachable surfaces here on Linux as
			// ECONNREFUSED; the protocol treats it as loss.
			continue
		}

		for i := 0; i < n; i++ {
			udpAddr, ok := messages[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			from := udpAddr.AddrPort()
			data := make([]byte, messages[i].N)
			copy(data, messages[i].Buffers[0][:messages[i].N])

			select {
			case s.incoming <- Datagram{
				Addr: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
				Data: data,
			}:
			case <-s.done:
				return
			}
		}
	}
}
