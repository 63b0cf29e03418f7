package socket

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func receive(t *testing.T, s Socket) Datagram {
	t.Helper()
	select {
	case dg, ok := <-s.Incoming():
		if !ok {
			t.Fatal("incoming channel closed")
		}
		return dg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
	panic("unreachable")
}

func TestUDPRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", Options{ReceiveBuffer: 256 * 1024, SendBuffer: 256 * 1024})
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	defer b.Close()

	payload := []byte("datagram")
	if err := a.WriteTo(payload, b.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	dg := receive(t, b)
	if !bytes.Equal(dg.Data, payload) {
		t.Errorf("data = %q, want %q", dg.Data, payload)
	}
	if dg.Addr != a.LocalAddr() {
		t.Errorf("from = %v, want %v", dg.Addr, a.LocalAddr())
	}
}

func TestUDPBatchDrain(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", Options{BatchSize: 4})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer b.Close()

	for i := 0; i < 10; i++ {
		if err := a.WriteTo([]byte{byte(i)}, b.LocalAddr()); err != nil {
			t.Fatalf("WriteTo %d: %v", i, err)
		}
	}
	seen := make(map[byte]bool)
	for len(seen) < 10 {
		dg := receive(t, b)
		seen[dg.Data[0]] = true
	}
}

func TestUDPClose(t *testing.T) {
	s, err := ListenUDP("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.WriteTo([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteTo after Close = %v, want ErrClosed", err)
	}
	select {
	case _, ok := <-s.Incoming():
		if ok {
			t.Error("unexpected datagram after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("incoming channel not closed after Close")
	}
}

func TestUDPBindConflict(t *testing.T) {
	s, err := ListenUDP("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer s.Close()
	if _, err := ListenUDP(s.LocalAddr().String(), Options{}); err == nil {
		t.Fatal("binding an occupied port should fail")
	}
}
