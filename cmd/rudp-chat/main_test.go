package main

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/go-rudp"
	"github.com/opd-ai/go-rudp/clock"
	"github.com/opd-ai/go-rudp/internal/codec"
	"github.com/opd-ai/go-rudp/memnet"
)

func TestRelayKeepsDeliveryClass(t *testing.T) {
	if err := rudp.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { rudp.Deinitialize() })

	network := memnet.New(1)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.DiscardHandler)
	newHost := func() *rudp.Host {
		endpoint, err := network.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
		h, err := rudp.CreateHost(rudp.Config{}, rudp.WithSocket(endpoint), rudp.WithClock(clk), rudp.WithLogger(logger))
		if err != nil {
			t.Fatalf("CreateHost: %v", err)
		}
		t.Cleanup(func() { h.Destroy() })
		return h
	}
	server := newHost()
	client := newHost()

	relay := &chat{host: server, logger: logger}
	sender := &chat{host: client, logger: logger, opts: options{name: "alice", unreliable: true}}

	var received []rudp.Event
	pump := func() {
		for i := 0; i < 4; i++ {
			for _, h := range []*rudp.Host{server, client} {
				events, err := h.Service(0)
				if err != nil {
					t.Fatalf("Service: %v", err)
				}
				for e := range events.All() {
					if e.Type != rudp.EventReceive {
						continue
					}
					if h == server {
						relay.relay(e)
					} else {
						received = append(received, e)
					}
				}
			}
		}
	}

	peer, err := client.ConnectAddr(server.LocalAddr(), 1, 0)
	if err != nil {
		t.Fatalf("ConnectAddr: %v", err)
	}
	pump()
	if peer.State() != rudp.StateConnected {
		t.Fatalf("client state = %s", peer.State())
	}
	sender.server = peer

	sender.send(codec.KindText, "hi", sender.flags())
	pump()

	if len(received) != 1 {
		t.Fatalf("client received %d relayed messages, want 1", len(received))
	}
	if received[0].Flags != rudp.Unreliable {
		t.Errorf("relayed with %s, want unreliable", received[0].Flags)
	}
	message, err := codec.Decode(received[0].Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if message.Kind != codec.KindText || message.From != "alice" || message.Text != "hi" {
		t.Errorf("relayed message = %+v", message)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		message codec.Message
		want    string
	}{
		{codec.Message{Kind: codec.KindHello, From: "alice"}, "* alice joined"},
		{codec.Message{Kind: codec.KindText, From: "alice", Text: "hi"}, "alice: hi"},
		{codec.Message{Kind: codec.KindBye, From: "bob"}, "* bob left"},
	}
	for _, tt := range tests {
		if got := describe(tt.message); got != tt.want {
			t.Errorf("describe(%+v) = %q, want %q", tt.message, got, tt.want)
		}
	}
}
