package rudp

import (
	"bytes"
	"errors"
	"testing"
)

func TestSeqWindowAccept(t *testing.T) {
	var w seqWindow
	steps := []struct {
		seq  uint16
		want bool
	}{
		{10, true},
		{10, false},
		{12, true},
		{11, true},
		{11, false},
		{9, true},
		{64524, false}, // 12 - seqWindowSize, out of the window
		{3000, true},
		{12, false},
		{2999, true},
	}
	for i, s := range steps {
		if got := w.accept(s.seq); got != s.want {
			t.Errorf("step %d: accept(%d) = %v, want %v", i, s.seq, got, s.want)
		}
	}
}

func TestSeqWindowWraps(t *testing.T) {
	var w seqWindow
	for seq := uint16(65000); seq != 500; seq++ {
		if !w.accept(seq) {
			t.Fatalf("accept(%d) rejected a new number", seq)
		}
	}
	for _, seq := range []uint16{65535, 0, 499} {
		if w.accept(seq) {
			t.Errorf("accept(%d) took a duplicate across the wrap", seq)
		}
	}
}

func reliableCmd(seq uint16, payload string) *command {
	return &command{Kind: cmdSendReliable, Flags: flagAcknowledge, ReliableSeq: seq, Payload: []byte(payload)}
}

func collect(ch *Channel) []string {
	var out []string
	ch.release(func(payload []byte, _ bool) { out = append(out, string(payload)) })
	return out
}

func TestChannelReleasesInOrder(t *testing.T) {
	ch := newChannel(0)
	for _, seq := range []uint16{3, 2} {
		if v := ch.classify(seq); v != seqNew {
			t.Fatalf("classify(%d) = %d", seq, v)
		}
		ch.storeReliable(reliableCmd(seq, string(rune('a'+seq-1))))
		if got := collect(ch); len(got) != 0 {
			t.Fatalf("released %v before seq 1", got)
		}
	}
	if ch.classify(3) != seqDuplicate {
		t.Error("buffered seq not reported as duplicate")
	}
	if ch.Buffered() != 2 {
		t.Errorf("Buffered = %d, want 2", ch.Buffered())
	}

	ch.storeReliable(reliableCmd(1, "a"))
	if got := collect(ch); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("released %v, want [a b c]", got)
	}
	if ch.classify(2) != seqDuplicate {
		t.Error("delivered seq not reported as duplicate")
	}
	if ch.classify(3+reliableWindowSize+1) != seqAhead {
		t.Error("far future seq not rejected")
	}
}

func TestChannelSequenceWraps(t *testing.T) {
	ch := newChannel(0)
	ch.incomingReliableSeq = 65534
	for _, seq := range []uint16{1, 0, 65535} {
		ch.storeReliable(reliableCmd(seq, "x"))
	}
	if got := collect(ch); len(got) != 3 {
		t.Fatalf("released %d across the wrap, want 3", len(got))
	}
	if ch.incomingReliableSeq != 1 {
		t.Errorf("cursor = %d, want 1", ch.incomingReliableSeq)
	}
}

func fragments(start uint16, payload []byte, size int) []*command {
	count := (len(payload) + size - 1) / size
	var out []*command
	for i := 0; i < count; i++ {
		offset := i * size
		end := min(offset+size, len(payload))
		out = append(out, &command{
			Kind:           cmdSendFragment,
			Flags:          flagAcknowledge,
			ReliableSeq:    start + uint16(i),
			StartSeq:       start,
			FragmentCount:  uint32(count),
			FragmentNumber: uint32(i),
			TotalLength:    uint32(len(payload)),
			FragmentOffset: uint32(offset),
			Payload:        payload[offset:end],
		})
	}
	return out
}

func TestChannelReassemblesFragments(t *testing.T) {
	ch := newChannel(1)
	payload := bytes.Repeat([]byte("0123456789"), 50)
	frags := fragments(1, payload, 64)

	// Deliver in reverse with a duplicate in the middle.
	for i := len(frags) - 1; i >= 0; i-- {
		added, err := ch.storeFragment(frags[i])
		if err != nil || !added {
			t.Fatalf("fragment %d: added=%v err=%v", i, added, err)
		}
		if i == 4 {
			if added, _ := ch.storeFragment(frags[i]); added {
				t.Error("duplicate fragment accepted")
			}
		}
		if i > 0 {
			if got := collect(ch); len(got) != 0 {
				t.Fatal("released an incomplete packet")
			}
		}
	}
	got := collect(ch)
	if len(got) != 1 || got[0] != string(payload) {
		t.Fatalf("released %d packets", len(got))
	}
	if want := uint16(len(frags)); ch.incomingReliableSeq != want {
		t.Errorf("cursor = %d, want %d", ch.incomingReliableSeq, want)
	}
}

func TestChannelRejectsInconsistentFragments(t *testing.T) {
	base := fragments(1, make([]byte, 300), 100)
	tests := []struct {
		name   string
		mutate func(c *command)
	}{
		{"zero count", func(c *command) { c.FragmentCount = 0 }},
		{"number past count", func(c *command) { c.FragmentNumber = c.FragmentCount }},
		{"overruns total", func(c *command) { c.FragmentOffset = c.TotalLength - 10 }},
		{"seq mismatch", func(c *command) { c.ReliableSeq = c.StartSeq + 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base[1]
			tt.mutate(&c)
			if _, err := newChannel(0).storeFragment(&c); !errors.Is(err, ErrMalformed) {
				t.Errorf("storeFragment = %v, want ErrMalformed", err)
			}
		})
	}

	// A later fragment that disagrees with the buffered packet.
	ch := newChannel(0)
	if _, err := ch.storeFragment(base[0]); err != nil {
		t.Fatal(err)
	}
	other := *base[1]
	other.TotalLength = 400
	if _, err := ch.storeFragment(&other); !errors.Is(err, ErrMalformed) {
		t.Errorf("mismatched fragment = %v, want ErrMalformed", err)
	}
}

func TestChannelReset(t *testing.T) {
	ch := newChannel(0)
	ch.nextReliableSeq()
	ch.nextUnreliableSeq()
	ch.storeReliable(reliableCmd(2, "x"))
	ch.unreliable.accept(5)
	ch.reset()

	if ch.outgoingReliableSeq != 0 || ch.outgoingUnreliableSeq != 0 || ch.Buffered() != 0 {
		t.Errorf("reset left state behind: %+v", ch)
	}
	if !ch.unreliable.accept(5) {
		t.Error("unreliable window not cleared")
	}
}

func TestChannelPlacesFragmentsByPacketStart(t *testing.T) {
	ch := newChannel(0)
	late := &command{
		Kind:           cmdSendFragment,
		Flags:          flagAcknowledge,
		ReliableSeq:    1 + 6000,
		StartSeq:       1,
		FragmentCount:  6001,
		FragmentNumber: 6000,
		TotalLength:    6001,
		FragmentOffset: 6000,
		Payload:        []byte{1},
	}
	if v := ch.classify(late.ReliableSeq); v != seqAhead {
		t.Fatalf("fragment sequence %d classified %d, want outside the window", late.ReliableSeq, v)
	}
	if v := ch.classify(windowSeq(late)); v != seqNew {
		t.Fatalf("packet start classified %d, want new", v)
	}
	if added, err := ch.storeFragment(late); err != nil || !added {
		t.Fatalf("storeFragment: added=%v err=%v", added, err)
	}

	// Once a packet of the largest size is delivered, its first
	// fragment still reads as a duplicate.
	ch.incomingReliableSeq = 1 + maxFragmentCount - 1 + reliableWindowSize
	if v := ch.classify(windowSeq(late)); v != seqDuplicate {
		t.Errorf("stale fragment classified %d, want duplicate", v)
	}
}
