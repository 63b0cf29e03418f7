package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	original := Message{
		Kind: KindText,
		From: "alice",
		Text: "hello over rudp",
		Sent: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Kind != original.Kind || decoded.From != original.From ||
		decoded.Text != original.Text || !decoded.Sent.Equal(original.Sent) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	message := Message{Kind: KindHello, From: "bob", Sent: time.Unix(1700000000, 0).UTC()}

	first, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Encode(message)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs: %x vs %x", i, again, first)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		message any
	}{
		{"unknown kind", Message{Kind: "shout", From: "carol"}},
		{"missing sender", Message{Kind: KindText, Text: "anonymous"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := Marshal(test.message)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if _, err := Decode(data); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Decode error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Fatal("Decode accepted garbage")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Encode(Message{Kind: KindBye, From: "dave"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(text, `"dave"`) {
		t.Errorf("Diagnose = %s, want sender in output", text)
	}
}
