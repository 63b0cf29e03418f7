// Package codec encodes the application messages exchanged by the chat
// demo. The transport carries opaque bytes; the structure of a payload
// is decided here, above it.
//
// Messages are CBOR in core deterministic encoding, so equal messages
// produce equal bytes.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Kind distinguishes chat message types.
type Kind string

const (
	KindHello Kind = "hello"
	KindText  Kind = "text"
	KindBye   Kind = "bye"
)

// Message is one chat line or presence notice.
type Message struct {
	Kind Kind      `cbor:"kind"`
	From string    `cbor:"from"`
	Text string    `cbor:"text,omitempty"`
	Sent time.Time `cbor:"sent"`
}

// ErrInvalidMessage is returned by Decode for a message that parses but
// is not usable.
var ErrInvalidMessage = errors.New("codec: invalid message")

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals a Message.
func Encode(m Message) ([]byte, error) {
	data, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return data, nil
}

// Decode unmarshals and checks a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	switch m.Kind {
	case KindHello, KindText, KindBye:
	default:
		return Message{}, fmt.Errorf("%w: kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.From == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	return m, nil
}

// Diagnose renders CBOR in diagnostic notation for debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
