package rudp

import (
	"fmt"
	"iter"
)

// EventType tags an Event.
type EventType int

const (
	EventNone EventType = iota
	// EventConnect: a connection completed its handshake.
	EventConnect
	// EventReceive: a packet was delivered.
	EventReceive
	// EventDisconnect: a connection ended. Event.Reason says why.
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one outcome of a Service call.
type Event struct {
	Type EventType
	Peer *Peer

	// Channel and Data are set for EventReceive. Data is owned by the
	// caller.
	Channel uint8
	Data    []byte
	Flags   PacketFlag

	// Err is non-nil on a Receive event whose payload could not be
	// decoded. Data is nil in that case.
	Err error

	// Reason is set for EventDisconnect.
	Reason DisconnectReason

	// Data32 is the word the remote attached to its connect or
	// disconnect request.
	Data32 uint32
}

func (e Event) String() string {
	switch e.Type {
	case EventReceive:
		return fmt.Sprintf("receive peer=%d channel=%d len=%d", e.Peer.ID(), e.Channel, len(e.Data))
	case EventDisconnect:
		return fmt.Sprintf("disconnect peer=%d reason=%s", e.Peer.ID(), e.Reason)
	case EventConnect:
		return fmt.Sprintf("connect peer=%d", e.Peer.ID())
	default:
		return e.Type.String()
	}
}

// EventQueue is the ordered result of one Service call. It is consumed
// by Next or ranged over with All; events are not kept across calls.
type EventQueue struct {
	events []Event
	next   int
}

// Len returns the number of unconsumed events.
func (q *EventQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.events) - q.next
}

// Next pops the oldest event.
func (q *EventQueue) Next() (Event, bool) {
	if q.Len() == 0 {
		return Event{}, false
	}
	e := q.events[q.next]
	q.events[q.next] = Event{}
	q.next++
	return e, true
}

// All yields the remaining events in order, consuming them.
func (q *EventQueue) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, ok := q.Next()
			if !ok || !yield(e) {
				return
			}
		}
	}
}
