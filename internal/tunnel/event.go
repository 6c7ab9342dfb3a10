package tunnel

import "sync/atomic"

// EventKind identifies a tunnel lifecycle or data event.
type EventKind int

const (
	// EventConnect fires once the target is reachable.
	EventConnect EventKind = iota + 1
	// EventData carries one chunk received from the target.
	EventData
	// EventError reports a connect or I/O failure. EventClose always follows.
	EventError
	// EventClose fires exactly once when the tunnel is finished.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Handler receives tunnel events. Handlers run on the tunnel's I/O
// goroutine in event order and must not block.
type Handler func(Event)

// Subscription is a handle returned by Subscribe. Releasing it with
// Unsubscribe stops delivery; it is safe to call more than once and after
// the tunnel is gone.
type Subscription struct {
	t      *Tunnel
	fn     Handler
	active atomic.Bool
}

// Unsubscribe stops event delivery to this subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.Swap(false) {
		return
	}
	s.t.removeSubscription(s)
}

func (s *Subscription) deliver(ev Event) {
	if s.active.Load() {
		s.fn(ev)
	}
}
