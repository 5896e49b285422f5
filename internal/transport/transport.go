package transport

import (
	"github.com/rs/zerolog"

	"mintsync/internal/jsonrpc"
)

// EventType is the kind of event a transport emits for an endpoint
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is delivered to listeners. Message events carry a raw JSON-RPC frame.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Listener receives transport events.
// Listeners are compared by identity, so implementations must be comparable
// (usually a pointer). Registering the same listener twice is a no-op.
type Listener interface {
	HandleEvent(endpoint string, ev Event)
}

// Transport carries subscription traffic for any number of endpoints.
// Both implementations emit identical event shapes, so consumers never need
// to know which one they are attached to.
type Transport interface {
	// On registers a listener for one event type of an endpoint
	On(endpoint string, typ EventType, l Listener)
	// Off removes a listener
	Off(endpoint string, typ EventType, l Listener)
	// Send delivers a request eventually. It never blocks on the network.
	Send(endpoint string, req *jsonrpc.Request)
	// CloseAll releases every connection, scheduler and listener
	CloseAll()
	// Pause suspends outbound activity, keeping listeners
	Pause()
	// Resume restarts outbound activity for endpoints that still have listeners
	Resume()
}

type listenerSet struct {
	byType map[EventType][]Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{byType: make(map[EventType][]Listener)}
}

func (s *listenerSet) add(typ EventType, l Listener) bool {
	for _, existing := range s.byType[typ] {
		if existing == l {
			return false
		}
	}
	s.byType[typ] = append(s.byType[typ], l)
	return true
}

func (s *listenerSet) remove(typ EventType, l Listener) bool {
	list := s.byType[typ]
	for i, existing := range list {
		if existing == l {
			s.byType[typ] = append(list[:i:i], list[i+1:]...)
			if len(s.byType[typ]) == 0 {
				delete(s.byType, typ)
			}
			return true
		}
	}
	return false
}

// get returns a copy, safe to iterate without the owner's lock
func (s *listenerSet) get(typ EventType) []Listener {
	list := s.byType[typ]
	if len(list) == 0 {
		return nil
	}
	out := make([]Listener, len(list))
	copy(out, list)
	return out
}

func (s *listenerSet) has(typ EventType) bool {
	return len(s.byType[typ]) > 0
}

func (s *listenerSet) empty() bool {
	return len(s.byType) == 0
}

// dispatch invokes listeners one by one; a panicking listener is logged and skipped
func dispatch(logger zerolog.Logger, endpoint string, listeners []Listener, ev Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("endpoint", endpoint).
						Str("event", ev.Type.String()).
						Interface("panic", r).
						Msg("listener panicked")
				}
			}()
			l.HandleEvent(endpoint, ev)
		}()
	}
}
