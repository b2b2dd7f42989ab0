package dtls_bridge

import (
	"fmt"

	"go.uber.org/zap"
)

type EventKind int

const (
	EventSendTimeout EventKind = iota + 1
	EventRecvTimeout
	// EventFatal is a terminal error of the client workers or the accepter.
	EventFatal
	EventConnFatal
	// EventPeerClosed replaces EventFatal/EventConnFatal when the worker
	// ended because the peer closed the connection.
	EventPeerClosed
	EventConnClosed
	EventListenerClosed
	// EventClosed is reported once the client's workers are both reaped.
	EventClosed
)

var eventKindNames = map[EventKind]string{
	EventSendTimeout:    "send_timeout",
	EventRecvTimeout:    "recv_timeout",
	EventFatal:          "fatal",
	EventConnFatal:      "conn_fatal",
	EventPeerClosed:     "peer_closed",
	EventConnClosed:     "conn_closed",
	EventListenerClosed: "listener_closed",
	EventClosed:         "closed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a user visible report produced by ClientEvents and ServerEvents.
// Index is 0 for events that do not belong to a server connection.
type Event struct {
	Kind  EventKind
	Index ConnIndex
	Bytes []byte
	Err   error
}

func timeoutEvent(t Timeout) Event {
	kind := EventSendTimeout
	if t.Kind == RecvTimeout {
		kind = EventRecvTimeout
	}
	return Event{Kind: kind, Index: t.Index, Bytes: t.Bytes}
}

func workerEvents(events []Event, index ConnIndex, fatal EventKind, outcomes ...Outcome) []Event {
	for _, o := range outcomes {
		if !o.Failed() {
			continue
		}
		kind := fatal
		if IsPeerClosed(o.Err) {
			kind = EventPeerClosed
		}
		events = append(events, Event{Kind: kind, Index: index, Err: o.Err})
	}
	return events
}

// ClientEvents drains the client's timeouts and reaps its workers. Call it
// once per frame. Errors are reported before the closed event they caused.
func ClientEvents(c *Client) []Event {
	var events []Event
	for {
		t, ok := c.TimeoutCheck()
		if !ok {
			break
		}
		events = append(events, timeoutEvent(t))
	}

	h := c.HealthCheck()
	events = workerEvents(events, 0, EventFatal, h.Sender, h.Recver)
	if h.Closed {
		events = append(events, Event{Kind: EventClosed})
	}
	return events
}

// ServerEvents is the server counterpart of ClientEvents.
func ServerEvents(s *Server) []Event {
	var events []Event
	for {
		t, ok := s.TimeoutCheck()
		if !ok {
			break
		}
		events = append(events, timeoutEvent(t))
	}

	h := s.HealthCheck()
	if h.Listener.Finished {
		if h.Listener.Err != nil {
			events = append(events, Event{Kind: EventFatal, Err: h.Listener.Err})
		}
		events = append(events, Event{Kind: EventListenerClosed})
	}
	for _, c := range h.Conns {
		events = workerEvents(events, c.Index, EventConnFatal, c.Sender, c.Recver)
		if c.Closed {
			events = append(events, Event{Kind: EventConnClosed, Index: c.Index})
		}
	}
	return events
}

// AcceptPending starts every admitted peer that is waiting in the accept
// queue. Peers that cannot be started are reported as EventConnFatal.
func AcceptPending(s *Server) []Event {
	if s.IsClosed() {
		return nil
	}

	var events []Event
	for {
		index, ok := s.Acpt()
		if !ok {
			return events
		}

		if err := s.StartConn(index); err != nil {
			events = append(events, Event{
				Kind:  EventConnFatal,
				Index: index,
				Err:   fmt.Errorf("conn %d could not be started: %w", index, err),
			})
			continue
		}

		logger.Debug("conn started by accept pending",
			zap.String("server_id", s.ID()),
			zap.Stringer("conn", index))
	}
}
