// Package status defines the lifecycle states of indexes and downloadable items.
//
// Both enumerations are closed: the zero value is the first state, unknown
// strings are rejected on parse, and every edge of the state machine goes
// through a transition function so that forward progression and retry edges
// can be checked exhaustively.
package status

import (
	"errors"
	"fmt"
)

// Event drives a transition of either state machine.
type Event uint8

const (
	// EventStart enters the next in-progress state.
	EventStart Event = iota
	// EventSucceed completes an in-progress state.
	EventSucceed
	// EventFail moves an in-progress state to its error branch.
	EventFail
	// EventRetry re-enters the in-progress state preceding an error.
	EventRetry
	// EventRefresh invalidates an available resource and restarts acquisition.
	EventRefresh
)

var eventNames = [...]string{
	EventStart:   "start",
	EventSucceed: "succeed",
	EventFail:    "fail",
	EventRetry:   "retry",
	EventRefresh: "refresh",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// ParseEvent parses the string form of an Event.
func ParseEvent(s string) (Event, error) {
	for i, name := range eventNames {
		if name == s {
			return Event(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", s)
}

// ErrInvalidTransition is returned when an event does not apply to a state.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  string
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s to %s", e.Event, e.From)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
