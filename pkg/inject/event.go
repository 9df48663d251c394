package inject

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned by sinks that cannot currently deliver events
var ErrUnavailable = errors.New("input sink unavailable")

// Action is the phase of a touch or key event
type Action int

const (
	ActionDown Action = iota
	ActionMove
	ActionUp
)

func (a Action) String() string {
	switch a {
	case ActionDown:
		return "DOWN"
	case ActionMove:
		return "MOVE"
	case ActionUp:
		return "UP"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Event is one primitive input event handed to a Sink.
// Exactly one of Motion or Key is set.
type Event struct {
	Motion *MotionEvent
	Key    *KeyEvent
}

// MotionEvent is a single-pointer touch event in screen pixels
type MotionEvent struct {
	Action Action
	X, Y   float64
}

// KeyEvent is a key press phase. Shift asks for the shifted symbol of Code.
type KeyEvent struct {
	Action Action
	Code   int
	Shift  bool
}

func (e Event) String() string {
	switch {
	case e.Motion != nil:
		return fmt.Sprintf("motion %s (%.0f,%.0f)", e.Motion.Action, e.Motion.X, e.Motion.Y)
	case e.Key != nil:
		return fmt.Sprintf("key %s %d shift=%v", e.Key.Action, e.Key.Code, e.Key.Shift)
	default:
		return "empty event"
	}
}

// Sink delivers events across the privilege boundary. Inject returns an
// error when the event was rejected or could not be delivered.
type Sink interface {
	Inject(ev Event) error
	Available() bool
	Close() error
}
