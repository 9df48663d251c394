package grabber

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadyStarted is returned when Run is called twice on one session
var ErrAlreadyStarted = errors.New("session already started")

// Page is the classification of the screen currently shown
type Page int

const (
	PageUnknown Page = iota
	PageCaptcha
	PageNetworkError
	PageSelection
	PageOrder
	PagePayment
)

func (p Page) String() string {
	switch p {
	case PageCaptcha:
		return "captcha"
	case PageNetworkError:
		return "network_error"
	case PageSelection:
		return "selection"
	case PageOrder:
		return "order"
	case PagePayment:
		return "payment"
	default:
		return "unknown"
	}
}

// State is the step the loop is executing. Detect is entered before every
// classification; the other states mirror the page being handled.
type State int

const (
	StateDetect State = iota
	StateCaptcha
	StateNetworkError
	StateSelection
	StateOrder
	StatePayment
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDetect:
		return "DETECT"
	case StateCaptcha:
		return "CAPTCHA"
	case StateNetworkError:
		return "NETWORK_ERROR"
	case StateSelection:
		return "SELECTION"
	case StateOrder:
		return "ORDER"
	case StatePayment:
		return "PAYMENT"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func stateFor(p Page) State {
	switch p {
	case PageCaptcha:
		return StateCaptcha
	case PageNetworkError:
		return StateNetworkError
	case PageSelection:
		return StateSelection
	case PageOrder:
		return StateOrder
	case PagePayment:
		return StatePayment
	default:
		return StateDetect
	}
}

// Outcome is how a session ended
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeStopped   Outcome = "stopped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeHandedOff Outcome = "handed_off"
	OutcomeError     Outcome = "error"
)

// Signal is a user-visible status change
type Signal string

const (
	SignalStarted          Signal = "started"
	SignalStoppedByUser    Signal = "stopped-by-user"
	SignalCompletedSuccess Signal = "completed-success"
	SignalCompletedFailure Signal = "completed-failure"
	SignalError            Signal = "error"
)

// SignalFor maps a final outcome to the status signal reported for it
func SignalFor(o Outcome) Signal {
	switch o {
	case OutcomeStopped:
		return SignalStoppedByUser
	case OutcomeSucceeded:
		return SignalCompletedSuccess
	case OutcomeFailed, OutcomeHandedOff:
		return SignalCompletedFailure
	default:
		return SignalError
	}
}

// StatusEvent is delivered to a Reporter
type StatusEvent struct {
	SessionID string    `json:"sessionId"`
	Signal    Signal    `json:"signal"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Reporter receives status signals. Report must not block for long.
type Reporter interface {
	Report(ev StatusEvent)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ev StatusEvent)

func (f ReporterFunc) Report(ev StatusEvent) { f(ev) }

// Action is one input the session sent to the device
type Action struct {
	SessionID string    `json:"sessionId"`
	Time      time.Time `json:"time"`
	Page      Page      `json:"-"`
	PageName  string    `json:"page"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	OK        bool      `json:"ok"`
}

// Recorder receives every action of a session
type Recorder interface {
	RecordAction(a Action)
}

// Result is returned by Run
type Result struct {
	SessionID string        `json:"sessionId"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Cycles    int           `json:"cycles"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// ChangeFlag is set by tree-change notifications and cleared right before
// an action whose effect is awaited
type ChangeFlag struct {
	v atomic.Bool
}

// Notify marks the tree as changed. It is the onChanged callback.
func (f *ChangeFlag) Notify() { f.v.Store(true) }

// Reset clears the flag
func (f *ChangeFlag) Reset() { f.v.Store(false) }

// Changed reports whether a change arrived since the last Reset
func (f *ChangeFlag) Changed() bool { return f.v.Load() }
