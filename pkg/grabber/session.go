package grabber

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"Tapline/pkg/uitree"
)

// Injector is the part of the input channel the session drives
type Injector interface {
	Tap(x, y float64) bool
	Drag(x0, y0, x1, y1 float64, d time.Duration) bool
	SendText(text string) bool
	IsAvailable() bool
}

// WindowSource reports the foreground activity as "package/activity"
type WindowSource interface {
	ForegroundActivity() string
}

// invalidator is implemented by tree providers that cache dumps
type invalidator interface {
	Invalidate()
}

// Deps are the collaborators of a session
type Deps struct {
	Tree     uitree.RootProvider
	Window   WindowSource
	Input    Injector
	Changes  *ChangeFlag
	Reporter Reporter
	Recorder Recorder
	Logger   zerolog.Logger
}

// Status is a point-in-time view of a session, safe to read from any goroutine
type Status struct {
	ID         string    `json:"id"`
	Running    bool      `json:"running"`
	State      string    `json:"state"`
	Page       string    `json:"page"`
	Cycles     int       `json:"cycles"`
	Attempts   int       `json:"attempts"`
	DateCursor int       `json:"dateCursor"`
	LastAction string    `json:"lastAction,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	Outcome    Outcome   `json:"outcome,omitempty"`
}

// Session runs the purchase loop once. Create one per run.
//
// All fields except running are owned by the goroutine executing Run.
// Stop may be called from anywhere; it takes effect at the next cycle.
type Session struct {
	id       string
	wf       Workflow
	sel      compiled
	engine   *uitree.Engine
	deps     Deps
	logger   zerolog.Logger
	rng      *rand.Rand
	running  atomic.Bool
	started  atomic.Bool
	page     Page
	state    State
	cursor   int
	attempts int
	cycles   int

	statusMu sync.RWMutex
	status   Status
}

// Option customizes a Session
type Option func(*Session)

// WithRand sets the randomness source for tap points and pauses
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rng = r }
}

// WithID overrides the generated session id
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// NewSession prepares a session. The running flag starts set, so a Stop
// issued before Run makes Run return immediately as stopped.
func NewSession(wf Workflow, deps Deps, opts ...Option) *Session {
	if deps.Changes == nil {
		deps.Changes = &ChangeFlag{}
	}
	s := &Session{
		id:     uuid.New().String(),
		wf:     wf,
		sel:    compile(wf),
		engine: uitree.NewEngine(deps.Tree),
		deps:   deps,
		logger: deps.Logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session", s.id).Logger()
	s.running.Store(true)
	s.status = Status{ID: s.id, Running: true, State: StateDetect.String(), Page: PageUnknown.String()}
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Stop asks the loop to exit at the next cycle boundary
func (s *Session) Stop() {
	if s.running.CompareAndSwap(true, false) {
		s.logger.Info().Msg("Stop requested")
	}
}

// Running reports whether the loop has not been told to stop
func (s *Session) Running() bool { return s.running.Load() }

// Status returns a copy of the current progress
func (s *Session) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	st.Running = s.running.Load() && st.Outcome == OutcomeNone
	return st
}

func (s *Session) updateStatus(fn func(st *Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	fn(&s.status)
}

// Changes returns the change flag the tree provider should notify
func (s *Session) Changes() *ChangeFlag { return s.deps.Changes }

func (s *Session) report(signal Signal, outcome Outcome, msg string) {
	if s.deps.Reporter == nil {
		return
	}
	s.deps.Reporter.Report(StatusEvent{
		SessionID: s.id,
		Signal:    signal,
		Outcome:   outcome,
		Message:   msg,
		Time:      time.Now(),
	})
}

// Run executes the loop until a terminal page is reached, the session is
// stopped, or ctx is cancelled (treated as a stop). It blocks.
func (s *Session) Run(ctx context.Context) (res Result) {
	if !s.started.CompareAndSwap(false, true) {
		return Result{SessionID: s.id, Outcome: OutcomeError, Err: ErrAlreadyStarted}
	}

	start := time.Now()
	s.updateStatus(func(st *Status) { st.StartedAt = start })

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Session loop panicked")
			res = Result{Outcome: OutcomeError, Reason: fmt.Sprint(r), Err: fmt.Errorf("session panic: %v", r)}
		}
		res.SessionID = s.id
		res.Cycles = s.cycles
		res.Attempts = s.attempts
		res.Duration = time.Since(start)
		s.finish(res)
	}()

	s.logger.Info().Msg("Session started")
	startMsg := ""
	if !s.deps.Input.IsAvailable() {
		s.logger.Warn().Msg("Input channel unavailable at start; taps will fail until it connects")
		startMsg = "input channel unavailable"
	}
	s.report(SignalStarted, OutcomeNone, startMsg)

	// Open the purchase panel when starting from the detail page
	if entry := s.find(s.sel.entryButton); entry != nil {
		if !s.tapNode(entry, "entry") {
			s.logger.Warn().Msg("Entry tap failed")
		}
	}

	for s.running.Load() {
		if ctx.Err() != nil {
			s.running.Store(false)
			break
		}
		cycleStart := time.Now()
		s.cycles++
		s.setState(StateDetect, s.page)

		page := s.Classify()
		s.page = page
		s.setState(stateFor(page), page)
		s.logger.Debug().Int("cycle", s.cycles).Str("page", page.String()).Msg("Page classified")

		if done, result := s.step(ctx, page); done {
			return result
		}

		if minCycle := ms(s.wf.Timing.MinCycleMs); minCycle > 0 {
			s.sleep(ctx, minCycle-time.Since(cycleStart))
		}
	}

	return Result{Outcome: OutcomeStopped, Reason: "stopped by user"}
}

func (s *Session) step(ctx context.Context, page Page) (bool, Result) {
	switch page {
	case PageCaptcha:
		if !s.handleCaptcha(ctx) {
			s.logger.Info().Msg("Captcha not handled this cycle")
		}
		s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))
	case PageNetworkError:
		s.handleNetworkError(ctx)
	case PageSelection:
		if reason := s.handleSelection(ctx); reason != "" {
			return true, Result{Outcome: OutcomeFailed, Reason: reason}
		}
	case PageOrder:
		if s.submitOrder(ctx) {
			return true, Result{Outcome: OutcomeSucceeded, Reason: "order submitted"}
		}
		return true, Result{Outcome: OutcomeFailed, Reason: "order submission failed"}
	case PagePayment:
		s.handlePayment()
		return true, Result{Outcome: OutcomeHandedOff, Reason: "payment page reached"}
	default:
		s.WaitForChange(ctx, ms(s.wf.Timing.PageWaitMs))
	}
	return false, Result{}
}

func (s *Session) finish(res Result) {
	s.running.Store(false)
	s.setState(StateStopped, s.page)
	s.updateStatus(func(st *Status) { st.Outcome = res.Outcome })

	ev := s.logger.Info()
	if res.Outcome == OutcomeError {
		ev = s.logger.Error()
	}
	ev.Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Int("cycles", res.Cycles).
		Int("attempts", res.Attempts).
		Dur("duration", res.Duration).
		Msg("Session finished")

	s.report(SignalFor(res.Outcome), res.Outcome, res.Reason)
}

func (s *Session) setState(state State, page Page) {
	s.state = state
	s.updateStatus(func(st *Status) {
		st.State = state.String()
		st.Page = page.String()
		st.Cycles = s.cycles
		st.Attempts = s.attempts
		st.DateCursor = s.cursor
	})
}

// Classify checks the page markers in priority order
func (s *Session) Classify() Page {
	activity := ""
	if s.deps.Window != nil {
		activity = strings.ToLower(s.deps.Window.ForegroundActivity())
	}
	markers := s.wf.markerList()

	for _, page := range classificationOrder {
		m := markers[page]
		if m.Activity != "" && activity != "" && strings.Contains(activity, strings.ToLower(m.Activity)) {
			return page
		}
		if crit, ok := s.sel.markerSelectors[page]; ok && s.find(crit) != nil {
			return page
		}
	}
	return PageUnknown
}

// WaitForChange polls the change flag until it is set or timeout elapses.
// A timeout is not an error; the caller simply classifies again.
func (s *Session) WaitForChange(ctx context.Context, timeout time.Duration) bool {
	poll := ms(s.wf.Timing.PollIntervalMs)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.sleep(ctx, poll) {
			return false
		}
		if s.deps.Changes.Changed() {
			return true
		}
	}
	s.logger.Debug().Dur("timeout", timeout).Msg("Wait for change timed out")
	return false
}

// sleep waits for d or until ctx is done; it reports whether the full
// duration elapsed
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// nextDateIndex returns the option to pick this visit and advances the
// cursor, wrapping at n
func (s *Session) nextDateIndex(n int) int {
	if n <= 0 {
		return -1
	}
	idx := s.cursor % n
	s.cursor = idx + 1
	return idx
}
