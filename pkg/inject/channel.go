package inject

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timing holds the fixed delays of every gesture
type Timing struct {
	TapDwell     time.Duration `json:"tapDwell"`
	DoubleTapGap time.Duration `json:"doubleTapGap"`
	DragStep     time.Duration `json:"dragStep"`
	SlideStep    time.Duration `json:"slideStep"`
	SlideSettle  time.Duration `json:"slideSettle"`
	KeyDwell     time.Duration `json:"keyDwell"`
	KeyGap       time.Duration `json:"keyGap"`
	KeyPress     time.Duration `json:"keyPress"`
}

// DefaultTiming returns delays that resemble a real finger
func DefaultTiming() Timing {
	return Timing{
		TapDwell:     89 * time.Millisecond,
		DoubleTapGap: 100 * time.Millisecond,
		DragStep:     16 * time.Millisecond,
		SlideStep:    20 * time.Millisecond,
		SlideSettle:  50 * time.Millisecond,
		KeyDwell:     50 * time.Millisecond,
		KeyGap:       50 * time.Millisecond,
		KeyPress:     100 * time.Millisecond,
	}
}

const minSlideSteps = 10

// Channel turns gestures into timed event sequences and hands them to the
// currently connected Sink.
//
// Every operation blocks until its sequence is finished, never retries, and
// reports false when the sink is missing, unavailable or rejects an event.
// Gestures are serialized, so two callers never interleave their events.
type Channel struct {
	mu       sync.RWMutex
	sink     Sink
	shutdown bool

	gesture sync.Mutex
	timing  Timing
	sleep   func(time.Duration)

	rngMu sync.Mutex
	rng   *rand.Rand

	logger zerolog.Logger
}

// Option configures a Channel
type Option func(*Channel)

// WithTiming overrides the default gesture timing
func WithTiming(t Timing) Option {
	return func(c *Channel) { c.timing = t }
}

// WithLogger sets the logger used for delivery warnings
func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithSleep replaces time.Sleep, mainly for tests
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Channel) { c.sleep = fn }
}

// WithRand sets the jitter source
func WithRand(r *rand.Rand) Option {
	return func(c *Channel) { c.rng = r }
}

// NewChannel creates a channel. sink may be nil until Connect is called.
func NewChannel(sink Sink, opts ...Option) *Channel {
	c := &Channel{
		sink:   sink,
		timing: DefaultTiming(),
		sleep:  time.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect installs a new sink, closing the previous one.
// It is ignored after Shutdown.
func (c *Channel) Connect(sink Sink) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		if sink != nil {
			sink.Close()
		}
		return
	}
	old := c.sink
	c.sink = sink
	c.mu.Unlock()

	if old != nil && old != sink {
		if err := old.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Closing replaced sink failed")
		}
	}
	c.logger.Info().Bool("hasSink", sink != nil).Msg("Input channel connected")
}

// Disconnect drops the current sink. Operations report false until the
// next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	old := c.sink
	c.sink = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
		c.logger.Warn().Msg("Input channel disconnected")
	}
}

// IsAvailable reports whether a sink is connected and reachable
func (c *Channel) IsAvailable() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Sink availability check panicked")
			ok = false
		}
	}()
	sink := c.currentSink()
	return sink != nil && sink.Available()
}

// Shutdown closes the sink and disables the channel for good. Safe to call
// more than once.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	old := c.sink
	c.sink = nil
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Closing sink on shutdown failed")
		}
	}
	c.logger.Info().Msg("Input channel shut down")
}

func (c *Channel) currentSink() Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.shutdown {
		return nil
	}
	return c.sink
}

// deliver sends one event, converting every failure mode into false
func (c *Channel) deliver(ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", ev.String()).Msg("Sink panicked")
			ok = false
		}
	}()

	sink := c.currentSink()
	if sink == nil || !sink.Available() {
		return false
	}
	if err := sink.Inject(ev); err != nil {
		c.logger.Debug().Err(err).Str("event", ev.String()).Msg("Event rejected")
		return false
	}
	return true
}

func (c *Channel) motion(action Action, x, y float64) bool {
	return c.deliver(Event{Motion: &MotionEvent{Action: action, X: x, Y: y}})
}

func (c *Channel) key(action Action, code int, shift bool) bool {
	return c.deliver(Event{Key: &KeyEvent{Action: action, Code: code, Shift: shift}})
}

func (c *Channel) jitter() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

// Tap presses and releases at one point
func (c *Channel) Tap(x, y float64) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()
	return c.press(x, y, c.timing.TapDwell)
}

// LongPress holds the touch for hold before releasing
func (c *Channel) LongPress(x, y float64, hold time.Duration) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()
	return c.press(x, y, hold)
}

func (c *Channel) press(x, y float64, dwell time.Duration) bool {
	down := c.motion(ActionDown, x, y)
	c.sleep(dwell)
	// The up event is always sent so a pointer is never left pressed
	up := c.motion(ActionUp, x, y)

	if !down || !up {
		c.logger.Warn().Float64("x", x).Float64("y", y).Bool("down", down).Bool("up", up).Msg("Press failed")
		return false
	}
	return true
}

// DoubleTap taps twice. The second tap is skipped if the first fails.
func (c *Channel) DoubleTap(x, y float64) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()

	if !c.press(x, y, c.timing.TapDwell) {
		return false
	}
	c.sleep(c.timing.DoubleTapGap)
	return c.press(x, y, c.timing.TapDwell)
}

// DragSteps is the number of move events Drag emits for d
func (c *Channel) DragSteps(d time.Duration) int {
	if c.timing.DragStep <= 0 {
		return 1
	}
	steps := int(d / c.timing.DragStep)
	if steps < 1 {
		steps = 1
	}
	return steps
}

// Drag moves in a straight line from (x0,y0) to (x1,y1) over roughly d.
// A failed move is only logged; the release decides the result.
func (c *Channel) Drag(x0, y0, x1, y1 float64, d time.Duration) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()

	if !c.motion(ActionDown, x0, y0) {
		c.logger.Warn().Float64("x", x0).Float64("y", y0).Msg("Drag: down rejected")
		return false
	}

	steps := c.DragSteps(d)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x0 + (x1-x0)*t
		y := y0 + (y1-y0)*t
		if !c.motion(ActionMove, x, y) {
			c.logger.Warn().Int("step", i).Int("steps", steps).Msg("Drag: move rejected")
		}
		c.sleep(c.timing.DragStep)
	}

	return c.motion(ActionUp, x1, y1)
}

// Slide drags along a wobbly path, like a finger pulling a slider.
// At least ten steps are used; the last one lands exactly on (x1,y1).
func (c *Channel) Slide(x0, y0, x1, y1 float64, stepHint int) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()

	steps := stepHint
	if steps < minSlideSteps {
		steps = minSlideSteps
	}

	if !c.motion(ActionDown, x0, y0) {
		c.logger.Warn().Float64("x", x0).Float64("y", y0).Msg("Slide: down rejected")
		return false
	}
	c.sleep(c.timing.SlideSettle)

	dx, dy := x1-x0, y1-y0
	for i := 1; i <= steps; i++ {
		x, y := x1, y1
		if i < steps {
			progress := float64(i)/float64(steps) + (c.jitter()*0.2-0.1)*0.3
			x = clamp(x0+dx*progress+dx*(c.jitter()*0.1-0.05), x0, x1)
			y = clamp(y0+dy*progress+dy*0.2*(c.jitter()*0.05-0.025), y0, y1)
		}
		if !c.motion(ActionMove, x, y) {
			c.logger.Warn().Int("step", i).Int("steps", steps).Msg("Slide: move rejected")
		}
		c.sleep(c.timing.SlideStep)
	}

	return c.motion(ActionUp, x1, y1)
}

func clamp(v, a, b float64) float64 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SendText types text one key at a time. Characters without a key are
// skipped and make the result false, as does any rejected key.
func (c *Channel) SendText(text string) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()

	allOK := true
	for _, r := range text {
		code, shift, ok := KeyForRune(r)
		if !ok {
			c.logger.Warn().Str("char", string(r)).Msg("No key code for character")
			allOK = false
		} else if !c.stroke(code, shift, c.timing.KeyDwell) {
			c.logger.Warn().Str("char", string(r)).Int("keyCode", code).Msg("Key stroke failed")
			allOK = false
		}
		c.sleep(c.timing.KeyGap)
	}
	return allOK
}

// SendKey presses and releases a single key code
func (c *Channel) SendKey(code int) bool {
	c.gesture.Lock()
	defer c.gesture.Unlock()
	return c.stroke(code, false, c.timing.KeyPress)
}

func (c *Channel) stroke(code int, shift bool, dwell time.Duration) bool {
	down := c.key(ActionDown, code, shift)
	c.sleep(dwell)
	up := c.key(ActionUp, code, shift)
	return down && up
}
