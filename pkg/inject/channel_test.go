package inject

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// recordingSink accepts events unless told to reject a particular action
type recordingSink struct {
	mu          sync.Mutex
	events      []Event
	unavailable bool
	rejectNext  map[Action]int
	rejectAll   map[Action]bool
	closed      int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{rejectNext: map[Action]int{}, rejectAll: map[Action]bool{}}
}

func (s *recordingSink) Inject(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)

	action := ActionDown
	if ev.Motion != nil {
		action = ev.Motion.Action
	} else if ev.Key != nil {
		action = ev.Key.Action
	}
	if s.rejectAll[action] {
		return errors.New("rejected")
	}
	if s.rejectNext[action] > 0 {
		s.rejectNext[action]--
		return errors.New("rejected")
	}
	return nil
}

func (s *recordingSink) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) motions(action Action) []MotionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MotionEvent
	for _, ev := range s.events {
		if ev.Motion != nil && ev.Motion.Action == action {
			out = append(out, *ev.Motion)
		}
	}
	return out
}

func (s *recordingSink) keys() []KeyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyEvent
	for _, ev := range s.events {
		if ev.Key != nil {
			out = append(out, *ev.Key)
		}
	}
	return out
}

type sleepLog struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (l *sleepLog) sleep(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slept = append(l.slept, d)
}

func (l *sleepLog) total() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum time.Duration
	for _, d := range l.slept {
		sum += d
	}
	return sum
}

func newTestChannel(sink Sink) (*Channel, *sleepLog) {
	log := &sleepLog{}
	c := NewChannel(sink, WithSleep(log.sleep), WithRand(rand.New(rand.NewSource(42))))
	return c, log
}

func TestTap(t *testing.T) {
	sink := newRecordingSink()
	c, sleeps := newTestChannel(sink)

	if !c.Tap(100, 200) {
		t.Fatal("Tap should succeed")
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected down+up, got %d events", len(sink.events))
	}
	down, up := sink.events[0].Motion, sink.events[1].Motion
	if down.Action != ActionDown || up.Action != ActionUp {
		t.Errorf("unexpected sequence %v, %v", sink.events[0], sink.events[1])
	}
	if down.X != 100 || up.Y != 200 {
		t.Error("both events must be at the tap point")
	}
	if sleeps.total() != 89*time.Millisecond {
		t.Errorf("dwell = %v, want 89ms", sleeps.total())
	}
}

func TestTapFailures(t *testing.T) {
	t.Run("rejected up", func(t *testing.T) {
		sink := newRecordingSink()
		sink.rejectNext[ActionUp] = 1
		c, _ := newTestChannel(sink)
		if c.Tap(1, 1) {
			t.Error("Tap must fail when up is rejected")
		}
	})

	t.Run("rejected down still releases", func(t *testing.T) {
		sink := newRecordingSink()
		sink.rejectNext[ActionDown] = 1
		c, _ := newTestChannel(sink)
		if c.Tap(1, 1) {
			t.Error("Tap must fail when down is rejected")
		}
		if len(sink.motions(ActionUp)) != 1 {
			t.Error("up must still be sent")
		}
	})

	t.Run("no sink", func(t *testing.T) {
		c, _ := newTestChannel(nil)
		if c.Tap(1, 1) || c.IsAvailable() {
			t.Error("channel without sink must report false")
		}
	})

	t.Run("unavailable sink", func(t *testing.T) {
		sink := newRecordingSink()
		sink.unavailable = true
		c, _ := newTestChannel(sink)
		if c.Tap(1, 1) {
			t.Error("Tap must fail on unavailable sink")
		}
		if len(sink.events) != 0 {
			t.Error("no events may reach an unavailable sink")
		}
	})
}

func TestLongPress(t *testing.T) {
	sink := newRecordingSink()
	c, sleeps := newTestChannel(sink)
	if !c.LongPress(5, 5, 700*time.Millisecond) {
		t.Fatal("LongPress should succeed")
	}
	if sleeps.total() != 700*time.Millisecond {
		t.Errorf("hold = %v", sleeps.total())
	}
}

func TestDoubleTap(t *testing.T) {
	sink := newRecordingSink()
	c, sleeps := newTestChannel(sink)
	if !c.DoubleTap(10, 10) {
		t.Fatal("DoubleTap should succeed")
	}
	if n := len(sink.motions(ActionDown)); n != 2 {
		t.Errorf("expected 2 downs, got %d", n)
	}
	if want := 2*89*time.Millisecond + 100*time.Millisecond; sleeps.total() != want {
		t.Errorf("total sleep = %v, want %v", sleeps.total(), want)
	}

	failing := newRecordingSink()
	failing.rejectNext[ActionDown] = 1
	c, _ = newTestChannel(failing)
	if c.DoubleTap(10, 10) {
		t.Error("DoubleTap must fail when the first tap fails")
	}
	if n := len(failing.motions(ActionDown)); n != 1 {
		t.Errorf("second tap must be skipped, saw %d downs", n)
	}
}

func TestDragStepCount(t *testing.T) {
	tests := []struct {
		duration time.Duration
		moves    int
	}{
		{160 * time.Millisecond, 10},
		{5 * time.Millisecond, 1},
		{0, 1},
		{1000 * time.Millisecond, 62},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			sink := newRecordingSink()
			c, _ := newTestChannel(sink)
			if !c.Drag(0, 0, 100, 50, tt.duration) {
				t.Fatal("Drag should succeed")
			}
			moves := sink.motions(ActionMove)
			if len(moves) != tt.moves {
				t.Errorf("moves = %d, want %d", len(moves), tt.moves)
			}
			last := moves[len(moves)-1]
			if last.X != 100 || last.Y != 50 {
				t.Errorf("last move at (%v,%v), want end point", last.X, last.Y)
			}
		})
	}
}

func TestDragLinear(t *testing.T) {
	sink := newRecordingSink()
	c, _ := newTestChannel(sink)
	c.Drag(0, 0, 160, 0, 160*time.Millisecond)
	for i, m := range sink.motions(ActionMove) {
		if want := float64(16 * (i + 1)); math.Abs(m.X-want) > 1e-9 || m.Y != 0 {
			t.Errorf("move %d at (%v,%v), want (%v,0)", i, m.X, m.Y, want)
		}
	}
}

func TestDragFailureModes(t *testing.T) {
	t.Run("move failures are not fatal", func(t *testing.T) {
		sink := newRecordingSink()
		sink.rejectAll[ActionMove] = true
		c, _ := newTestChannel(sink)
		if !c.Drag(0, 0, 10, 10, 64*time.Millisecond) {
			t.Error("Drag result is decided by the up event")
		}
		if len(sink.motions(ActionMove)) != 4 {
			t.Error("every move must still be attempted")
		}
	})

	t.Run("down failure aborts", func(t *testing.T) {
		sink := newRecordingSink()
		sink.rejectNext[ActionDown] = 1
		c, _ := newTestChannel(sink)
		if c.Drag(0, 0, 10, 10, 64*time.Millisecond) {
			t.Error("Drag must fail when down is rejected")
		}
		if len(sink.events) != 1 {
			t.Errorf("no further events after rejected down, got %d", len(sink.events))
		}
	})

	t.Run("up failure fails", func(t *testing.T) {
		sink := newRecordingSink()
		sink.rejectNext[ActionUp] = 1
		c, _ := newTestChannel(sink)
		if c.Drag(0, 0, 10, 10, 64*time.Millisecond) {
			t.Error("Drag must fail when up is rejected")
		}
	})
}

func TestSlide(t *testing.T) {
	t.Run("step floor", func(t *testing.T) {
		sink := newRecordingSink()
		c, sleeps := newTestChannel(sink)
		if !c.Slide(0, 500, 300, 500, 3) {
			t.Fatal("Slide should succeed")
		}
		if n := len(sink.motions(ActionMove)); n < 10 {
			t.Errorf("slide issued %d steps, want at least 10", n)
		}
		if sleeps.slept[0] != 50*time.Millisecond {
			t.Errorf("first sleep = %v, want settle of 50ms", sleeps.slept[0])
		}
	})

	t.Run("hint above floor", func(t *testing.T) {
		sink := newRecordingSink()
		c, _ := newTestChannel(sink)
		c.Slide(0, 0, 100, 0, 25)
		if n := len(sink.motions(ActionMove)); n != 25 {
			t.Errorf("moves = %d, want 25", n)
		}
	})

	t.Run("jitter stays inside the travel box", func(t *testing.T) {
		sink := newRecordingSink()
		c, _ := newTestChannel(sink)
		c.Slide(100, 400, 600, 420, 40)
		moves := sink.motions(ActionMove)
		for i, m := range moves {
			if m.X < 100 || m.X > 600 || m.Y < 400 || m.Y > 420 {
				t.Errorf("move %d at (%v,%v) escaped the box", i, m.X, m.Y)
			}
		}
		last := moves[len(moves)-1]
		if last.X != 600 || last.Y != 420 {
			t.Errorf("final step must be exact, got (%v,%v)", last.X, last.Y)
		}
	})

	t.Run("reverse direction clamps too", func(t *testing.T) {
		sink := newRecordingSink()
		c, _ := newTestChannel(sink)
		c.Slide(600, 0, 100, 0, 20)
		for _, m := range sink.motions(ActionMove) {
			if m.X < 100 || m.X > 600 {
				t.Errorf("x=%v outside [100,600]", m.X)
			}
		}
	})
}

func TestSendText(t *testing.T) {
	sink := newRecordingSink()
	c, sleeps := newTestChannel(sink)

	if !c.SendText("a1?") {
		t.Fatal("SendText should succeed for mapped characters")
	}
	keys := sink.keys()
	if len(keys) != 6 {
		t.Fatalf("expected 3 down/up pairs, got %d key events", len(keys))
	}
	want := []KeyEvent{
		{ActionDown, KeycodeA, false}, {ActionUp, KeycodeA, false},
		{ActionDown, Keycode0 + 1, false}, {ActionUp, Keycode0 + 1, false},
		{ActionDown, KeycodeSlash, true}, {ActionUp, KeycodeSlash, true},
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %+v, want %+v", i, keys[i], want[i])
		}
	}
	// dwell + gap per character
	if sleeps.total() != 3*100*time.Millisecond {
		t.Errorf("total sleep = %v", sleeps.total())
	}
}

func TestSendTextPartialFailure(t *testing.T) {
	sink := newRecordingSink()
	c, _ := newTestChannel(sink)

	if c.SendText("a票b") {
		t.Error("unmapped character must make the result false")
	}
	if n := len(sink.keys()); n != 4 {
		t.Errorf("mapped characters must still be typed, got %d key events", n)
	}

	rejecting := newRecordingSink()
	rejecting.rejectNext[ActionUp] = 1
	c, _ = newTestChannel(rejecting)
	if c.SendText("ab") {
		t.Error("rejected key must make the result false")
	}
}

func TestSendKey(t *testing.T) {
	sink := newRecordingSink()
	c, sleeps := newTestChannel(sink)
	if !c.SendKey(KeycodeBack) {
		t.Fatal("SendKey should succeed")
	}
	keys := sink.keys()
	if len(keys) != 2 || keys[0].Code != KeycodeBack {
		t.Errorf("unexpected keys %+v", keys)
	}
	if sleeps.total() != 100*time.Millisecond {
		t.Errorf("press = %v, want 100ms", sleeps.total())
	}
}

func TestConnectDisconnect(t *testing.T) {
	c, _ := newTestChannel(nil)
	if c.IsAvailable() {
		t.Fatal("no sink yet")
	}

	first := newRecordingSink()
	c.Connect(first)
	if !c.IsAvailable() || !c.Tap(1, 1) {
		t.Fatal("connected channel should work")
	}

	second := newRecordingSink()
	c.Connect(second)
	if first.closed != 1 {
		t.Error("replaced sink must be closed")
	}

	c.Disconnect()
	if c.IsAvailable() || c.Tap(1, 1) {
		t.Error("disconnected channel must report false")
	}
	if second.closed != 1 {
		t.Error("disconnected sink must be closed")
	}
	// Tolerates repeated disconnects
	c.Disconnect()
}

func TestShutdown(t *testing.T) {
	sink := newRecordingSink()
	c, _ := newTestChannel(sink)

	c.Shutdown()
	c.Shutdown()
	if sink.closed != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closed)
	}
	if c.Tap(1, 1) || c.IsAvailable() {
		t.Error("shut down channel must report false")
	}

	late := newRecordingSink()
	c.Connect(late)
	if c.IsAvailable() {
		t.Error("Connect after Shutdown must be ignored")
	}
	if late.closed != 1 {
		t.Error("sink offered after Shutdown must be closed")
	}
}

type panickingSink struct{}

func (panickingSink) Inject(Event) error { panic("boom") }
func (panickingSink) Available() bool    { return true }
func (panickingSink) Close() error       { return nil }

func TestSinkPanicBecomesFalse(t *testing.T) {
	c, _ := newTestChannel(panickingSink{})
	if c.Tap(1, 1) {
		t.Error("panicking sink must yield false")
	}
}

func TestExecute(t *testing.T) {
	sink := newRecordingSink()
	c, _ := newTestChannel(sink)

	cmds := []Command{
		{Kind: CommandTap, From: Point{1, 2}},
		{Kind: CommandLongPress, From: Point{1, 2}, Duration: time.Second},
		{Kind: CommandDoubleTap, From: Point{1, 2}},
		{Kind: CommandDrag, From: Point{0, 0}, To: Point{5, 5}, Duration: 32 * time.Millisecond},
		{Kind: CommandSlide, From: Point{0, 0}, To: Point{5, 5}},
		{Kind: CommandText, Text: "ok"},
		{Kind: CommandKey, KeyCode: KeycodeEnter},
	}
	for _, cmd := range cmds {
		if !c.Execute(cmd) {
			t.Errorf("Execute(%s) failed", cmd)
		}
	}
	if c.Execute(Command{Kind: "fly"}) {
		t.Error("unknown kind must fail")
	}
}

func TestParseCommandKind(t *testing.T) {
	for in, want := range map[string]CommandKind{
		"tap": CommandTap, "Click": CommandTap, "swipe": CommandDrag, "long_press": CommandLongPress, "keyevent": CommandKey,
	} {
		got, err := ParseCommandKind(in)
		if err != nil || got != want {
			t.Errorf("ParseCommandKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCommandKind("fly"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestKeyForRune(t *testing.T) {
	tests := []struct {
		r     rune
		code  int
		shift bool
		ok    bool
	}{
		{'a', 29, false, true},
		{'z', 54, false, true},
		{'Q', 45, true, true},
		{'0', 7, false, true},
		{'9', 16, false, true},
		{' ', KeycodeSpace, false, true},
		{'\n', KeycodeEnter, false, true},
		{'\t', KeycodeTab, false, true},
		{')', Keycode0, true, true},
		{'@', 9, true, true},
		{'é', KeycodeUnknown, false, false},
		{'~', KeycodeUnknown, false, false},
	}
	for _, tt := range tests {
		code, shift, ok := KeyForRune(tt.r)
		if code != tt.code || shift != tt.shift || ok != tt.ok {
			t.Errorf("KeyForRune(%q) = %d,%v,%v want %d,%v,%v", tt.r, code, shift, ok, tt.code, tt.shift, tt.ok)
		}
	}
}
