package inject

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeShell answers commands written by AdbSink the way `adb shell` would
type fakeShell struct {
	mu       sync.Mutex
	commands []string
	fail     func(cmd string) bool
	silent   bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func startFakeShell(fail func(string) bool) *fakeShell {
	f := &fakeShell{fail: fail}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.serve()
	return f
}

func (f *fakeShell) serve() {
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		line := scanner.Text()
		cmd := strings.TrimSuffix(line, "; echo "+exitMarker+"$?")

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		silent := f.silent
		f.mu.Unlock()
		if silent {
			continue
		}

		if f.fail != nil && f.fail(cmd) {
			fmt.Fprintf(f.stdoutW, "Error: bad input\r\n%s1\r\n", exitMarker)
			continue
		}
		fmt.Fprintf(f.stdoutW, "%s0\n", exitMarker)
	}
	f.stdoutW.Close()
}

func (f *fakeShell) stop() error {
	f.stdinW.Close()
	return nil
}

func (f *fakeShell) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestAdbSink(f *fakeShell, timeout time.Duration) *AdbSink {
	return newAdbSink(f.stdinW, f.stdoutR, f.stop, AdbSinkConfig{
		Serial:             "emulator-5554",
		Timeout:            timeout,
		MaxEventsPerSecond: 10000,
		Logger:             zerolog.Nop(),
	})
}

func TestShellCommandFor(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"down", Event{Motion: &MotionEvent{ActionDown, 100.4, 200.6}}, "input motionevent DOWN 100 201"},
		{"move", Event{Motion: &MotionEvent{ActionMove, 1, 2}}, "input motionevent MOVE 1 2"},
		{"up", Event{Motion: &MotionEvent{ActionUp, 3, 4}}, "input motionevent UP 3 4"},
		{"key down is local", Event{Key: &KeyEvent{ActionDown, KeycodeA, false}}, ""},
		{"key up", Event{Key: &KeyEvent{ActionUp, KeycodeA, false}}, "input keyevent 29"},
		{"shifted key up", Event{Key: &KeyEvent{ActionUp, KeycodeSlash, true}}, "input keycombination 59 76"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shellCommandFor(tt.ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := shellCommandFor(Event{}); err == nil {
		t.Error("empty event must be an error")
	}
}

func TestAdbSinkTap(t *testing.T) {
	shell := startFakeShell(nil)
	sink := newTestAdbSink(shell, time.Second)
	defer sink.Close()

	c := NewChannel(sink, WithSleep(func(time.Duration) {}))
	if !c.Tap(540, 1200) {
		t.Fatal("Tap through adb sink should succeed")
	}

	got := shell.recorded()
	want := []string{"input motionevent DOWN 540 1200", "input motionevent UP 540 1200"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAdbSinkRejection(t *testing.T) {
	shell := startFakeShell(func(cmd string) bool { return strings.Contains(cmd, "MOVE") })
	sink := newTestAdbSink(shell, time.Second)
	defer sink.Close()

	err := sink.Inject(Event{Motion: &MotionEvent{ActionMove, 1, 1}})
	if err == nil || !strings.Contains(err.Error(), "exit 1") {
		t.Fatalf("expected exit status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Error: bad input") {
		t.Errorf("error should carry shell output: %v", err)
	}
	// The shell stays usable after a rejected command
	if err := sink.Inject(Event{Motion: &MotionEvent{ActionUp, 1, 1}}); err != nil {
		t.Errorf("next command failed: %v", err)
	}
}

func TestAdbSinkTimeoutBreaksSink(t *testing.T) {
	shell := startFakeShell(nil)
	shell.mu.Lock()
	shell.silent = true
	shell.mu.Unlock()
	sink := newTestAdbSink(shell, 50*time.Millisecond)
	defer sink.Close()

	err := sink.Inject(Event{Motion: &MotionEvent{ActionDown, 1, 1}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if sink.Available() {
		t.Error("sink must be unavailable once out of sync")
	}
	if err := sink.Inject(Event{Motion: &MotionEvent{ActionUp, 1, 1}}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestAdbSinkClose(t *testing.T) {
	shell := startFakeShell(nil)
	sink := newTestAdbSink(shell, time.Second)

	if !sink.Available() {
		t.Fatal("fresh sink should be available")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.Available() {
		t.Error("closed sink must be unavailable")
	}
	if err := sink.Inject(Event{Motion: &MotionEvent{ActionDown, 1, 1}}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestAdbSinkCloseWithUnreadOutput(t *testing.T) {
	shell := startFakeShell(nil)
	sink := newTestAdbSink(shell, time.Second)

	// Chatter nobody asked for (logcat noise, a stray prompt) fills the buffer
	go func() {
		for i := 0; i < 200; i++ {
			fmt.Fprintf(shell.stdoutW, "noise %d\n", i)
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.lines) < cap(sink.lines) {
		if time.Now().After(deadline) {
			t.Fatalf("buffer never filled: %d/%d", len(sink.lines), cap(sink.lines))
		}
		time.Sleep(time.Millisecond)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still blocked after Close")
	}
}

func TestAdbSinkShellExit(t *testing.T) {
	shell := startFakeShell(nil)
	sink := newTestAdbSink(shell, time.Second)
	defer sink.Close()

	// Device went away: the shell's output ends
	shell.stdinW.Close()

	deadline := time.Now().Add(time.Second)
	for sink.Available() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Available() {
		t.Error("sink must notice the shell exiting")
	}
}
