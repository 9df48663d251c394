package inject

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const exitMarker = "__TAPLINE_RC="

// AdbSinkConfig configures a sink backed by a long-lived `adb shell`
type AdbSinkConfig struct {
	// Serial selects the device
	Serial string
	// Command builds the adb process. Defaults to exec.CommandContext("adb", ...).
	Command func(ctx context.Context, args ...string) *exec.Cmd
	// Timeout bounds a single shell command
	Timeout time.Duration
	// MaxEventsPerSecond caps the event rate. Zero means 200.
	MaxEventsPerSecond float64
	Logger             zerolog.Logger
}

// AdbSink runs one `adb -s <serial> shell` process for the whole session
// and writes one `input` command per event into it. Every command is
// followed by an echo of its exit status, which is how rejections are
// detected. The shell user may inject input, which is the privilege this
// sink relies on.
//
// ADB cannot hold a key down, so key-down events are acknowledged locally
// and the key is typed when its key-up arrives.
type AdbSink struct {
	stdin   io.WriteCloser
	lines   chan string
	done    chan struct{}
	quit    chan struct{}
	stop    func() error
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu     sync.Mutex
	closed atomic.Bool
	broken atomic.Bool
}

// StartAdbSink launches the shell process for cfg.Serial
func StartAdbSink(ctx context.Context, cfg AdbSinkConfig) (*AdbSink, error) {
	if cfg.Serial == "" {
		return nil, fmt.Errorf("adb sink: empty device serial")
	}
	command := cfg.Command
	if command == nil {
		command = func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "adb", args...)
		}
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := command(procCtx, "-s", cfg.Serial, "shell")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("adb sink: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("adb sink: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("adb sink: start shell: %w", err)
	}

	// cmd.Wait closes stdout, so the reader has to drain first
	var s *AdbSink
	stop := func() error {
		stdin.Close()
		cancel()
		<-s.done
		return cmd.Wait()
	}
	s = newAdbSink(stdin, stdout, stop, cfg)
	cfg.Logger.Info().Str("serial", cfg.Serial).Msg("ADB input shell started")
	return s, nil
}

func newAdbSink(stdin io.WriteCloser, stdout io.Reader, stop func() error, cfg AdbSinkConfig) *AdbSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	perSecond := cfg.MaxEventsPerSecond
	if perSecond <= 0 {
		perSecond = 200
	}

	s := &AdbSink{
		stdin:   stdin,
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		stop:    stop,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  cfg.Logger,
	}
	go s.readLoop(stdout)
	return s
}

func (s *AdbSink) readLoop(stdout io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		// After Close nobody reads lines; keep draining until EOF
		select {
		case s.lines <- strings.TrimRight(scanner.Text(), "\r"):
		case <-s.quit:
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("ADB shell output closed")
	}
}

// Available reports whether the shell process is still running
func (s *AdbSink) Available() bool {
	if s.closed.Load() || s.broken.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Inject converts ev to an input command and runs it
func (s *AdbSink) Inject(ev Event) error {
	line, err := shellCommandFor(ev)
	if err != nil {
		return err
	}
	if line == "" {
		return nil
	}
	return s.run(line)
}

func shellCommandFor(ev Event) (string, error) {
	switch {
	case ev.Motion != nil:
		x := int(math.Round(ev.Motion.X))
		y := int(math.Round(ev.Motion.Y))
		return fmt.Sprintf("input motionevent %s %d %d", ev.Motion.Action, x, y), nil
	case ev.Key != nil:
		switch ev.Key.Action {
		case ActionDown:
			return "", nil
		case ActionUp:
			if ev.Key.Shift {
				return fmt.Sprintf("input keycombination %d %d", KeycodeShiftLeft, ev.Key.Code), nil
			}
			return fmt.Sprintf("input keyevent %d", ev.Key.Code), nil
		}
		return "", fmt.Errorf("unsupported key action %s", ev.Key.Action)
	}
	return "", fmt.Errorf("empty event")
}

func (s *AdbSink) run(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Available() {
		return ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	if _, err := io.WriteString(s.stdin, line+"; echo "+exitMarker+"$?\n"); err != nil {
		s.broken.Store(true)
		return fmt.Errorf("write to adb shell: %w", err)
	}

	var output []string
	for {
		select {
		case l := <-s.lines:
			if !strings.HasPrefix(l, exitMarker) {
				output = append(output, l)
				continue
			}
			code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(l, exitMarker)))
			if err != nil {
				return fmt.Errorf("bad exit marker %q", l)
			}
			if code != 0 {
				return fmt.Errorf("%s: exit %d: %s", line, code, strings.Join(output, " | "))
			}
			return nil
		case <-s.done:
			return ErrUnavailable
		case <-ctx.Done():
			// The shell is out of sync with our markers now
			s.broken.Store(true)
			return fmt.Errorf("%s: %w", line, ctx.Err())
		}
	}
}

// Close ends the shell process. Safe to call more than once.
func (s *AdbSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	if s.stop == nil {
		return nil
	}
	err := s.stop()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killing the shell always ends with a non-zero status
		return nil
	}
	return err
}
