package snapshot

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"Tapline/pkg/uitree"
)

const dumpFile = "/data/local/tmp/tapline_view.xml"

var resumedActivityPattern = regexp.MustCompile(`u0 ([^/\s]+)/([^\s}]+)`)

// Shell runs a command in `adb -s <serial> shell` and returns its output
type Shell func(ctx context.Context, command string) (string, error)

// Window identifies the foreground activity
type Window struct {
	Package  string `json:"package"`
	Activity string `json:"activity"`
}

// Name returns "package/activity"
func (w Window) Name() string {
	if w.Package == "" {
		return w.Activity
	}
	return w.Package + "/" + w.Activity
}

// ParseResumedActivity extracts the foreground activity from
// `dumpsys activity activities` output. Relative activity names are
// expanded with the package.
func ParseResumedActivity(output string) (Window, bool) {
	// mResumedActivity: ActivityRecord{xxx u0 com.example/.MainActivity t123}
	match := resumedActivityPattern.FindStringSubmatch(output)
	if len(match) < 3 {
		return Window{}, false
	}
	activity := match[2]
	if strings.HasPrefix(activity, ".") {
		activity = match[1] + activity
	}
	return Window{Package: match[1], Activity: activity}, true
}

// Config configures a Provider
type Config struct {
	Shell Shell
	// MinDumpInterval spaces uiautomator dumps apart
	MinDumpInterval time.Duration
	// MaxAge is how long a dump is served before Root dumps again
	MaxAge time.Duration
	// PollInterval is the cadence of the foreground activity check in Watch
	PollInterval time.Duration
	// ContentInterval is the cadence of content re-dumps in Watch; zero disables them
	ContentInterval time.Duration
	DumpTimeout     time.Duration
	DumpRetries     int
	Logger          zerolog.Logger
}

// DefaultConfig returns intervals suited to a physical device over USB
func DefaultConfig(shell Shell) Config {
	return Config{
		Shell:           shell,
		MinDumpInterval: 300 * time.Millisecond,
		MaxAge:          250 * time.Millisecond,
		PollInterval:    400 * time.Millisecond,
		ContentInterval: time.Second,
		DumpTimeout:     15 * time.Second,
		DumpRetries:     3,
		Logger:          zerolog.Nop(),
	}
}

// Provider serves the device's widget tree from uiautomator dumps and
// reports changes of the tree or the foreground activity to listeners.
type Provider struct {
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	current   *uitree.Snapshot
	lastHash  uint64
	window    Window
	windowAt  time.Time
	listeners []func()

	dumpMu sync.Mutex
}

// New creates a provider. cfg.Shell is required.
func New(cfg Config) *Provider {
	if cfg.DumpRetries <= 0 {
		cfg.DumpRetries = 1
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.MinDumpInterval > 0 {
		limit = rate.Every(cfg.MinDumpInterval)
	}
	return &Provider{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// OnChanged registers fn to be called whenever a change is detected.
// Listeners run on the detecting goroutine and must not block.
func (p *Provider) OnChanged(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Provider) notify() {
	p.mu.Lock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Root returns the root of a recent dump, dumping again when the cached one
// is stale or invalidated. It returns nil when the device cannot be dumped.
func (p *Provider) Root() uitree.Node {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur.Valid() && time.Since(cur.Taken()) < p.cfg.MaxAge {
		return cur.Root()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DumpTimeout)
	defer cancel()
	snap, err := p.Refresh(ctx)
	if err != nil {
		p.cfg.Logger.Warn().Err(err).Msg("UI dump failed")
		return nil
	}
	return snap.Root()
}

// Invalidate drops the cached dump and window. Nodes already handed out
// stop exposing children.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.windowAt = time.Time{}
	p.mu.Unlock()
	p.dropDump()
}

func (p *Provider) dropDump() {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	cur.Invalidate()
}

// Current returns the cached snapshot without dumping. It may be nil.
func (p *Provider) Current() *uitree.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Refresh dumps the tree now (subject to the rate limit) and replaces the
// cached snapshot. Listeners are notified when the content differs from
// the previous dump.
func (p *Provider) Refresh(ctx context.Context) (*uitree.Snapshot, error) {
	p.dumpMu.Lock()
	defer p.dumpMu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := p.dump(ctx)
	if err != nil {
		return nil, err
	}
	root, err := uitree.ParseHierarchy(raw)
	if err != nil {
		return nil, err
	}
	snap := uitree.NewSnapshot(root, raw)
	sum := contentHash(raw)

	p.mu.Lock()
	prev := p.current
	changed := p.lastHash != 0 && p.lastHash != sum
	p.current = snap
	p.lastHash = sum
	p.mu.Unlock()

	if prev != nil && prev != snap {
		prev.Invalidate()
	}
	if changed {
		p.cfg.Logger.Debug().Int("length", len(raw)).Msg("UI content changed")
		p.notify()
	}
	return snap, nil
}

func (p *Provider) dump(ctx context.Context) (string, error) {
	var out string
	var err error
	for i := 0; i < p.cfg.DumpRetries; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if i > 0 {
			// A stuck uiautomator blocks every later dump
			p.cfg.Shell(ctx, "pkill uiautomator")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		out, err = p.cfg.Shell(ctx, fmt.Sprintf("uiautomator dump %s && cat %s", dumpFile, dumpFile))
		if err == nil && strings.Contains(out, "<hierarchy") {
			return out, nil
		}
		p.cfg.Logger.Debug().Int("retry", i+1).Int("maxRetries", p.cfg.DumpRetries).Err(err).Msg("UI dump retry")
	}
	if err == nil {
		err = fmt.Errorf("no hierarchy in output")
	}
	return "", fmt.Errorf("failed to dump UI after %d attempts: %w", p.cfg.DumpRetries, err)
}

func contentHash(raw string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(raw))
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Window returns the last observed foreground activity
func (p *Provider) Window() Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// ForegroundActivity returns "package/activity" of the foreground window,
// querying the device when the last observation is older than MaxAge.
// On query failure the last known window is returned.
func (p *Provider) ForegroundActivity() string {
	p.mu.Lock()
	fresh := !p.windowAt.IsZero() && time.Since(p.windowAt) < p.cfg.MaxAge
	w := p.window
	p.mu.Unlock()
	if fresh {
		return w.Name()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DumpTimeout)
	defer cancel()
	latest, err := p.RefreshWindow(ctx)
	if err != nil {
		p.cfg.Logger.Debug().Err(err).Msg("Foreground activity query failed")
		return w.Name()
	}
	return latest.Name()
}

// RefreshWindow queries the foreground activity. A change invalidates the
// cached dump and notifies listeners.
func (p *Provider) RefreshWindow(ctx context.Context) (Window, error) {
	out, err := p.cfg.Shell(ctx, "dumpsys activity activities | grep mResumedActivity")
	if err != nil {
		return Window{}, fmt.Errorf("query foreground activity: %w", err)
	}
	w, ok := ParseResumedActivity(out)
	if !ok {
		return Window{}, fmt.Errorf("no resumed activity in dumpsys output")
	}

	p.mu.Lock()
	changed := p.window != w
	hadWindow := p.window != Window{}
	p.window = w
	p.windowAt = time.Now()
	p.mu.Unlock()

	if changed {
		p.cfg.Logger.Debug().Str("activity", w.Name()).Msg("Foreground activity changed")
		p.dropDump()
		if hadWindow {
			p.notify()
		}
	}
	return w, nil
}

// Watch polls the device until ctx is done, detecting window and content
// changes. It blocks.
func (p *Provider) Watch(ctx context.Context) {
	pollEvery := p.cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = 400 * time.Millisecond
	}
	windowTicker := time.NewTicker(pollEvery)
	defer windowTicker.Stop()

	var contentTick <-chan time.Time
	if p.cfg.ContentInterval > 0 {
		contentTicker := time.NewTicker(p.cfg.ContentInterval)
		defer contentTicker.Stop()
		contentTick = contentTicker.C
	}

	if _, err := p.RefreshWindow(ctx); err != nil {
		p.cfg.Logger.Debug().Err(err).Msg("Initial window query failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-windowTicker.C:
			if _, err := p.RefreshWindow(ctx); err != nil && ctx.Err() == nil {
				p.cfg.Logger.Debug().Err(err).Msg("Window poll failed")
			}
		case <-contentTick:
			if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.cfg.Logger.Debug().Err(err).Msg("Content poll failed")
			}
		}
	}
}
