package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"Tapline/pkg/cache"
	"Tapline/pkg/grabber"
	"Tapline/pkg/inject"
	"Tapline/pkg/snapshot"
	"Tapline/pkg/uitree"
)

var (
	// ErrSessionActive is returned when a session is already running
	ErrSessionActive = errors.New("a session is already running")
	// ErrNoSession is returned when no session is running
	ErrNoSession = errors.New("no session is running")
	// ErrNoDevice is returned before a device has been connected
	ErrNoDevice = errors.New("no device connected")
	// ErrInputRejected is returned when the input channel refuses an operation
	ErrInputRejected = errors.New("input rejected by device")
)

// App ties configuration, the device connection, the input channel and the
// session store together. The CLI and the MCP server both drive it.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	version    string
	configPath string
	configMu   sync.RWMutex
	config     Config

	adb      *Adb
	store    *EventStore
	settings *cache.Service
	watcher  *ConfigWatcher

	// Device connection
	deviceMu sync.Mutex
	serial   string
	provider *snapshot.Provider
	channel  *inject.Channel
	monitor  *DeviceMonitor
	deviceWG sync.WaitGroup
	// startSink opens an input sink for a device. Tests replace it.
	startSink func(serial string) (inject.Sink, error)

	// Set by tree changes, consumed by the running session
	changes grabber.ChangeFlag

	// Session gate: at most one session runs at a time
	sessionMu   sync.Mutex
	session     *grabber.Session
	sessionDone chan struct{}
	lastStatus  *SessionStatus
	lastResult  *grabber.Result

	listenersMu     sync.Mutex
	statusListeners []func(grabber.StatusEvent)
}

// NewApp creates an App for cfg. configPath is watched for changes once
// WatchConfig is called; it may be empty.
func NewApp(cfg Config, configPath, version string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		ctx:        ctx,
		cancel:     cancel,
		version:    version,
		configPath: configPath,
		config:     cfg,
		adb:        NewAdb(cfg.AdbPath),
	}
	a.startSink = a.startAdbSink
	return a
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return a.version
}

// Config returns the current configuration
func (a *App) Config() Config {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.config
}

// Open opens the session store and device settings in the data directory
func (a *App) Open() error {
	cfg := a.Config()

	store, err := NewEventStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	settings, err := cache.New(cache.Config{ConfigDir: cfg.DataDir, Logger: ModuleLogger("settings")})
	if err != nil {
		store.Close()
		return fmt.Errorf("open settings: %w", err)
	}
	a.store = store
	a.settings = settings

	if cfg.RetentionDays > 0 {
		n, err := store.CleanupOldSessions(time.Duration(cfg.RetentionDays) * 24 * time.Hour)
		if err != nil {
			LogWarn("store").Err(err).Msg("Session cleanup failed")
		} else if n > 0 {
			LogInfo("store").Int("deleted", n).Int("retentionDays", cfg.RetentionDays).Msg("Old sessions removed")
		}
	}

	LogInfo("app").Str("dataDir", cfg.DataDir).Str("version", a.version).Msg("App opened")
	return nil
}

// WatchConfig reloads the config file when it changes. Workflow changes
// apply to the next session.
func (a *App) WatchConfig() error {
	if a.configPath == "" {
		return nil
	}
	a.watcher = NewConfigWatcher(a.configPath, a.applyConfig)
	return a.watcher.Start()
}

func (a *App) applyConfig(cfg Config) {
	ApplyEnv(&cfg, nil)
	if err := cfg.Validate(); err != nil {
		LogWarn("config").Err(err).Msg("Reloaded config is invalid, keeping the current one")
		return
	}

	a.configMu.Lock()
	prev := a.config
	// The device and data directory are bound at startup
	cfg.DeviceID = prev.DeviceID
	cfg.DataDir = prev.DataDir
	cfg.AdbPath = prev.AdbPath
	a.config = cfg
	a.configMu.Unlock()

	if cfg.LogLevel != prev.LogLevel {
		SetLogLevel(ParseLogLevel(cfg.LogLevel))
	}
	LogInfo("config").Msg("Config reloaded")
}

// ========================================
// Device connection
// ========================================

// ConnectDevice picks the device, starts the tree provider, the input
// channel and the device monitor. It returns the serial in use.
func (a *App) ConnectDevice(ctx context.Context) (string, error) {
	a.deviceMu.Lock()
	defer a.deviceMu.Unlock()

	if a.serial != "" {
		return a.serial, nil
	}

	cfg := a.Config()
	serial := cfg.DeviceID
	if serial == "" {
		devices, err := a.adb.ListDevices(ctx)
		if err != nil {
			return "", err
		}
		pinned := ""
		if a.settings != nil {
			pinned = a.settings.GetPinnedSerial()
		}
		serial, err = PickDevice(devices, "", pinned)
		if err != nil {
			return "", err
		}
	} else if err := ValidateDeviceID(serial); err != nil {
		return "", err
	}

	snapCfg := cfg.SnapshotConfig(a.adb.Shell(serial))
	snapCfg.Logger = ModuleLogger("snapshot")
	provider := snapshot.New(snapCfg)
	provider.OnChanged(a.changes.Notify)

	channel := inject.NewChannel(nil, inject.WithLogger(ModuleLogger("inject")))
	a.attachDevice(serial, provider, channel)

	a.connectSink(serial, channel)
	a.monitor = NewDeviceMonitor(a.adb, serial, func(online bool) {
		if !online {
			channel.Disconnect()
			return
		}
		if !channel.IsAvailable() {
			a.connectSink(serial, channel)
		}
	})

	a.deviceWG.Add(3)
	go func() {
		defer a.deviceWG.Done()
		a.monitor.Run(a.ctx)
	}()
	go func() {
		defer a.deviceWG.Done()
		provider.Watch(a.ctx)
	}()
	go func() {
		defer a.deviceWG.Done()
		a.superviseSink(a.ctx, serial, a.monitor.Online, sinkRetryInterval)
	}()

	if a.settings != nil {
		a.settings.Touch(serial)
	}
	LogInfo("app").Str("device", serial).Msg("Device connected")
	return serial, nil
}

// attachDevice installs the device collaborators without starting any
// background work
func (a *App) attachDevice(serial string, provider *snapshot.Provider, channel *inject.Channel) {
	a.serial = serial
	a.provider = provider
	a.channel = channel
}

// sinkRetryInterval is how often a dead input shell is restarted while
// the device stays online
const sinkRetryInterval = 2 * time.Second

// connectSink starts an input shell and plugs it into the channel
func (a *App) connectSink(serial string, channel *inject.Channel) bool {
	sink, err := a.startSink(serial)
	if err != nil {
		LogWarn("app").Err(err).Str("device", serial).Msg("Failed to start input shell")
		return false
	}
	channel.Connect(sink)
	return true
}

func (a *App) startAdbSink(serial string) (inject.Sink, error) {
	sinkCfg := a.Config().AdbSinkConfig(serial)
	sinkCfg.Command = a.adb.Command
	sinkCfg.Logger = ModuleLogger("adb_sink")
	sink, err := inject.StartAdbSink(a.ctx, sinkCfg)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// superviseSink restarts the input shell whenever it died (command timeout,
// shell exit) while online still reports the device as present. The device
// monitor only fires on transitions, so it cannot see a dead shell.
func (a *App) superviseSink(ctx context.Context, serial string, online func() bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.reviveSink(serial, online)
	}
}

// reviveSink reconnects once if the channel is down and the device is online
func (a *App) reviveSink(serial string, online func() bool) bool {
	_, channel, _ := a.device()
	if channel == nil || channel.IsAvailable() || !online() {
		return false
	}
	LogWarn("app").Str("device", serial).Msg("Input shell lost, restarting")
	return a.connectSink(serial, channel)
}

func (a *App) device() (*snapshot.Provider, *inject.Channel, string) {
	a.deviceMu.Lock()
	defer a.deviceMu.Unlock()
	return a.provider, a.channel, a.serial
}

// ensureDevice connects lazily for callers that need the device
func (a *App) ensureDevice(ctx context.Context) (*snapshot.Provider, *inject.Channel, error) {
	if p, c, serial := a.device(); serial != "" {
		return p, c, nil
	}
	if _, err := a.ConnectDevice(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	p, c, _ := a.device()
	return p, c, nil
}

// GetDevices lists adb devices with their last use and pin state
func (a *App) GetDevices(ctx context.Context) ([]Device, error) {
	devices, err := a.adb.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if a.settings != nil {
		a.settings.Annotate(devices)
	}
	return devices, nil
}

// PinDevice makes serial the default when several devices are online.
// An empty serial unpins.
func (a *App) PinDevice(serial string) error {
	if serial != "" {
		if err := ValidateDeviceID(serial); err != nil {
			return err
		}
	}
	a.settings.SetPinnedSerial(serial)
	return a.settings.SaveSettings()
}

// ========================================
// Tree queries
// ========================================

// GetUIHierarchy dumps the current screen
func (a *App) GetUIHierarchy(ctx context.Context) (*UIHierarchyResult, error) {
	provider, _, err := a.ensureDevice(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := provider.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	root := snap.Root()
	var text strings.Builder
	if err := uitree.Dump(&text, root); err != nil {
		return nil, err
	}
	return &UIHierarchyResult{
		Root:     toUINode(root, true),
		Text:     text.String(),
		Activity: provider.ForegroundActivity(),
	}, nil
}

// FindElements returns the nodes matching a selector such as
// `Button[text='立即购买']`
func (a *App) FindElements(ctx context.Context, selector string) ([]*UINode, error) {
	provider, _, err := a.ensureDevice(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := provider.Refresh(ctx); err != nil {
		return nil, err
	}
	return toUINodes(uitree.NewEngine(provider).FindBySelector(selector)), nil
}

// ResolvePath returns the nodes reached by a slash separated path of
// class/id segments
func (a *App) ResolvePath(ctx context.Context, query string) ([]*UINode, error) {
	provider, _, err := a.ensureDevice(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := provider.Refresh(ctx); err != nil {
		return nil, err
	}
	return toUINodes(uitree.NewEngine(provider).ResolvePath(query)), nil
}

func toUINodes(nodes []uitree.Node) []*UINode {
	out := make([]*UINode, 0, len(nodes))
	for _, n := range nodes {
		if v := toUINode(n, false); v != nil {
			out = append(out, v)
		}
	}
	return out
}

// toUINode copies n, with its subtree when deep is set. Missing children
// of an invalidated snapshot are skipped.
func toUINode(n uitree.Node, deep bool) *UINode {
	if n == nil {
		return nil
	}
	v := &UINode{
		ID:          n.ID(),
		Class:       n.Class(),
		Text:        n.Text(),
		Description: n.Description(),
		Bounds:      n.Bounds().String(),
		Clickable:   n.Clickable(),
		Enabled:     n.Enabled(),
	}
	if !deep {
		return v
	}
	for i := 0; i < n.ChildCount(); i++ {
		if c := toUINode(n.Child(i), true); c != nil {
			v.Children = append(v.Children, c)
		}
	}
	return v
}

// ========================================
// Input
// ========================================

func (a *App) input(ctx context.Context, what string, fn func(c *inject.Channel) bool) error {
	_, channel, err := a.ensureDevice(ctx)
	if err != nil {
		return err
	}
	if !channel.IsAvailable() {
		return fmt.Errorf("%s: input channel unavailable", what)
	}
	if !fn(channel) {
		return fmt.Errorf("%s: %w", what, ErrInputRejected)
	}
	if provider, _, _ := a.device(); provider != nil {
		provider.Invalidate()
	}
	return nil
}

// Tap taps a screen point
func (a *App) Tap(ctx context.Context, x, y float64) error {
	return a.input(ctx, "tap", func(c *inject.Channel) bool { return c.Tap(x, y) })
}

// Swipe drags from one point to another over durationMs
func (a *App) Swipe(ctx context.Context, x0, y0, x1, y1 float64, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 300
	}
	d := time.Duration(durationMs) * time.Millisecond
	return a.input(ctx, "swipe", func(c *inject.Channel) bool { return c.Drag(x0, y0, x1, y1, d) })
}

// InputText types text character by character
func (a *App) InputText(ctx context.Context, text string) error {
	return a.input(ctx, "text", func(c *inject.Channel) bool { return c.SendText(text) })
}

// InputKey presses one Android key code
func (a *App) InputKey(ctx context.Context, code int) error {
	return a.input(ctx, "key", func(c *inject.Channel) bool { return c.SendKey(code) })
}

// ========================================
// Sessions
// ========================================

// OnStatus registers fn for every status signal of every session
func (a *App) OnStatus(fn func(grabber.StatusEvent)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.statusListeners = append(a.statusListeners, fn)
}

// Report stores a status signal and forwards it to listeners
func (a *App) Report(ev grabber.StatusEvent) {
	LogInfo("session").
		Str("session", ev.SessionID).
		Str("signal", string(ev.Signal)).
		Str("outcome", string(ev.Outcome)).
		Str("message", ev.Message).
		Msg("Session status")

	if a.store != nil {
		a.store.Report(ev)
	}

	a.listenersMu.Lock()
	listeners := append([]func(grabber.StatusEvent){}, a.statusListeners...)
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// StartSession starts the purchase loop on the connected device and returns
// the session id. The loop runs in the background.
func (a *App) StartSession(ctx context.Context) (string, error) {
	provider, channel, err := a.ensureDevice(ctx)
	if err != nil {
		return "", err
	}

	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.session != nil {
		return "", ErrSessionActive
	}

	cfg := a.Config()
	if err := cfg.Workflow.Validate(); err != nil {
		return "", err
	}
	_, _, serial := a.device()

	a.changes.Reset()
	sess := grabber.NewSession(cfg.Workflow, grabber.Deps{
		Tree:     provider,
		Window:   provider,
		Input:    channel,
		Changes:  &a.changes,
		Reporter: a,
		Recorder: a.store,
		Logger:   ModuleLogger("grabber"),
	})

	recorded := cfg.Workflow
	recorded.PaymentPIN = ""
	meta, err := json.Marshal(map[string]interface{}{
		"version":  a.version,
		"workflow": recorded,
	})
	if err != nil {
		return "", err
	}
	if err := a.store.CreateSession(&SessionRecord{ID: sess.ID(), DeviceID: serial, Metadata: meta}); err != nil {
		return "", fmt.Errorf("create session record: %w", err)
	}

	done := make(chan struct{})
	a.session = sess
	a.sessionDone = done
	a.lastStatus = nil
	a.lastResult = nil

	go a.runSession(sess, done)
	return sess.ID(), nil
}

func (a *App) runSession(sess *grabber.Session, done chan struct{}) {
	var res grabber.Result
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			LogPanic("app", r, string(debug.Stack()))
			res = grabber.Result{SessionID: sess.ID(), Outcome: grabber.OutcomeError, Err: fmt.Errorf("panic: %v", r)}
		}
		if err := a.store.FinishSession(res); err != nil {
			LogError("app").Err(err).Str("session", sess.ID()).Msg("Failed to store session result")
		}

		status := sess.Status()
		a.sessionMu.Lock()
		a.session = nil
		a.lastStatus = &status
		a.lastResult = &res
		a.sessionMu.Unlock()
	}()

	res = sess.Run(a.ctx)
}

// StopSession asks the running session to stop at its next cycle
func (a *App) StopSession() error {
	a.sessionMu.Lock()
	sess := a.session
	a.sessionMu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	sess.Stop()
	return nil
}

// WaitSession blocks until the current (or just finished) session ends
func (a *App) WaitSession(ctx context.Context) (grabber.Result, error) {
	a.sessionMu.Lock()
	done := a.sessionDone
	a.sessionMu.Unlock()
	if done == nil {
		return grabber.Result{}, ErrNoSession
	}

	select {
	case <-done:
	case <-ctx.Done():
		return grabber.Result{}, ctx.Err()
	}

	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return *a.lastResult, nil
}

// GetSessionStatus returns the live status of the running session, or the
// final status of the last one
func (a *App) GetSessionStatus() (*SessionStatus, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.session != nil {
		st := a.session.Status()
		return &st, nil
	}
	if a.lastStatus != nil {
		st := *a.lastStatus
		return &st, nil
	}
	return nil, ErrNoSession
}

// ListSessions returns stored sessions, newest first
func (a *App) ListSessions(deviceID string, limit int) ([]SessionRecord, error) {
	return a.store.ListSessions(deviceID, limit)
}

// GetSession returns one stored session
func (a *App) GetSession(id string) (*SessionRecord, error) {
	return a.store.GetSession(id)
}

// GetSessionActions returns the recorded inputs of a session
func (a *App) GetSessionActions(sessionID string, limit int) ([]StoredAction, error) {
	if _, err := a.store.GetSession(sessionID); err != nil {
		return nil, err
	}
	return a.store.GetActions(sessionID, limit)
}

// DeleteSession removes a stored session with its trace
func (a *App) DeleteSession(id string) error {
	if _, err := a.store.GetSession(id); err != nil {
		return err
	}
	a.sessionMu.Lock()
	running := a.session != nil && a.session.ID() == id
	a.sessionMu.Unlock()
	if running {
		return ErrSessionActive
	}
	return a.store.DeleteSession(id)
}

// ExportSessionToPath writes a session archive; see ExportSession
func (a *App) ExportSessionToPath(sessionID, outputPath string) (string, error) {
	timer := StartOperation("export", "export_session").AddDetail("session", sessionID)
	path, err := ExportSession(a.store, sessionID, outputPath)
	if err != nil {
		timer.EndWithError(err)
		return "", err
	}
	timer.AddDetail("path", path).End()
	return path, nil
}

// ImportSessionFromPath loads a session archive into the store
func (a *App) ImportSessionFromPath(path string) (string, error) {
	timer := StartOperation("export", "import_session").AddDetail("path", path)
	id, err := ImportSession(a.store, path)
	if err != nil {
		timer.EndWithError(err)
		return "", err
	}
	timer.AddDetail("session", id).End()
	return id, nil
}

// ========================================
// Shutdown
// ========================================

// Shutdown stops the running session and releases the device and store
func (a *App) Shutdown() {
	if err := a.StopSession(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := a.WaitSession(ctx); err != nil {
			LogWarn("app").Err(err).Msg("Session did not stop in time")
		}
		cancel()
	}

	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.cancel()

	a.deviceMu.Lock()
	channel := a.channel
	a.deviceMu.Unlock()
	if channel != nil {
		channel.Shutdown()
	}
	a.deviceWG.Wait()

	if a.settings != nil {
		a.settings.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			LogError("app").Err(err).Msg("Failed to close session store")
		}
	}
	LogInfo("app").Msg("App shut down")
}
