package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"Tapline/pkg/grabber"
	"Tapline/pkg/inject"
	"Tapline/pkg/snapshot"
)

// SnapshotSettings tunes the uiautomator dump provider. Values are ms.
type SnapshotSettings struct {
	MinDumpIntervalMs int `json:"minDumpIntervalMs"`
	MaxAgeMs          int `json:"maxAgeMs"`
	PollIntervalMs    int `json:"pollIntervalMs"`
	ContentIntervalMs int `json:"contentIntervalMs"`
	DumpTimeoutMs     int `json:"dumpTimeoutMs"`
	DumpRetries       int `json:"dumpRetries"`
}

// InputSettings tunes the ADB input sink
type InputSettings struct {
	MaxEventsPerSecond float64 `json:"maxEventsPerSecond"`
	CommandTimeoutMs   int     `json:"commandTimeoutMs"`
}

// Config is the content of config.json
type Config struct {
	DeviceID  string `json:"deviceId"`
	AdbPath   string `json:"adbPath"`
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	LogToFile bool   `json:"logToFile"`
	// RetentionDays drops finished sessions older than this on open. Zero keeps all.
	RetentionDays int              `json:"retentionDays"`
	Snapshot      SnapshotSettings `json:"snapshot"`
	Input         InputSettings    `json:"input"`
	Workflow      grabber.Workflow `json:"workflow"`
}

// Environment overrides, usually set in a .env file
const (
	EnvDevice   = "TAPLINE_DEVICE"
	EnvAdb      = "TAPLINE_ADB"
	EnvDataDir  = "TAPLINE_DATA_DIR"
	EnvLogLevel = "TAPLINE_LOG_LEVEL"
)

// DefaultDataDir is ~/.tapline, or ./.tapline without a home directory
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tapline"
	}
	return filepath.Join(home, ".tapline")
}

// DefaultConfig returns the built-in settings
func DefaultConfig() Config {
	snap := snapshot.DefaultConfig(nil)
	return Config{
		AdbPath:       "adb",
		DataDir:       DefaultDataDir(),
		LogLevel:      "info",
		RetentionDays: 30,
		Snapshot: SnapshotSettings{
			MinDumpIntervalMs: int(snap.MinDumpInterval / time.Millisecond),
			MaxAgeMs:          int(snap.MaxAge / time.Millisecond),
			PollIntervalMs:    int(snap.PollInterval / time.Millisecond),
			ContentIntervalMs: int(snap.ContentInterval / time.Millisecond),
			DumpTimeoutMs:     int(snap.DumpTimeout / time.Millisecond),
			DumpRetries:       snap.DumpRetries,
		},
		Input: InputSettings{
			MaxEventsPerSecond: 200,
			CommandTimeoutMs:   5000,
		},
		Workflow: grabber.DefaultWorkflow(),
	}
}

// DefaultConfigPath is config.json inside the default data directory
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}

var knownConfigKeys = func() map[string]bool {
	keys := map[string]bool{}
	data, _ := json.Marshal(Config{})
	gjson.ParseBytes(data).ForEach(func(key, _ gjson.Result) bool {
		keys[key.String()] = true
		return true
	})
	return keys
}()

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults. Unknown top-level keys are returned as warnings.
func LoadConfig(path string) (Config, []string, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil, nil
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, warnings, err := ParseConfig(data)
	if err != nil {
		return cfg, warnings, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, warnings, nil
}

// ParseConfig decodes data over DefaultConfig
func ParseConfig(data []byte) (Config, []string, error) {
	cfg := DefaultConfig()
	if !gjson.ValidBytes(data) {
		return cfg, nil, fmt.Errorf("invalid JSON")
	}

	var warnings []string
	gjson.ParseBytes(data).ForEach(func(key, _ gjson.Result) bool {
		if !knownConfigKeys[key.String()] {
			warnings = append(warnings, fmt.Sprintf("unknown config key %q", key.String()))
		}
		return true
	})
	sort.Strings(warnings)

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), warnings, err
	}
	return cfg, warnings, nil
}

// ApplyEnv overrides cfg with TAPLINE_* variables from the environment
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvDevice); v != "" {
		cfg.DeviceID = v
	}
	if v := getenv(EnvAdb); v != "" {
		cfg.AdbPath = v
	}
	if v := getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks settings that would make a session misbehave
func (c Config) Validate() error {
	if c.DeviceID != "" {
		if err := ValidateDeviceID(c.DeviceID); err != nil {
			return err
		}
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must not be negative")
	}
	if strings.TrimSpace(c.AdbPath) == "" {
		return fmt.Errorf("adbPath is empty")
	}
	if c.Input.MaxEventsPerSecond < 0 {
		return fmt.Errorf("input.maxEventsPerSecond is negative: %s", strconv.FormatFloat(c.Input.MaxEventsPerSecond, 'f', -1, 64))
	}
	return c.Workflow.Validate()
}

// SnapshotConfig converts the settings for snapshot.New
func (c Config) SnapshotConfig(shell snapshot.Shell) snapshot.Config {
	s := c.Snapshot
	cfg := snapshot.DefaultConfig(shell)
	cfg.MinDumpInterval = time.Duration(s.MinDumpIntervalMs) * time.Millisecond
	cfg.MaxAge = time.Duration(s.MaxAgeMs) * time.Millisecond
	cfg.PollInterval = time.Duration(s.PollIntervalMs) * time.Millisecond
	cfg.ContentInterval = time.Duration(s.ContentIntervalMs) * time.Millisecond
	cfg.DumpTimeout = time.Duration(s.DumpTimeoutMs) * time.Millisecond
	cfg.DumpRetries = s.DumpRetries
	return cfg
}

// AdbSinkConfig converts the input settings for inject.StartAdbSink
func (c Config) AdbSinkConfig(serial string) inject.AdbSinkConfig {
	return inject.AdbSinkConfig{
		Serial:             serial,
		Timeout:            time.Duration(c.Input.CommandTimeoutMs) * time.Millisecond,
		MaxEventsPerSecond: c.Input.MaxEventsPerSecond,
	}
}

// SaveConfig writes cfg as indented JSON
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
