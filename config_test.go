package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Snapshot.MinDumpIntervalMs != 300 || cfg.Snapshot.DumpRetries != 3 {
		t.Errorf("unexpected snapshot defaults %+v", cfg.Snapshot)
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantErr  bool
		warnings []string
		check    func(t *testing.T, cfg Config)
	}{
		{
			name: "overrides keep other defaults",
			data: `{"deviceId":"emulator-5554","workflow":{"targetQuantity":"1张"}}`,
			check: func(t *testing.T, cfg Config) {
				if cfg.DeviceID != "emulator-5554" {
					t.Errorf("deviceId = %q", cfg.DeviceID)
				}
				if cfg.Workflow.TargetQuantity != "1张" {
					t.Errorf("targetQuantity = %q", cfg.Workflow.TargetQuantity)
				}
				if cfg.Workflow.Controls.BuyButton == "" {
					t.Error("buy button default lost")
				}
				if cfg.AdbPath != "adb" {
					t.Errorf("adbPath = %q", cfg.AdbPath)
				}
			},
		},
		{
			name:     "unknown keys are reported",
			data:     `{"devcieId":"x","logLevel":"debug","theme":"dark"}`,
			warnings: []string{`unknown config key "devcieId"`, `unknown config key "theme"`},
			check: func(t *testing.T, cfg Config) {
				if cfg.LogLevel != "debug" {
					t.Errorf("logLevel = %q", cfg.LogLevel)
				}
			},
		},
		{name: "invalid json", data: `{"deviceId":`, wantErr: true},
		{name: "wrong type", data: `{"snapshot":{"dumpRetries":"three"}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, warnings, err := ParseConfig([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !equalStrings(warnings, tt.warnings) {
				t.Errorf("warnings = %v, want %v", warnings, tt.warnings)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, warnings, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || len(warnings) != 0 {
		t.Fatalf("err=%v warnings=%v", err, warnings)
	}
	if cfg.AdbPath != "adb" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.DeviceID = "192.168.1.20:5555"
	cfg.Workflow.PaymentPIN = "123456"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, warnings, err := LoadConfig(path)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("err=%v warnings=%v", err, warnings)
	}
	if loaded.DeviceID != cfg.DeviceID || loaded.Workflow.PaymentPIN != "123456" {
		t.Errorf("loaded %+v", loaded)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDevice:   "emulator-5556",
		EnvDataDir:  "/tmp/tapline",
		EnvLogLevel: "debug",
	}
	cfg := DefaultConfig()
	ApplyEnv(&cfg, func(k string) string { return env[k] })

	if cfg.DeviceID != "emulator-5556" || cfg.DataDir != "/tmp/tapline" || cfg.LogLevel != "debug" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.AdbPath != "adb" {
		t.Errorf("unset variable changed adbPath to %q", cfg.AdbPath)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad device", func(c *Config) { c.DeviceID = "dev;rm -rf" }, "device ID"},
		{"empty adb", func(c *Config) { c.AdbPath = " " }, "adbPath"},
		{"negative rate", func(c *Config) { c.Input.MaxEventsPerSecond = -1 }, "maxEventsPerSecond"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "retentionDays"},
		{"bad workflow", func(c *Config) { c.Workflow.Controls.SubmitButton = "" }, "submitButton"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestConfigConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Snapshot.MaxAgeMs = 100
	cfg.Input.CommandTimeoutMs = 2500

	snap := cfg.SnapshotConfig(nil)
	if snap.MaxAge != 100*time.Millisecond || snap.DumpRetries != 3 {
		t.Errorf("snapshot config %+v", snap)
	}
	sink := cfg.AdbSinkConfig("emulator-5554")
	if sink.Serial != "emulator-5554" || sink.Timeout != 2500*time.Millisecond || sink.MaxEventsPerSecond != 200 {
		t.Errorf("sink config %+v", sink)
	}
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan Config, 4)
	w := NewConfigWatcher(path, func(c Config) { reloaded <- c })
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Unrelated files in the directory are ignored
	os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644)

	if err := os.WriteFile(path, []byte(`{"deviceId":"emulator-5554"}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.DeviceID != "emulator-5554" {
			t.Errorf("reloaded deviceId = %q", cfg.DeviceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
