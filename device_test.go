package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"emulator-5554", false},
		{"1234567890ABCDEF", false},
		{"192.168.1.100:5555", false},
		{"adb-R5CT1234._adb-tls-connect._tcp.", false},
		{"", true},
		{"dev;reboot", true},
		{"dev && reboot", true},
		{"$(id)", true},
		{strings.Repeat("a", 257), true},
	}
	for _, tt := range tests {
		err := ValidateDeviceID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateDeviceID(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidDeviceID) {
			t.Errorf("ValidateDeviceID(%q) error does not wrap ErrInvalidDeviceID", tt.id)
		}
	}
}

func TestParseDevices(t *testing.T) {
	output := `List of devices attached
* daemon started successfully
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 device:emu64x transport_id:1
R5CT1234ABC            unauthorized usb:1-1 transport_id:2
192.168.1.20:5555      device product:PD2049 model:V2049A transport_id:3
192.168.1.21:5555      offline

`
	devices := ParseDevices(output)
	if len(devices) != 4 {
		t.Fatalf("parsed %d devices, want 4: %+v", len(devices), devices)
	}

	want := []Device{
		{ID: "emulator-5554", State: "device", Model: "sdk_gphone64_x86_64", Product: "sdk_gphone64", Transport: "1", Type: "wired"},
		{ID: "R5CT1234ABC", State: "unauthorized", Transport: "2", Type: "wired"},
		{ID: "192.168.1.20:5555", State: "device", Model: "V2049A", Product: "PD2049", Transport: "3", Type: "wireless"},
		{ID: "192.168.1.21:5555", State: "offline", Type: "wireless"},
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, devices[i], want[i])
		}
	}
	if !devices[0].Online() || devices[1].Online() {
		t.Error("Online() mismatch")
	}
}

func TestPickDevice(t *testing.T) {
	one := []Device{{ID: "a", State: "device"}, {ID: "b", State: "offline"}}
	two := []Device{{ID: "a", State: "device"}, {ID: "b", State: "device"}}

	if got, err := PickDevice(one, "", ""); err != nil || got != "a" {
		t.Errorf("PickDevice(one) = %q, %v", got, err)
	}
	if _, err := PickDevice(two, "", ""); err == nil {
		t.Error("expected an error with two online devices")
	}
	if _, err := PickDevice(nil, "", ""); err == nil {
		t.Error("expected an error without devices")
	}
	if got, err := PickDevice(two, "b", ""); err != nil || got != "b" {
		t.Errorf("PickDevice(two, b) = %q, %v", got, err)
	}
	if got, err := PickDevice(two, "", "b"); err != nil || got != "b" {
		t.Errorf("PickDevice(two, pinned b) = %q, %v", got, err)
	}
	if _, err := PickDevice(one[:1], "", "b"); err != nil {
		t.Errorf("pinned offline device should not matter: %v", err)
	}
	if _, err := PickDevice(nil, "bad id", ""); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("PickDevice with bad id err = %v", err)
	}
}

// fakeAdb writes a shell script standing in for the adb binary
func fakeAdb(t *testing.T, script string) *Adb {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script adb stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "adb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return NewAdb(path)
}

func TestRunAdbCommand(t *testing.T) {
	adb := fakeAdb(t, `echo "args: $*"; echo "proxy: [$HTTP_PROXY]"`)
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:8888")

	out, err := adb.RunAdbCommand(context.Background(), "emulator-5554", "shell", "getprop ro.product.model")
	if err != nil {
		t.Fatalf("RunAdbCommand: %v", err)
	}
	if !strings.Contains(out, "args: -s emulator-5554 shell getprop ro.product.model") {
		t.Errorf("unexpected args in %q", out)
	}
	if !strings.Contains(out, "proxy: []") {
		t.Errorf("proxy variable leaked into adb: %q", out)
	}

	if _, err := adb.RunAdbCommand(context.Background(), "bad;id", "shell", "ls"); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("bad serial err = %v", err)
	}
}

func TestRunAdbCommandFailure(t *testing.T) {
	adb := fakeAdb(t, `echo "error: device offline"; exit 1`)

	out, err := adb.RunAdbCommand(context.Background(), "emulator-5554", "shell", "ls")
	if err == nil {
		t.Fatal("expected an error")
	}
	if out != "error: device offline" || !strings.Contains(err.Error(), "device offline") {
		t.Errorf("out=%q err=%v", out, err)
	}
}

func TestListDevicesAndShell(t *testing.T) {
	adb := fakeAdb(t, `if [ "$1" = "devices" ]; then
  printf 'List of devices attached\nemulator-5554\tdevice model:Pixel_7\n'
else
  echo "$4"
fi`)

	devices, err := adb.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Model != "Pixel_7" {
		t.Errorf("devices = %+v", devices)
	}

	out, err := adb.Shell("emulator-5554")(context.Background(), "dumpsys window")
	if err != nil || out != "dumpsys window" {
		t.Errorf("shell out=%q err=%v", out, err)
	}
}

func trackFrame(payload string) string {
	return fmt.Sprintf("%04x%s", len(payload), payload)
}

func TestDeviceMonitorTransitions(t *testing.T) {
	var changes []bool
	m := NewDeviceMonitor(NewAdb(""), "emulator-5554", func(online bool) { changes = append(changes, online) })

	stream := trackFrame("") +
		trackFrame("emulator-5554\toffline\n") +
		trackFrame("emulator-5554\tdevice\n") +
		trackFrame("emulator-5554\tdevice\nemulator-5556\tdevice\n") +
		trackFrame("emulator-5556\tdevice\n")

	err := m.consume(strings.NewReader(stream))
	if !errors.Is(err, io.EOF) {
		t.Errorf("consume err = %v, want EOF", err)
	}

	want := []bool{false, true, false}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
	}
	if m.Online() {
		t.Error("monitor reports online after the device left")
	}
}

func TestDeviceMonitorBadHeader(t *testing.T) {
	m := NewDeviceMonitor(NewAdb(""), "x", nil)
	if err := m.consume(strings.NewReader("zzzz")); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("consume err = %v, want header error", err)
	}
}
