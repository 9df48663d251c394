package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"Tapline/pkg/snapshot"
)

// ErrInvalidDeviceID is wrapped by ValidateDeviceID failures
var ErrInvalidDeviceID = errors.New("invalid device ID")

// deviceIDPattern accepts the forms adb prints:
// - USB serials such as "1234567890ABCDEF" or "emulator-5554"
// - wireless devices as IP:port, e.g. "192.168.1.100:5555"
// - mDNS names such as "adb-xxxxx._adb-tls-connect._tcp."
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateDeviceID rejects ids that are unsafe to pass to adb
func ValidateDeviceID(deviceId string) error {
	if deviceId == "" {
		return fmt.Errorf("%w: device ID cannot be empty", ErrInvalidDeviceID)
	}
	if len(deviceId) > 256 {
		return fmt.Errorf("%w: device ID too long (max 256 characters)", ErrInvalidDeviceID)
	}
	if !deviceIDPattern.MatchString(deviceId) {
		return fmt.Errorf("%w: device ID %q contains illegal characters", ErrInvalidDeviceID, deviceId)
	}
	return nil
}

// ParseDevices parses `adb devices [-l]` output. It also accepts the
// payload of `adb track-devices` frames, which has the same line format.
func ParseDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		d := Device{ID: parts[0], State: parts[1], Type: "wired"}
		hasUSB := false
		for _, p := range parts[2:] {
			kv := strings.SplitN(p, ":", 2)
			if len(kv) != 2 {
				continue
			}
			switch kv[0] {
			case "model":
				d.Model = kv[1]
			case "product":
				d.Product = kv[1]
			case "transport_id":
				d.Transport = kv[1]
			case "usb":
				hasUSB = true
			}
		}
		isWireless := strings.Contains(d.ID, ":") || strings.Contains(d.ID, "._tcp") || strings.Contains(d.ID, "._adb-tls-connect")
		if isWireless && !hasUSB {
			d.Type = "wireless"
		}
		devices = append(devices, d)
	}
	return devices
}

// Adb runs the adb binary
type Adb struct {
	Path string
}

// NewAdb returns a runner for the binary at path, "adb" when empty
func NewAdb(path string) *Adb {
	if path == "" {
		path = "adb"
	}
	return &Adb{Path: path}
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// Command creates an exec.Cmd with proxy variables removed from the
// environment; adb's server connection breaks behind some proxies.
func (a *Adb) Command(ctx context.Context, args ...string) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, a.Path, args...)
	} else {
		cmd = exec.Command(a.Path, args...)
	}

	env := os.Environ()
	newEnv := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			newEnv = append(newEnv, e)
		}
	}
	cmd.Env = newEnv
	return cmd
}

// RunAdbCommand runs `adb -s serial args...` and returns trimmed combined
// output. An empty serial addresses the adb server itself.
func (a *Adb) RunAdbCommand(ctx context.Context, serial string, args ...string) (string, error) {
	var full []string
	if serial != "" {
		if err := ValidateDeviceID(serial); err != nil {
			return "", err
		}
		full = append(full, "-s", serial)
	}
	full = append(full, args...)

	output, err := a.Command(ctx, full...).CombinedOutput()
	res := strings.TrimSpace(string(output))
	if err != nil {
		return res, fmt.Errorf("adb %s failed: %w, output: %s", strings.Join(args, " "), err, res)
	}
	return res, nil
}

// ListDevices returns the devices adb currently sees
func (a *Adb) ListDevices(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	output, err := a.RunAdbCommand(ctx, "", "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to run adb devices (path: %s): %w", a.Path, err)
	}
	return ParseDevices(output), nil
}

// Shell returns a snapshot.Shell running one-off commands on serial
func (a *Adb) Shell(serial string) snapshot.Shell {
	return func(ctx context.Context, command string) (string, error) {
		return a.RunAdbCommand(ctx, serial, "shell", command)
	}
}

// PickDevice returns serial when it is set, otherwise the only online
// device, otherwise the pinned one if it is online
func PickDevice(devices []Device, serial, pinned string) (string, error) {
	if serial != "" {
		return serial, ValidateDeviceID(serial)
	}
	var online []string
	for _, d := range devices {
		if d.Online() {
			online = append(online, d.ID)
		}
	}
	switch len(online) {
	case 0:
		return "", fmt.Errorf("no online device")
	case 1:
		return online[0], nil
	default:
		for _, id := range online {
			if id == pinned {
				return id, nil
			}
		}
		return "", fmt.Errorf("%d devices online (%s); choose one with --device or %s", len(online), strings.Join(online, ", "), EnvDevice)
	}
}
