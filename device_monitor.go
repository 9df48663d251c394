package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// DeviceMonitor follows `adb track-devices` and reports when one device
// comes online or goes away
type DeviceMonitor struct {
	adb      *Adb
	serial   string
	onChange func(online bool)

	mu     sync.Mutex
	online bool
	seen   bool
}

// NewDeviceMonitor watches serial. onChange runs on the monitor goroutine
// for every transition, including the first observation.
func NewDeviceMonitor(adb *Adb, serial string, onChange func(online bool)) *DeviceMonitor {
	return &DeviceMonitor{adb: adb, serial: serial, onChange: onChange}
}

// Online reports the last observed state
func (m *DeviceMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run restarts track-devices until ctx is done. It blocks.
func (m *DeviceMonitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := m.adb.Command(ctx, "track-devices")
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			LogWarn("device_monitor").Err(err).Msg("Failed to create pipe")
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		if err := cmd.Start(); err != nil {
			LogWarn("device_monitor").Err(err).Msg("Failed to start track-devices")
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}

		LogInfo("device_monitor").Str("device", m.serial).Msg("Device monitor started")
		err = m.consume(stdout)
		cmd.Wait()
		if ctx.Err() != nil {
			return
		}

		// The adb server went away with the device list
		m.update(nil)
		LogWarn("device_monitor").Err(err).Msg("Device monitor disconnected, restarting")
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// consume reads track-devices frames: four hex digits of length followed
// by a device list
func (m *DeviceMonitor) consume(r io.Reader) error {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return err
		}
		length, err := strconv.ParseUint(string(header), 16, 32)
		if err != nil {
			return fmt.Errorf("bad track-devices header %q: %w", header, err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		m.update(ParseDevices(string(payload)))
	}
}

func (m *DeviceMonitor) update(devices []Device) {
	online := false
	for _, d := range devices {
		if d.ID == m.serial && d.Online() {
			online = true
			break
		}
	}

	m.mu.Lock()
	changed := !m.seen || m.online != online
	m.seen = true
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	LogInfo("device_monitor").Str("device", m.serial).Bool("online", online).Msg("Device state changed")
	if m.onChange != nil {
		m.onChange(online)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
