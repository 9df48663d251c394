package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Tapline/pkg/types"
)

// Settings represents persistent device settings
type Settings struct {
	LastActive   map[string]int64 `json:"lastActive"`
	PinnedSerial string           `json:"pinnedSerial"`
}

// Service remembers which devices were used and which one is pinned
type Service struct {
	configDir    string
	settingsPath string

	lastActive   map[string]int64
	lastActiveMu sync.RWMutex

	pinnedSerial string
	pinnedMu     sync.RWMutex

	logger zerolog.Logger
}

// Config for creating a new Service
type Config struct {
	ConfigDir string
	Logger    zerolog.Logger
}

// New creates a Service and loads settings.json from cfg.ConfigDir
func New(cfg Config) (*Service, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		configDir = filepath.Join(configDir, "Tapline")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	s := &Service{
		configDir:    configDir,
		settingsPath: filepath.Join(configDir, "settings.json"),
		lastActive:   make(map[string]int64),
		logger:       cfg.Logger,
	}
	s.loadSettings()
	return s, nil
}

// ========================================
// Settings Methods
// ========================================

// GetLastActive returns the last active timestamp for a device
func (s *Service) GetLastActive(deviceID string) int64 {
	s.lastActiveMu.RLock()
	defer s.lastActiveMu.RUnlock()
	return s.lastActive[deviceID]
}

// SetLastActive updates the last active timestamp for a device
func (s *Service) SetLastActive(deviceID string, timestamp int64) {
	s.lastActiveMu.Lock()
	s.lastActive[deviceID] = timestamp
	s.lastActiveMu.Unlock()
}

// Touch marks a device as used now
func (s *Service) Touch(deviceID string) {
	s.SetLastActive(deviceID, time.Now().UnixMilli())
}

// GetPinnedSerial returns the pinned device serial
func (s *Service) GetPinnedSerial() string {
	s.pinnedMu.RLock()
	defer s.pinnedMu.RUnlock()
	return s.pinnedSerial
}

// SetPinnedSerial sets the pinned device serial. Empty unpins.
func (s *Service) SetPinnedSerial(serial string) {
	s.pinnedMu.Lock()
	s.pinnedSerial = serial
	s.pinnedMu.Unlock()
}

// Annotate fills LastActive and IsPinned on devices
func (s *Service) Annotate(devices []types.Device) {
	pinned := s.GetPinnedSerial()
	s.lastActiveMu.RLock()
	defer s.lastActiveMu.RUnlock()
	for i := range devices {
		devices[i].LastActive = s.lastActive[devices[i].ID]
		devices[i].IsPinned = pinned != "" && devices[i].ID == pinned
	}
}

// SaveSettings persists settings to disk
func (s *Service) SaveSettings() error {
	s.lastActiveMu.RLock()
	lastActive := make(map[string]int64, len(s.lastActive))
	for k, v := range s.lastActive {
		lastActive[k] = v
	}
	s.lastActiveMu.RUnlock()

	settings := Settings{
		LastActive:   lastActive,
		PinnedSerial: s.GetPinnedSerial(),
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(s.settingsPath, data, 0644)
}

func (s *Service) loadSettings() {
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		s.logger.Warn().Err(err).Str("path", s.settingsPath).Msg("Ignoring unreadable settings")
		return
	}

	s.lastActiveMu.Lock()
	if settings.LastActive != nil {
		s.lastActive = settings.LastActive
	}
	s.lastActiveMu.Unlock()

	s.SetPinnedSerial(settings.PinnedSerial)
}

// SettingsPath returns the settings file path
func (s *Service) SettingsPath() string {
	return s.settingsPath
}

// Close saves settings before shutdown
func (s *Service) Close() error {
	if err := s.SaveSettings(); err != nil {
		s.logger.Error().Err(err).Msg("Error saving settings on close")
		return err
	}
	return nil
}
