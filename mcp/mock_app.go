package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"Tapline/pkg/grabber"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockTaplineApp is a mock implementation of TaplineApp for testing
type MockTaplineApp struct {
	mu    sync.Mutex
	Calls []MockCall

	// Devices
	GetDevicesResult []Device
	GetDevicesError  error

	// Widget tree
	GetUIHierarchyResult *UIHierarchyResult
	GetUIHierarchyError  error
	FindElementsResult   []*UINode
	FindElementsError    error
	ResolvePathResult    []*UINode
	ResolvePathError     error

	// Input
	TapError       error
	SwipeError     error
	InputTextError error
	InputKeyError  error

	// Sessions
	StartSessionResult      string
	StartSessionError       error
	StopSessionError        error
	GetSessionStatusResult  *SessionStatus
	GetSessionStatusError   error
	ListSessionsResult      []SessionRecord
	ListSessionsError       error
	GetSessionActionsResult []StoredAction
	GetSessionActionsError  error

	// Version
	AppVersion string
}

// NewMockTaplineApp creates a new mock with sensible defaults
func NewMockTaplineApp() *MockTaplineApp {
	return &MockTaplineApp{
		Calls:              make([]MockCall, 0),
		AppVersion:         "1.0.0-test",
		StartSessionResult: "test-session-id",
	}
}

// recordCall records a method call
func (m *MockTaplineApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns all recorded calls
func (m *MockTaplineApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.Calls...)
}

// ResetCalls clears all recorded calls
func (m *MockTaplineApp) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// GetLastCall returns the last recorded call
func (m *MockTaplineApp) GetLastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}

// WasMethodCalled checks if a method was called
func (m *MockTaplineApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, call := range m.Calls {
		if call.Method == method {
			return true
		}
	}
	return false
}

// ========================================
// TaplineApp implementation
// ========================================

func (m *MockTaplineApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

func (m *MockTaplineApp) GetDevices(ctx context.Context) ([]Device, error) {
	m.recordCall("GetDevices")
	return m.GetDevicesResult, m.GetDevicesError
}

func (m *MockTaplineApp) GetUIHierarchy(ctx context.Context) (*UIHierarchyResult, error) {
	m.recordCall("GetUIHierarchy")
	return m.GetUIHierarchyResult, m.GetUIHierarchyError
}

func (m *MockTaplineApp) FindElements(ctx context.Context, selector string) ([]*UINode, error) {
	m.recordCall("FindElements", selector)
	return m.FindElementsResult, m.FindElementsError
}

func (m *MockTaplineApp) ResolvePath(ctx context.Context, query string) ([]*UINode, error) {
	m.recordCall("ResolvePath", query)
	return m.ResolvePathResult, m.ResolvePathError
}

func (m *MockTaplineApp) Tap(ctx context.Context, x, y float64) error {
	m.recordCall("Tap", x, y)
	return m.TapError
}

func (m *MockTaplineApp) Swipe(ctx context.Context, x0, y0, x1, y1 float64, durationMs int) error {
	m.recordCall("Swipe", x0, y0, x1, y1, durationMs)
	return m.SwipeError
}

func (m *MockTaplineApp) InputText(ctx context.Context, text string) error {
	m.recordCall("InputText", text)
	return m.InputTextError
}

func (m *MockTaplineApp) InputKey(ctx context.Context, code int) error {
	m.recordCall("InputKey", code)
	return m.InputKeyError
}

func (m *MockTaplineApp) StartSession(ctx context.Context) (string, error) {
	m.recordCall("StartSession")
	if m.StartSessionError != nil {
		return "", m.StartSessionError
	}
	return m.StartSessionResult, nil
}

func (m *MockTaplineApp) StopSession() error {
	m.recordCall("StopSession")
	return m.StopSessionError
}

func (m *MockTaplineApp) GetSessionStatus() (*SessionStatus, error) {
	m.recordCall("GetSessionStatus")
	return m.GetSessionStatusResult, m.GetSessionStatusError
}

func (m *MockTaplineApp) ListSessions(deviceID string, limit int) ([]SessionRecord, error) {
	m.recordCall("ListSessions", deviceID, limit)
	return m.ListSessionsResult, m.ListSessionsError
}

func (m *MockTaplineApp) GetSessionActions(sessionID string, limit int) ([]StoredAction, error) {
	m.recordCall("GetSessionActions", sessionID, limit)
	return m.GetSessionActionsResult, m.GetSessionActionsError
}

// ========================================
// Helper methods for test setup
// ========================================

// SetupWithDevices configures mock with sample devices
func (m *MockTaplineApp) SetupWithDevices(devices ...Device) *MockTaplineApp {
	m.GetDevicesResult = devices
	return m
}

// SetupWithError configures a specific method to return an error
func (m *MockTaplineApp) SetupWithError(method string, err error) *MockTaplineApp {
	switch method {
	case "GetDevices":
		m.GetDevicesError = err
	case "GetUIHierarchy":
		m.GetUIHierarchyError = err
	case "FindElements":
		m.FindElementsError = err
	case "ResolvePath":
		m.ResolvePathError = err
	case "Tap":
		m.TapError = err
	case "Swipe":
		m.SwipeError = err
	case "InputText":
		m.InputTextError = err
	case "InputKey":
		m.InputKeyError = err
	case "StartSession":
		m.StartSessionError = err
	case "StopSession":
		m.StopSessionError = err
	case "GetSessionStatus":
		m.GetSessionStatusError = err
	case "ListSessions":
		m.ListSessionsError = err
	case "GetSessionActions":
		m.GetSessionActionsError = err
	}
	return m
}

// Common test errors
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNoSession       = errors.New("no session")
	ErrSessionActive   = errors.New("a session is already running")
	ErrSessionNotFound = errors.New("session not found")
	ErrInputRejected   = errors.New("input rejected")
)

// Sample test data factories

// SampleDevice returns a sample device for testing
func SampleDevice(id string) Device {
	return Device{
		ID:      id,
		State:   "device",
		Model:   "Pixel_7",
		Product: "panther",
		Type:    "wired",
	}
}

// SampleNode returns a clickable button node for testing
func SampleNode(text string) *UINode {
	return &UINode{
		ID:        "cn.damai:id/btn_buy_view",
		Class:     "android.widget.Button",
		Text:      text,
		Bounds:    "[40,2200][1040,2320]",
		Clickable: true,
		Enabled:   true,
	}
}

// SampleHierarchy returns a small widget tree for testing
func SampleHierarchy() *UIHierarchyResult {
	root := &UINode{
		Class:   "android.widget.FrameLayout",
		Bounds:  "[0,0][1080,2400]",
		Enabled: true,
		Children: []*UINode{
			SampleNode("立即购买"),
		},
	}
	return &UIHierarchyResult{
		Root:     root,
		Text:     "FrameLayout [0,0][1080,2400]\n  Button #btn_buy_view \"立即购买\" [40,2200][1040,2320]\n",
		Activity: "cn.damai/.trade.newtradeorder.ui.projectdetail.ui.activity.ProjectDetailActivity",
	}
}

// SampleSession returns a finished session record for testing
func SampleSession(id, deviceID string) SessionRecord {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	return SessionRecord{
		ID:        id,
		DeviceID:  deviceID,
		StartedAt: start.UnixMilli(),
		EndedAt:   start.Add(42 * time.Second).UnixMilli(),
		Outcome:   string(grabber.OutcomeHandedOff),
		Message:   "payment screen reached",
		Cycles:    17,
		Attempts:  3,
	}
}

// SampleAction returns a recorded tap for testing
func SampleAction(sessionID, target string) StoredAction {
	return StoredAction{
		ID: "1",
		Action: grabber.Action{
			SessionID: sessionID,
			Time:      time.Date(2026, 3, 1, 20, 0, 5, 0, time.UTC),
			PageName:  "detail",
			Kind:      "tap",
			Target:    target,
			X:         540,
			Y:         2260,
			OK:        true,
		},
	}
}
