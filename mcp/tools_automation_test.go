package mcp

import (
	"context"
	"strings"
	"testing"
)

// ==================== ui_hierarchy ====================

func TestHandleUIHierarchy(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		contains []string
	}{
		{"text", "", []string{"UI Hierarchy (cn.damai/", `Button #btn_buy_view "立即购买"`}},
		{"json", "json", []string{"```json", `"class": "android.widget.FrameLayout"`, `"text": "立即购买"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTaplineApp()
			mock.GetUIHierarchyResult = SampleHierarchy()
			server := NewMCPServer(mock)

			args := map[string]interface{}{}
			if tt.format != "" {
				args["format"] = tt.format
			}
			result, err := server.handleUIHierarchy(context.Background(), makeToolRequest(args))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			text := getTextContent(result)
			for _, want := range tt.contains {
				if !strings.Contains(text, want) {
					t.Errorf("missing %q in:\n%s", want, text)
				}
			}
		})
	}
}

func TestHandleUIHierarchy_Truncates(t *testing.T) {
	mock := NewMockTaplineApp()
	h := SampleHierarchy()
	h.Text = strings.Repeat("x", maxHierarchyChars+100)
	mock.GetUIHierarchyResult = h
	server := NewMCPServer(mock)

	result, err := server.handleUIHierarchy(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "truncated") {
		t.Error("large hierarchy should be truncated")
	}
}

func TestHandleUIHierarchy_Error(t *testing.T) {
	mock := NewMockTaplineApp()
	mock.SetupWithError("GetUIHierarchy", ErrDeviceNotFound)
	server := NewMCPServer(mock)

	if _, err := server.handleUIHierarchy(context.Background(), makeToolRequest(nil)); err == nil {
		t.Fatal("Expected error")
	}
}

// ==================== ui_find / ui_path ====================

func TestHandleUIFind(t *testing.T) {
	mock := NewMockTaplineApp()
	disabled := SampleNode("提交订单")
	disabled.Enabled = false
	mock.FindElementsResult = []*UINode{SampleNode("立即购买"), disabled}
	server := NewMCPServer(mock)

	result, err := server.handleUIFind(context.Background(), makeToolRequest(map[string]interface{}{
		"selector": "Button[clickable='true']",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	text := getTextContent(result)
	for _, want := range []string{"2 node", `"立即购买"`, "(clickable)", "(disabled)", "[40,2200][1040,2320]"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
	if last := mock.GetLastCall(); last.Args[0] != "Button[clickable='true']" {
		t.Errorf("selector not passed through: %v", last.Args)
	}
}

func TestHandleUIFind_MissingSelector(t *testing.T) {
	mock := NewMockTaplineApp()
	server := NewMCPServer(mock)

	_, err := server.handleUIFind(context.Background(), makeToolRequest(map[string]interface{}{}))
	if err == nil || !strings.Contains(err.Error(), "selector is required") {
		t.Fatalf("expected missing selector error, got %v", err)
	}
	if mock.WasMethodCalled("FindElements") {
		t.Error("FindElements should not be called without a selector")
	}
}

func TestHandleUIPath(t *testing.T) {
	mock := NewMockTaplineApp()
	server := NewMCPServer(mock)

	result, err := server.handleUIPath(context.Background(), makeToolRequest(map[string]interface{}{
		"query": "LinearLayout/TextView",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if getTextContent(result) != "No matching nodes" {
		t.Errorf("unexpected text %q", getTextContent(result))
	}

	mock.SetupWithError("ResolvePath", ErrDeviceNotFound)
	if _, err := server.handleUIPath(context.Background(), makeToolRequest(map[string]interface{}{
		"query": "Button",
	})); err == nil {
		t.Error("Expected error")
	}
}

// ==================== input ====================

func TestHandleInputTap(t *testing.T) {
	mock := NewMockTaplineApp()
	server := NewMCPServer(mock)

	result, err := server.handleInputTap(context.Background(), makeToolRequest(map[string]interface{}{
		"x": float64(540), "y": float64(2260),
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "(540, 2260)") {
		t.Errorf("unexpected text %q", getTextContent(result))
	}

	last := mock.GetLastCall()
	if last.Method != "Tap" || last.Args[0] != float64(540) || last.Args[1] != float64(2260) {
		t.Errorf("unexpected call %+v", last)
	}
}

func TestHandleInputTap_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		appErr  error
		wantErr string
	}{
		{"missing y", map[string]interface{}{"x": float64(1)}, nil, "y is required"},
		{"string x", map[string]interface{}{"x": "1", "y": float64(1)}, nil, "x is required"},
		{"rejected", map[string]interface{}{"x": float64(1), "y": float64(1)}, ErrInputRejected, "failed to tap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTaplineApp()
			mock.TapError = tt.appErr
			server := NewMCPServer(mock)

			_, err := server.handleInputTap(context.Background(), makeToolRequest(tt.args))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHandleInputSwipe(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		duration int
	}{
		{"default duration", map[string]interface{}{"x0": float64(500), "y0": float64(1800), "x1": float64(500), "y1": float64(600)}, 300},
		{"explicit duration", map[string]interface{}{"x0": float64(500), "y0": float64(1800), "x1": float64(500), "y1": float64(600), "duration_ms": float64(120)}, 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockTaplineApp()
			server := NewMCPServer(mock)

			if _, err := server.handleInputSwipe(context.Background(), makeToolRequest(tt.args)); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			last := mock.GetLastCall()
			if last.Method != "Swipe" || last.Args[4] != tt.duration {
				t.Errorf("unexpected call %+v", last)
			}
		})
	}
}

func TestHandleInputSwipe_MissingPoint(t *testing.T) {
	server := NewMCPServer(NewMockTaplineApp())
	_, err := server.handleInputSwipe(context.Background(), makeToolRequest(map[string]interface{}{
		"x0": float64(1), "y0": float64(1), "x1": float64(1),
	}))
	if err == nil || !strings.Contains(err.Error(), "y1") {
		t.Errorf("expected y1 error, got %v", err)
	}
}

func TestHandleInputText(t *testing.T) {
	mock := NewMockTaplineApp()
	server := NewMCPServer(mock)

	result, err := server.handleInputText(context.Background(), makeToolRequest(map[string]interface{}{
		"text": "000000",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), `"000000"`) {
		t.Errorf("unexpected text %q", getTextContent(result))
	}

	mock.InputTextError = ErrInputRejected
	if _, err := server.handleInputText(context.Background(), makeToolRequest(map[string]interface{}{
		"text": "x",
	})); err == nil {
		t.Error("Expected error")
	}
}

func TestHandleInputKey(t *testing.T) {
	mock := NewMockTaplineApp()
	server := NewMCPServer(mock)

	if _, err := server.handleInputKey(context.Background(), makeToolRequest(map[string]interface{}{
		"code": float64(4),
	})); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if last := mock.GetLastCall(); last.Method != "InputKey" || last.Args[0] != 4 {
		t.Errorf("unexpected call %+v", last)
	}

	if _, err := server.handleInputKey(context.Background(), makeToolRequest(map[string]interface{}{
		"code": float64(-1),
	})); err == nil {
		t.Error("negative key code should be rejected")
	}
}
