// Package mcp provides the MCP (Model Context Protocol) server for Tapline.
// It lets external AI clients inspect the device screen, send input and
// run purchase sessions.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"Tapline/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from shared types package
type (
	Device            = types.Device
	UINode            = types.UINode
	UIHierarchyResult = types.UIHierarchyResult
	SessionRecord     = types.SessionRecord
	StoredAction      = types.StoredAction
	SessionStatus     = types.SessionStatus
)

// TaplineApp is what the MCP tools need from the application
type TaplineApp interface {
	GetAppVersion() string

	// Devices
	GetDevices(ctx context.Context) ([]Device, error)

	// Widget tree
	GetUIHierarchy(ctx context.Context) (*UIHierarchyResult, error)
	FindElements(ctx context.Context, selector string) ([]*UINode, error)
	ResolvePath(ctx context.Context, query string) ([]*UINode, error)

	// Input
	Tap(ctx context.Context, x, y float64) error
	Swipe(ctx context.Context, x0, y0, x1, y1 float64, durationMs int) error
	InputText(ctx context.Context, text string) error
	InputKey(ctx context.Context, code int) error

	// Sessions
	StartSession(ctx context.Context) (string, error)
	StopSession() error
	GetSessionStatus() (*SessionStatus, error)
	ListSessions(deviceID string, limit int) ([]SessionRecord, error)
	GetSessionActions(sessionID string, limit int) ([]StoredAction, error)
}

// MCPServer wraps the MCP server and provides Tapline-specific functionality
type MCPServer struct {
	app       TaplineApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a new MCP server for Tapline
func NewMCPServer(app TaplineApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"tapline",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}

	s.registerTools()
	s.registerResources()

	return s
}

// registerTools registers all MCP tools
func (s *MCPServer) registerTools() {
	// Device Tools
	s.registerDeviceTools()

	// Widget tree and input tools
	s.registerAutomationTools()

	// Purchase session tools
	s.registerSessionTools()
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"tapline://sessions",
			"Recent purchase sessions",
			mcp.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)
}

// Start starts the MCP server (blocking - for CLI mode)
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

// run runs the MCP server (blocking)
func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(os.Stderr, "[MCP] Tapline MCP Server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop marks the server as stopped; the stdio loop ends when stdin closes
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = false
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// ========================================
// Argument helpers
// ========================================

func stringArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func numberArg(args map[string]interface{}, name string) (float64, error) {
	v, ok := args[name].(float64)
	if !ok {
		return 0, fmt.Errorf("%s is required and must be a number", name)
	}
	return v, nil
}

func optionalInt(args map[string]interface{}, name string, def int) int {
	if v, ok := args[name].(float64); ok {
		return int(v)
	}
	return def
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
