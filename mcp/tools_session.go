package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerSessionTools registers purchase session tools
func (s *MCPServer) registerSessionTools() {
	// session_start - Start the purchase loop
	s.server.AddTool(
		mcp.NewTool("session_start",
			mcp.WithDescription(`Start a purchase session on the connected device.

The session drives the ticket funnel (detail, selection, confirm) until it
reaches the payment screen, fails, or is stopped. Only one session runs at a time.`),
		),
		s.handleSessionStart,
	)

	// session_stop - Stop the running session
	s.server.AddTool(
		mcp.NewTool("session_stop",
			mcp.WithDescription("Stop the running purchase session at the next cycle boundary"),
		),
		s.handleSessionStop,
	)

	// session_status - Live status
	s.server.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Get the status of the running (or most recent) purchase session"),
		),
		s.handleSessionStatus,
	)

	// session_list - Stored sessions
	s.server.AddTool(
		mcp.NewTool("session_list",
			mcp.WithDescription("List stored purchase sessions, newest first"),
			mcp.WithString("device_id",
				mcp.Description("Only sessions of this device"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of sessions (default: 20)"),
			),
		),
		s.handleSessionList,
	)

	// session_actions - Recorded inputs
	s.server.AddTool(
		mcp.NewTool("session_actions",
			mcp.WithDescription("List the inputs a session sent to the device"),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Session ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of actions (default: all)"),
			),
		),
		s.handleSessionActions,
	)
}

func (s *MCPServer) handleSessionStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.app.StartSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return textResult(fmt.Sprintf("Session started: %s\nUse session_status to follow it and session_stop to end it.", id)), nil
}

func (s *MCPServer) handleSessionStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.app.StopSession(); err != nil {
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}
	return textResult("Stop requested, the session ends at the next cycle"), nil
}

func (s *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.app.GetSessionStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get session status: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", st.ID)
	if st.Running {
		fmt.Fprintf(&b, "  Running for %s\n", time.Since(st.StartedAt).Round(time.Second))
	} else {
		fmt.Fprintf(&b, "  Finished: %s\n", st.Outcome)
	}
	fmt.Fprintf(&b, "  State: %s, Page: %s\n", st.State, st.Page)
	fmt.Fprintf(&b, "  Cycles: %d, Attempts: %d, Date cursor: %d\n", st.Cycles, st.Attempts, st.DateCursor)
	if st.LastAction != "" {
		fmt.Fprintf(&b, "  Last action: %s\n", st.LastAction)
	}
	return textResult(b.String()), nil
}

func (s *MCPServer) handleSessionList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	deviceID, _ := args["device_id"].(string)
	limit := optionalInt(args, "limit", 20)

	sessions, err := s.app.ListSessions(deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return textResult("No sessions recorded"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d session(s):\n\n", len(sessions))
	for i, r := range sessions {
		outcome := r.Outcome
		if r.Active() {
			outcome = "active"
		}
		started := time.UnixMilli(r.StartedAt).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "%d. %s [%s] %s on %s, %d cycle(s), %d attempt(s)\n",
			i+1, r.ID, outcome, started, r.DeviceID, r.Cycles, r.Attempts)
		if target := r.Meta("workflow.targetQuantity"); target != "" {
			fmt.Fprintf(&b, "   Target: %s (app %s)\n", target, r.Meta("version"))
		}
		if r.Message != "" {
			fmt.Fprintf(&b, "   %s\n", r.Message)
		}
	}
	return textResult(b.String()), nil
}

func (s *MCPServer) handleSessionActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	sessionID, err := stringArg(args, "session_id")
	if err != nil {
		return nil, err
	}
	limit := optionalInt(args, "limit", 0)

	actions, err := s.app.GetSessionActions(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get actions: %w", err)
	}
	if len(actions) == 0 {
		return textResult(fmt.Sprintf("Session %s has no recorded actions", sessionID)), nil
	}

	jsonData, _ := json.MarshalIndent(actions, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("Session %s: %d action(s)", sessionID, len(actions))),
			mcp.NewTextContent(fmt.Sprintf("```json\n%s\n```", string(jsonData))),
		},
	}, nil
}
