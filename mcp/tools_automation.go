package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const maxHierarchyChars = 50000

// registerAutomationTools registers widget tree and input tools
func (s *MCPServer) registerAutomationTools() {
	// ui_hierarchy - Dump the widget tree
	s.server.AddTool(
		mcp.NewTool("ui_hierarchy",
			mcp.WithDescription("Get the current widget tree of the device screen"),
			mcp.WithString("format",
				mcp.Description("Output format: text (indented outline, default) or json"),
			),
		),
		s.handleUIHierarchy,
	)

	// ui_find - Find nodes by selector
	s.server.AddTool(
		mcp.NewTool("ui_find",
			mcp.WithDescription(`Find nodes matching a selector.

Syntax: Class[key='value'][key='value']
Keys: id, text, textContains, className, classContains, desc, clickable, enabled.
A leading class name matches nodes whose class contains it.

Examples:
  Button[text='立即购买']
  [id='cn.damai:id/btn_buy_view']
  TextView[textContains='张'][clickable='true']`),
			mcp.WithString("selector",
				mcp.Required(),
				mcp.Description("Selector expression"),
			),
		),
		s.handleUIFind,
	)

	// ui_path - Resolve a class path
	s.server.AddTool(
		mcp.NewTool("ui_path",
			mcp.WithDescription("Resolve a slash separated class path such as LinearLayout/TextView or //Button. A path may start at any depth."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Path query"),
			),
		),
		s.handleUIPath,
	)

	// input_tap - Tap a point
	s.server.AddTool(
		mcp.NewTool("input_tap",
			mcp.WithDescription("Tap a screen point in pixels"),
			mcp.WithNumber("x", mcp.Required(), mcp.Description("X coordinate")),
			mcp.WithNumber("y", mcp.Required(), mcp.Description("Y coordinate")),
		),
		s.handleInputTap,
	)

	// input_swipe - Drag between two points
	s.server.AddTool(
		mcp.NewTool("input_swipe",
			mcp.WithDescription("Drag from (x0,y0) to (x1,y1)"),
			mcp.WithNumber("x0", mcp.Required(), mcp.Description("Start X")),
			mcp.WithNumber("y0", mcp.Required(), mcp.Description("Start Y")),
			mcp.WithNumber("x1", mcp.Required(), mcp.Description("End X")),
			mcp.WithNumber("y1", mcp.Required(), mcp.Description("End Y")),
			mcp.WithNumber("duration_ms", mcp.Description("Gesture duration in milliseconds (default: 300)")),
		),
		s.handleInputSwipe,
	)

	// input_text - Type text
	s.server.AddTool(
		mcp.NewTool("input_text",
			mcp.WithDescription("Type printable ASCII text into the focused field"),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Text to type"),
			),
		),
		s.handleInputText,
	)

	// input_key - Press a key
	s.server.AddTool(
		mcp.NewTool("input_key",
			mcp.WithDescription("Press an Android key code, e.g. 4 (BACK), 3 (HOME), 66 (ENTER)"),
			mcp.WithNumber("code",
				mcp.Required(),
				mcp.Description("Android KeyEvent code"),
			),
		),
		s.handleInputKey,
	)
}

// Tool handlers

func (s *MCPServer) handleUIHierarchy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	format, _ := args["format"].(string)

	hierarchy, err := s.app.GetUIHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get UI hierarchy: %w", err)
	}

	var body string
	if format == "json" {
		jsonData, err := json.MarshalIndent(hierarchy.Root, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to serialize hierarchy: %w", err)
		}
		body = "```json\n" + string(jsonData) + "\n```"
	} else {
		body = hierarchy.Text
	}

	// Truncate if too large
	if len(body) > maxHierarchyChars {
		body = body[:maxHierarchyChars] + "\n... (truncated, hierarchy too large)"
	}

	header := "UI Hierarchy"
	if hierarchy.Activity != "" {
		header += " (" + hierarchy.Activity + ")"
	}
	return textResult(header + ":\n\n" + body), nil
}

func formatNodes(nodes []*UINode) string {
	if len(nodes) == 0 {
		return "No matching nodes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d node(s):\n\n", len(nodes))
	for i, n := range nodes {
		fmt.Fprintf(&b, "%d. %s", i+1, n.Class)
		if n.ID != "" {
			fmt.Fprintf(&b, " #%s", n.ID)
		}
		if n.Text != "" {
			fmt.Fprintf(&b, " %q", n.Text)
		}
		fmt.Fprintf(&b, " %s", n.Bounds)
		if n.Clickable {
			b.WriteString(" (clickable)")
		}
		if !n.Enabled {
			b.WriteString(" (disabled)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *MCPServer) handleUIFind(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selector, err := stringArg(request.GetArguments(), "selector")
	if err != nil {
		return nil, err
	}

	nodes, err := s.app.FindElements(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to find nodes: %w", err)
	}
	return textResult(formatNodes(nodes)), nil
}

func (s *MCPServer) handleUIPath(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := stringArg(request.GetArguments(), "query")
	if err != nil {
		return nil, err
	}

	nodes, err := s.app.ResolvePath(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return textResult(formatNodes(nodes)), nil
}

func (s *MCPServer) handleInputTap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	x, err := numberArg(args, "x")
	if err != nil {
		return nil, err
	}
	y, err := numberArg(args, "y")
	if err != nil {
		return nil, err
	}

	if err := s.app.Tap(ctx, x, y); err != nil {
		return nil, fmt.Errorf("failed to tap: %w", err)
	}
	return textResult(fmt.Sprintf("Tapped at (%.0f, %.0f)", x, y)), nil
}

func (s *MCPServer) handleInputSwipe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	var p [4]float64
	for i, name := range []string{"x0", "y0", "x1", "y1"} {
		v, err := numberArg(args, name)
		if err != nil {
			return nil, err
		}
		p[i] = v
	}
	duration := optionalInt(args, "duration_ms", 300)

	if err := s.app.Swipe(ctx, p[0], p[1], p[2], p[3], duration); err != nil {
		return nil, fmt.Errorf("failed to swipe: %w", err)
	}
	return textResult(fmt.Sprintf("Swiped from (%.0f, %.0f) to (%.0f, %.0f) in %dms", p[0], p[1], p[2], p[3], duration)), nil
}

func (s *MCPServer) handleInputText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := stringArg(request.GetArguments(), "text")
	if err != nil {
		return nil, err
	}

	if err := s.app.InputText(ctx, text); err != nil {
		return nil, fmt.Errorf("failed to input text: %w", err)
	}
	return textResult(fmt.Sprintf("Input text: %q", text)), nil
}

func (s *MCPServer) handleInputKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := numberArg(request.GetArguments(), "code")
	if err != nil {
		return nil, err
	}
	if code < 0 {
		return nil, fmt.Errorf("invalid key code %.0f", code)
	}

	if err := s.app.InputKey(ctx, int(code)); err != nil {
		return nil, fmt.Errorf("failed to press key: %w", err)
	}
	return textResult(fmt.Sprintf("Pressed key %d", int(code))), nil
}
