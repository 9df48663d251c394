package main

import "Tapline/pkg/types"

// Shared with the MCP server through pkg/types
type (
	Device            = types.Device
	UINode            = types.UINode
	UIHierarchyResult = types.UIHierarchyResult
	SessionRecord     = types.SessionRecord
	StoredAction      = types.StoredAction
	StoredStatus      = types.StoredStatus
	SessionStatus     = types.SessionStatus
)
