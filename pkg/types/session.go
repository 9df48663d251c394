package types

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"Tapline/pkg/grabber"
)

// SessionRecord is a stored purchase session. Times are unix ms.
type SessionRecord struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	StartedAt int64           `json:"startedAt"`
	EndedAt   int64           `json:"endedAt,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Message   string          `json:"message,omitempty"`
	Cycles    int             `json:"cycles"`
	Attempts  int             `json:"attempts"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Active reports whether the session has not finished
func (r SessionRecord) Active() bool { return r.EndedAt == 0 }

// Meta returns a metadata value by gjson path, e.g. "workflow.targetQuantity"
func (r SessionRecord) Meta(path string) string {
	if len(r.Metadata) == 0 {
		return ""
	}
	return gjson.GetBytes(r.Metadata, path).String()
}

// StoredAction is a recorded input with its row id
type StoredAction struct {
	ID string `json:"id"`
	grabber.Action
}

// StoredStatus is a recorded status signal
type StoredStatus struct {
	SessionID string `json:"sessionId"`
	Time      int64  `json:"time"`
	Signal    string `json:"signal"`
	Outcome   string `json:"outcome,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionStatus is the live status of the running session
type SessionStatus = grabber.Status
