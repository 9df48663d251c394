package types

// Device is one line of `adb devices -l`
type Device struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Model      string `json:"model,omitempty"`
	Product    string `json:"product,omitempty"`
	Transport  string `json:"transportId,omitempty"`
	Type       string `json:"type"` // "wired" or "wireless"
	LastActive int64  `json:"lastActive,omitempty"`
	IsPinned   bool   `json:"isPinned,omitempty"`
}

// Online reports whether adb can talk to the device
func (d Device) Online() bool { return d.State == "device" }

// UINode is a JSON view of one widget node
type UINode struct {
	ID          string    `json:"id,omitempty"`
	Class       string    `json:"class"`
	Text        string    `json:"text,omitempty"`
	Description string    `json:"description,omitempty"`
	Bounds      string    `json:"bounds"`
	Clickable   bool      `json:"clickable,omitempty"`
	Enabled     bool      `json:"enabled"`
	Children    []*UINode `json:"children,omitempty"`
}

// UIHierarchyResult is returned by hierarchy queries
type UIHierarchyResult struct {
	Root     *UINode `json:"root"`
	Text     string  `json:"text"`
	Activity string  `json:"activity,omitempty"`
}
