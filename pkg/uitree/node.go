package uitree

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Node is a read-only view of one widget in a snapshot.
//
// A Node is only valid until its snapshot is invalidated. After that Child
// returns nil, so a walk that was in progress sees a partial tree. Callers
// must re-query after every action instead of holding nodes across steps.
type Node interface {
	ID() string
	Class() string
	Text() string
	Description() string
	Bounds() Rect
	Clickable() bool
	Enabled() bool
	ChildCount() int
	Child(i int) Node
	Range() (RangeInfo, bool)
}

// RangeInfo is the numeric range of a seek bar or progress widget
type RangeInfo struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Current float64 `json:"current"`
}

// Flag is a boolean XML attribute. uiautomator writes "true"/"false";
// anything that is not "true" in any letter case parses as false.
type Flag bool

func (f *Flag) UnmarshalXMLAttr(attr xml.Attr) error {
	*f = Flag(strings.EqualFold(strings.TrimSpace(attr.Value), "true"))
	return nil
}

// XMLNode is one <node> record of a uiautomator dump
type XMLNode struct {
	XMLName       xml.Name  `xml:"node" json:"-"`
	Text          string    `xml:"text,attr" json:"text"`
	ResourceID    string    `xml:"resource-id,attr" json:"resourceId"`
	Class         string    `xml:"class,attr" json:"class"`
	Package       string    `xml:"package,attr" json:"package"`
	ContentDesc   string    `xml:"content-desc,attr" json:"contentDesc"`
	Checkable     Flag      `xml:"checkable,attr" json:"checkable"`
	Checked       Flag      `xml:"checked,attr" json:"checked"`
	Clickable     Flag      `xml:"clickable,attr" json:"clickable"`
	Enabled       Flag      `xml:"enabled,attr" json:"enabled"`
	Focusable     Flag      `xml:"focusable,attr" json:"focusable"`
	Focused       Flag      `xml:"focused,attr" json:"focused"`
	Scrollable    Flag      `xml:"scrollable,attr" json:"scrollable"`
	LongClickable Flag      `xml:"long-clickable,attr" json:"longClickable"`
	Password      Flag      `xml:"password,attr" json:"password"`
	Selected      Flag      `xml:"selected,attr" json:"selected"`
	Bounds        string    `xml:"bounds,attr" json:"bounds"`
	Nodes         []XMLNode `xml:"node" json:"nodes,omitempty"`
}

// Hierarchy is the document element of a uiautomator dump
type Hierarchy struct {
	XMLName  xml.Name  `xml:"hierarchy"`
	Rotation int       `xml:"rotation,attr"`
	Nodes    []XMLNode `xml:"node"`
}

// ParseHierarchy cleans and parses raw uiautomator output.
// ADB sometimes wraps the document with status lines, and some apps put raw
// ampersands into text attributes, so both are repaired before decoding.
func ParseHierarchy(raw string) (*XMLNode, error) {
	content := raw
	if start := strings.Index(content, "<?xml"); start != -1 {
		content = content[start:]
	} else if start := strings.Index(content, "<hierarchy"); start != -1 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, ">"); end != -1 && end < len(content)-1 {
		content = content[:end+1]
	}

	// Go's regexp has no lookahead, so escape every & and then undo the
	// double escaping of entities that were already valid.
	content = strings.ReplaceAll(content, "&", "&amp;")
	content = strings.ReplaceAll(content, "&amp;amp;", "&amp;")
	content = strings.ReplaceAll(content, "&amp;lt;", "&lt;")
	content = strings.ReplaceAll(content, "&amp;gt;", "&gt;")
	content = strings.ReplaceAll(content, "&amp;quot;", "&quot;")
	content = strings.ReplaceAll(content, "&amp;apos;", "&apos;")
	content = strings.ReplaceAll(content, "&amp;#", "&#")

	var h Hierarchy
	if err := xml.Unmarshal([]byte(content), &h); err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(content), err)
	}

	switch len(h.Nodes) {
	case 0:
		return nil, fmt.Errorf("UI dump has no nodes")
	case 1:
		return &h.Nodes[0], nil
	default:
		// Several windows: hang them under a synthetic container
		return &XMLNode{
			Class:   "android.view.View",
			Package: h.Nodes[0].Package,
			Bounds:  "[0,0][0,0]",
			Nodes:   h.Nodes,
		}, nil
	}
}

// Snapshot owns one parsed tree. It stays readable until Invalidate.
type Snapshot struct {
	root    *XMLNode
	raw     string
	taken   time.Time
	invalid atomic.Bool
}

// NewSnapshot wraps a parsed tree. raw may be empty.
func NewSnapshot(root *XMLNode, raw string) *Snapshot {
	return &Snapshot{root: root, raw: raw, taken: time.Now()}
}

// Root returns the root node, or nil if the snapshot is empty or invalidated
func (s *Snapshot) Root() Node {
	if s == nil || s.root == nil || s.invalid.Load() {
		return nil
	}
	return xmlView{snap: s, n: s.root}
}

// Invalidate marks every node of the snapshot as stale
func (s *Snapshot) Invalidate() {
	if s != nil {
		s.invalid.Store(true)
	}
}

// Valid reports whether nodes of this snapshot may still be read
func (s *Snapshot) Valid() bool {
	return s != nil && !s.invalid.Load()
}

// Raw returns the cleaned XML the snapshot was parsed from
func (s *Snapshot) Raw() string { return s.raw }

// Taken returns the capture time
func (s *Snapshot) Taken() time.Time { return s.taken }

// XML returns the underlying record tree for serialization
func (s *Snapshot) XML() *XMLNode { return s.root }

type xmlView struct {
	snap *Snapshot
	n    *XMLNode
}

func (v xmlView) ID() string          { return v.n.ResourceID }
func (v xmlView) Class() string       { return v.n.Class }
func (v xmlView) Text() string        { return v.n.Text }
func (v xmlView) Description() string { return v.n.ContentDesc }
func (v xmlView) Clickable() bool     { return bool(v.n.Clickable) }
func (v xmlView) Enabled() bool       { return bool(v.n.Enabled) }

func (v xmlView) Bounds() Rect {
	r, err := ParseRect(v.n.Bounds)
	if err != nil {
		return Rect{}
	}
	return r
}

func (v xmlView) ChildCount() int {
	if !v.snap.Valid() {
		return 0
	}
	return len(v.n.Nodes)
}

func (v xmlView) Child(i int) Node {
	if !v.snap.Valid() || i < 0 || i >= len(v.n.Nodes) {
		return nil
	}
	return xmlView{snap: v.snap, n: &v.n.Nodes[i]}
}

// uiautomator dumps carry no range info
func (v xmlView) Range() (RangeInfo, bool) { return RangeInfo{}, false }
