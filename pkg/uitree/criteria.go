package uitree

import (
	"strconv"
	"strings"
)

type optString struct {
	set bool
	v   string
}

type optBool struct {
	set bool
	v   bool
}

// Criteria is an immutable set of optional node predicates. A node matches
// when every predicate that is set holds. The zero value matches every node.
// Criteria values are comparable with ==.
type Criteria struct {
	id            optString
	text          optString
	textContains  optString
	className     optString
	classContains optString
	description   optString
	clickable     optBool
	enabled       optBool
}

// ByID matches nodes with the exact resource id
func ByID(id string) Criteria { return Criteria{}.WithID(id) }

// ByText matches nodes with the exact text
func ByText(text string) Criteria { return Criteria{}.WithText(text) }

// ByClass matches nodes whose class name contains class
func ByClass(class string) Criteria { return Criteria{}.WithClassContains(class) }

func (c Criteria) WithID(id string) Criteria {
	c.id = optString{true, id}
	return c
}

func (c Criteria) WithText(text string) Criteria {
	c.text = optString{true, text}
	return c
}

// WithTextContains matches when either the text or the description contains s
func (c Criteria) WithTextContains(s string) Criteria {
	c.textContains = optString{true, s}
	return c
}

func (c Criteria) WithClassName(class string) Criteria {
	c.className = optString{true, class}
	return c
}

func (c Criteria) WithClassContains(class string) Criteria {
	c.classContains = optString{true, class}
	return c
}

func (c Criteria) WithDescription(desc string) Criteria {
	c.description = optString{true, desc}
	return c
}

func (c Criteria) WithClickable(v bool) Criteria {
	c.clickable = optBool{true, v}
	return c
}

func (c Criteria) WithEnabled(v bool) Criteria {
	c.enabled = optBool{true, v}
	return c
}

// IsZero reports whether no predicate is set
func (c Criteria) IsZero() bool {
	return c == Criteria{}
}

// Matches evaluates the criteria against a single node
func (c Criteria) Matches(n Node) bool {
	if n == nil {
		return false
	}
	if c.id.set && n.ID() != c.id.v {
		return false
	}
	if c.text.set && n.Text() != c.text.v {
		return false
	}
	if c.textContains.set &&
		!strings.Contains(n.Text(), c.textContains.v) &&
		!strings.Contains(n.Description(), c.textContains.v) {
		return false
	}
	if c.className.set && n.Class() != c.className.v {
		return false
	}
	if c.classContains.set && !strings.Contains(n.Class(), c.classContains.v) {
		return false
	}
	if c.description.set && n.Description() != c.description.v {
		return false
	}
	if c.clickable.set && n.Clickable() != c.clickable.v {
		return false
	}
	if c.enabled.set && n.Enabled() != c.enabled.v {
		return false
	}
	return true
}

// String renders the criteria in selector syntax
func (c Criteria) String() string {
	var sb strings.Builder
	clause := func(key, value string) {
		sb.WriteString("[")
		sb.WriteString(key)
		sb.WriteString("='")
		sb.WriteString(value)
		sb.WriteString("']")
	}

	if c.classContains.set {
		if isAlpha(c.classContains.v) {
			sb.WriteString(c.classContains.v)
		} else {
			clause("classContains", c.classContains.v)
		}
	}
	if c.id.set {
		clause("id", c.id.v)
	}
	if c.text.set {
		clause("text", c.text.v)
	}
	if c.textContains.set {
		clause("textContains", c.textContains.v)
	}
	if c.className.set {
		clause("className", c.className.v)
	}
	if c.description.set {
		clause("contentDescription", c.description.v)
	}
	if c.clickable.set {
		clause("clickable", strconv.FormatBool(c.clickable.v))
	}
	if c.enabled.set {
		clause("enabled", strconv.FormatBool(c.enabled.v))
	}
	if sb.Len() == 0 {
		return "*"
	}
	return sb.String()
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
