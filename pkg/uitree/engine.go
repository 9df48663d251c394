package uitree

import (
	"fmt"
	"io"
	"strings"
)

// RootProvider supplies the root of the current screen's tree.
// Root returns nil when no tree is available.
type RootProvider interface {
	Root() Node
}

// RootFunc adapts a function to RootProvider
type RootFunc func() Node

func (f RootFunc) Root() Node { return f() }

// Engine evaluates criteria, selectors and path queries against the tree
// supplied by its provider. Every call reads the provider again; results
// are best-effort views of one moment and must not be reused across actions.
type Engine struct {
	provider RootProvider
}

// NewEngine creates a query engine. provider may be nil, in which case every
// query returns no results.
func NewEngine(provider RootProvider) *Engine {
	return &Engine{provider: provider}
}

func (e *Engine) root() Node {
	if e == nil || e.provider == nil {
		return nil
	}
	return e.provider.Root()
}

// Root returns the current root, or nil
func (e *Engine) Root() Node {
	return e.root()
}

// Walk visits the subtree in depth-first pre-order until fn returns false.
// Children that disappear mid-walk are skipped.
func Walk(root Node, fn func(Node) bool) {
	walk(root, fn)
}

func walk(n Node, fn func(Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for i := 0; i < n.ChildCount(); i++ {
		if !walk(n.Child(i), fn) {
			return false
		}
	}
	return true
}

// FindFirst returns the first node of the current tree matching c
func (e *Engine) FindFirst(c Criteria) Node {
	return e.FindFirstIn(c, e.root())
}

// FindFirstIn returns the first node of root's subtree (root included) matching c
func (e *Engine) FindFirstIn(c Criteria, root Node) Node {
	var found Node
	walk(root, func(n Node) bool {
		if c.Matches(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// FindAll returns every node of the current tree matching c in pre-order
func (e *Engine) FindAll(c Criteria) []Node {
	return e.FindAllIn(c, e.root())
}

// FindAllIn returns every node of root's subtree matching c in pre-order
func (e *Engine) FindAllIn(c Criteria, root Node) []Node {
	var results []Node
	walk(root, func(n Node) bool {
		if c.Matches(n) {
			results = append(results, n)
		}
		return true
	})
	return results
}

// ResolvePath evaluates a path query against the current tree
func (e *Engine) ResolvePath(query string) []Node {
	return e.ResolvePathIn(query, e.root())
}

// ResolvePathIn evaluates a path query against root's subtree.
//
//	//Button          every node whose class contains "Button"
//	LinearLayout/Text  "Text" nodes below a "LinearLayout" node
//	Button            same as //Button
//
// A path may start matching at any depth and a matched segment is consumed
// one level at a time, so the result is a superset of strict child paths.
// Nodes reachable along several routes appear once per route.
func (e *Engine) ResolvePathIn(query string, root Node) []Node {
	if root == nil {
		return nil
	}
	query = strings.TrimSpace(query)

	switch {
	case strings.HasPrefix(query, "//"):
		return e.FindAllIn(ByClass(query[2:]), root)
	case strings.Contains(query, "/"):
		var segments []string
		for _, s := range strings.Split(query, "/") {
			if s = strings.TrimSpace(s); s != "" {
				segments = append(segments, s)
			}
		}
		if len(segments) == 0 {
			return nil
		}
		return resolveSegments(root, segments)
	default:
		return e.FindAllIn(ByClass(query), root)
	}
}

func resolveSegments(n Node, segments []string) []Node {
	if n == nil {
		return nil
	}
	var results []Node

	if strings.Contains(n.Class(), segments[0]) {
		if len(segments) == 1 {
			results = append(results, n)
		} else {
			for i := 0; i < n.ChildCount(); i++ {
				results = append(results, resolveSegments(n.Child(i), segments[1:])...)
			}
		}
	}

	// The full path may also start further down
	for i := 0; i < n.ChildCount(); i++ {
		results = append(results, resolveSegments(n.Child(i), segments)...)
	}
	return results
}

// FindBySelector parses selector and returns every match in the current tree
func (e *Engine) FindBySelector(selector string) []Node {
	return e.FindAll(ParseSelector(selector))
}

// FindContainedBy finds the first container matching container and returns
// every node inside it matching inner. An absent container yields nil.
func (e *Engine) FindContainedBy(container, inner Criteria) []Node {
	c := e.FindFirst(container)
	if c == nil {
		return nil
	}
	return e.FindAllIn(inner, c)
}

// Children returns the direct children of n matching c
func (e *Engine) Children(n Node, c Criteria) []Node {
	if n == nil {
		return nil
	}
	var results []Node
	for i := 0; i < n.ChildCount(); i++ {
		child := n.Child(i)
		if c.Matches(child) {
			results = append(results, child)
		}
	}
	return results
}

// SubtreeContains reports whether n or any descendant matches c
func (e *Engine) SubtreeContains(n Node, c Criteria) bool {
	return e.FindFirstIn(c, n) != nil
}

// Dump writes an indented outline of the subtree, one node per line
func Dump(w io.Writer, root Node) error {
	return dump(w, root, 0)
}

func dump(w io.Writer, n Node, depth int) error {
	if n == nil {
		return nil
	}
	var flags []string
	if n.Clickable() {
		flags = append(flags, "clickable")
	}
	if !n.Enabled() {
		flags = append(flags, "disabled")
	}

	line := strings.Repeat("  ", depth) + shortClass(n.Class())
	if id := n.ID(); id != "" {
		line += " #" + id
	}
	if text := n.Text(); text != "" {
		line += fmt.Sprintf(" %q", text)
	}
	if desc := n.Description(); desc != "" {
		line += fmt.Sprintf(" desc=%q", desc)
	}
	line += " " + n.Bounds().String()
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ",") + ")"
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}

	for i := 0; i < n.ChildCount(); i++ {
		if err := dump(w, n.Child(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func shortClass(class string) string {
	if idx := strings.LastIndex(class, "."); idx != -1 {
		return class[idx+1:]
	}
	return class
}
