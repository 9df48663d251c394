package uitree

import (
	"regexp"
	"strings"
)

var (
	selectorClassPattern  = regexp.MustCompile(`^([A-Za-z]+)`)
	selectorClausePattern = regexp.MustCompile(`\[([^=]+)='([^']+)'\]`)
)

// ParseSelector converts "Class[key='value']..." into Criteria.
//
// The leading alphabetic run becomes a class-substring predicate. Supported
// keys are id, text, textContains, className, classContains,
// contentDescription, clickable and enabled. Unknown keys are ignored.
// Boolean values compare case-insensitively to "true"; anything else is false.
func ParseSelector(selector string) Criteria {
	var c Criteria
	selector = strings.TrimSpace(selector)

	if m := selectorClassPattern.FindStringSubmatch(selector); m != nil {
		c = c.WithClassContains(m[1])
	}

	for _, m := range selectorClausePattern.FindAllStringSubmatch(selector, -1) {
		key := strings.TrimSpace(m[1])
		value := m[2]
		switch key {
		case "id":
			c = c.WithID(value)
		case "text":
			c = c.WithText(value)
		case "textContains":
			c = c.WithTextContains(value)
		case "className":
			c = c.WithClassName(value)
		case "classContains":
			c = c.WithClassContains(value)
		case "contentDescription":
			c = c.WithDescription(value)
		case "clickable":
			c = c.WithClickable(parseBool(value))
		case "enabled":
			c = c.WithEnabled(parseBool(value))
		}
	}
	return c
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
