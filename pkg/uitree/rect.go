package uitree

import (
	"fmt"
	"regexp"
	"strconv"
)

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// Rect is a screen rectangle in device pixels
type Rect struct {
	Left, Top, Right, Bottom int
}

// ParseRect parses Android bounds string "[x1,y1][x2,y2]" into a Rect
func ParseRect(bounds string) (Rect, error) {
	matches := boundsPattern.FindStringSubmatch(bounds)
	if len(matches) != 5 {
		return Rect{}, fmt.Errorf("invalid bounds format: %s", bounds)
	}

	left, _ := strconv.Atoi(matches[1])
	top, _ := strconv.Atoi(matches[2])
	right, _ := strconv.Atoi(matches[3])
	bottom, _ := strconv.Atoi(matches[4])

	return Rect{Left: left, Top: top, Right: right, Bottom: bottom}, nil
}

// Width of the rectangle, never negative
func (r Rect) Width() int {
	if r.Right < r.Left {
		return 0
	}
	return r.Right - r.Left
}

// Height of the rectangle, never negative
func (r Rect) Height() int {
	if r.Bottom < r.Top {
		return 0
	}
	return r.Bottom - r.Top
}

// Empty reports whether the rectangle has no area
func (r Rect) Empty() bool {
	return r.Width() == 0 || r.Height() == 0
}

// Center returns the center point of the rectangle
func (r Rect) Center() (int, int) {
	return r.Left + r.Width()/2, r.Top + r.Height()/2
}

// Contains checks if point (x, y) is inside the rectangle
func (r Rect) Contains(x, y int) bool {
	return x >= r.Left && x <= r.Right && y >= r.Top && y <= r.Bottom
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}
