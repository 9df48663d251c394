package inject

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind names a primitive gesture
type CommandKind string

const (
	CommandTap       CommandKind = "tap"
	CommandLongPress CommandKind = "long_press"
	CommandDoubleTap CommandKind = "double_tap"
	CommandDrag      CommandKind = "drag"
	CommandSlide     CommandKind = "slide"
	CommandText      CommandKind = "text"
	CommandKey       CommandKind = "key"
)

// Point is a screen position in pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command describes one gesture. Which fields matter depends on Kind:
// taps use From, drags and slides use From and To, text uses Text and
// key uses KeyCode. Duration is the hold time or drag time; Steps is the
// slide step hint.
type Command struct {
	Kind     CommandKind   `json:"kind"`
	From     Point         `json:"from"`
	To       Point         `json:"to"`
	Duration time.Duration `json:"duration,omitempty"`
	Steps    int           `json:"steps,omitempty"`
	Text     string        `json:"text,omitempty"`
	KeyCode  int           `json:"keyCode,omitempty"`
}

func (cmd Command) String() string {
	switch cmd.Kind {
	case CommandTap, CommandDoubleTap:
		return fmt.Sprintf("%s(%.0f,%.0f)", cmd.Kind, cmd.From.X, cmd.From.Y)
	case CommandLongPress:
		return fmt.Sprintf("%s(%.0f,%.0f,%s)", cmd.Kind, cmd.From.X, cmd.From.Y, cmd.Duration)
	case CommandDrag, CommandSlide:
		return fmt.Sprintf("%s(%.0f,%.0f->%.0f,%.0f)", cmd.Kind, cmd.From.X, cmd.From.Y, cmd.To.X, cmd.To.Y)
	case CommandText:
		return fmt.Sprintf("%s(%d chars)", cmd.Kind, len([]rune(cmd.Text)))
	case CommandKey:
		return fmt.Sprintf("%s(%d)", cmd.Kind, cmd.KeyCode)
	default:
		return string(cmd.Kind)
	}
}

// ParseCommandKind accepts the kind names plus a few common aliases
func ParseCommandKind(s string) (CommandKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tap", "click":
		return CommandTap, nil
	case "long_press", "longpress", "long_click":
		return CommandLongPress, nil
	case "double_tap", "doubletap", "double_click":
		return CommandDoubleTap, nil
	case "drag", "swipe":
		return CommandDrag, nil
	case "slide":
		return CommandSlide, nil
	case "text", "input":
		return CommandText, nil
	case "key", "keyevent":
		return CommandKey, nil
	}
	return "", fmt.Errorf("unknown command kind: %q", s)
}

// Execute runs a Command on the channel. Unknown kinds report false.
func (c *Channel) Execute(cmd Command) bool {
	switch cmd.Kind {
	case CommandTap:
		return c.Tap(cmd.From.X, cmd.From.Y)
	case CommandLongPress:
		return c.LongPress(cmd.From.X, cmd.From.Y, cmd.Duration)
	case CommandDoubleTap:
		return c.DoubleTap(cmd.From.X, cmd.From.Y)
	case CommandDrag:
		return c.Drag(cmd.From.X, cmd.From.Y, cmd.To.X, cmd.To.Y, cmd.Duration)
	case CommandSlide:
		return c.Slide(cmd.From.X, cmd.From.Y, cmd.To.X, cmd.To.Y, cmd.Steps)
	case CommandText:
		return c.SendText(cmd.Text)
	case CommandKey:
		return c.SendKey(cmd.KeyCode)
	default:
		c.logger.Warn().Str("kind", string(cmd.Kind)).Msg("Unknown command kind")
		return false
	}
}
