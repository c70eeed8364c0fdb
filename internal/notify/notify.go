// Package notify surfaces user-facing notices such as deployment failures
// and the reconnect-exhausted prompt.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a single user-visible message.
type Notice struct {
	Level      Level
	Title      string
	Message    string
	ResourceID string
	Time       time.Time
}

func (n Notice) String() string {
	s := n.Title
	if n.Message != "" {
		s += ": " + n.Message
	}
	if n.ResourceID != "" {
		s += " (" + n.ResourceID + ")"
	}
	return s
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(Notice)
}

// Func adapts a plain function to Notifier.
type Func func(Notice)

// Notify calls f.
func (f Func) Notify(n Notice) { f(n) }

// Nop drops every notice.
var Nop Notifier = Func(func(Notice) {})

// Terminal writes colored notices to a writer, one per line.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewTerminal creates a terminal notifier. Color is disabled automatically
// when out is not a TTY (color.NoColor).
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out, now: time.Now}
}

var (
	infoColor    = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

func colorFor(l Level) *color.Color {
	switch l {
	case LevelSuccess:
		return successColor
	case LevelWarning:
		return warningColor
	case LevelError:
		return errorColor
	default:
		return infoColor
	}
}

func symbolFor(l Level) string {
	switch l {
	case LevelSuccess:
		return "✓"
	case LevelWarning:
		return "!"
	case LevelError:
		return "✗"
	default:
		return "•"
	}
}

// Notify prints n.
func (t *Terminal) Notify(n Notice) {
	if n.Time.IsZero() {
		n.Time = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := colorFor(n.Level).Sprint(symbolFor(n.Level))
	fmt.Fprintf(t.out, "%s %s %s\n", n.Time.Format("15:04:05"), prefix, n.String())
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of what has been recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}
