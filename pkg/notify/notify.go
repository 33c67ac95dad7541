// Package notify carries user-facing notifications from the core to whatever
// UI is attached: a terminal, the HTTP bridge, or a test recorder.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"laserstage/pkg/log"
)

// Severity classifies a notification for presentation.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Notification is one message shown to the user.
type Notification struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use and must not block for long.
type Notifier interface {
	Notify(message string, severity Severity)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, severity Severity)

func (f NotifierFunc) Notify(message string, severity Severity) { f(message, severity) }

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(message string, severity Severity) {
	for _, n := range m {
		if n != nil {
			n.Notify(message, severity)
		}
	}
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(string, Severity) {})

// Logger writes notifications to a logger at a level matching the severity.
type Logger struct {
	log *log.Logger
}

func NewLogger(l *log.Logger) *Logger {
	return &Logger{log: l}
}

func (n *Logger) Notify(message string, severity Severity) {
	entry := n.log.WithField("severity", string(severity))
	switch severity {
	case Error:
		entry.Error(message)
	case Warning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}

// History keeps the most recent notifications for late-joining UIs.
type History struct {
	mu    sync.Mutex
	items []Notification
	max   int
	now   func() time.Time
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 100
	}
	return &History{max: max, now: time.Now}
}

func (h *History) Notify(message string, severity Severity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, Notification{Message: message, Severity: severity, Time: h.now()})
	if over := len(h.items) - h.max; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

// Recent returns up to n notifications, oldest first. n <= 0 returns all.
func (h *History) Recent(n int) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && n < len(h.items) {
		start = len(h.items) - n
	}
	out := make([]Notification, len(h.items)-start)
	copy(out, h.items[start:])
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
)

// Console prints notifications as single styled lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Notify(message string, severity Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, Format(message, severity))
}

// Format renders a notification with a severity glyph.
func Format(message string, severity Severity) string {
	switch severity {
	case Success:
		return successStyle.Render("✓") + " " + message
	case Warning:
		return warnStyle.Render("!") + " " + message
	case Error:
		return errorStyle.Render("✗") + " " + message
	default:
		return infoStyle.Render("●") + " " + message
	}
}
