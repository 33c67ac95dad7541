// Package button watches a GPIO line wired to a host-side emergency-stop
// button and trips the safety latch when it is pressed.
package button

import (
	"sync"
	"time"

	"laserstage/pkg/log"
	"laserstage/pkg/safety"
)

// Config selects the GPIO line.
type Config struct {
	// Chip is the gpiochip device name, e.g. "gpiochip0".
	Chip string
	// Line is the line offset on the chip.
	Line int
	// ActiveLow is set for a button that pulls the line to ground; the
	// line is then biased up.
	ActiveLow bool
	// Debounce filters contact bounce in the kernel. Zero disables it.
	Debounce time.Duration
}

// Tripper is the latch the button trips. *safety.Manager implements it.
type Tripper interface {
	Trip(reason safety.Reason, msg string) bool
}

// Button delivers presses to a Tripper. Releases are ignored: clearing
// the latch is the latch policy's job, not the button's.
type Button struct {
	cfg   Config
	latch Tripper
	log   *log.Logger

	mu      sync.Mutex
	pressed bool
	presses int
	closer  func() error
}

func newButton(cfg Config, latch Tripper) *Button {
	return &Button{
		cfg:   cfg,
		latch: latch,
		log:   log.GetLogger("button"),
	}
}

// setLevel records the logical line level and trips on the inactive to
// active transition.
func (b *Button) setLevel(active bool) {
	b.mu.Lock()
	edge := active && !b.pressed
	b.pressed = active
	if edge {
		b.presses++
	}
	b.mu.Unlock()

	if !edge {
		return
	}
	b.log.WithFields(log.Fields{"chip": b.cfg.Chip, "line": b.cfg.Line}).Warn("emergency button pressed")
	b.latch.Trip(safety.ReasonButton, "hardware emergency button")
}

// Presses returns how many presses were seen.
func (b *Button) Presses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presses
}

// Close releases the GPIO line.
func (b *Button) Close() error {
	b.mu.Lock()
	closer := b.closer
	b.closer = nil
	b.mu.Unlock()
	if closer == nil {
		return nil
	}
	return closer()
}
