// Package safety holds the emergency-stop latch for the laser stage.
//
// Tripping the latch is unconditional and immediate. How it clears is a
// policy decision: PolicyAutoClear releases it after a cool-down,
// PolicyManualReset keeps it latched until Reset is called.
package safety

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	stageerrors "laserstage/pkg/errors"
)

// LatchState is the emergency latch state.
type LatchState int

const (
	// StateClear indicates normal operation.
	StateClear LatchState = iota

	// StateLatched indicates an emergency stop is in effect.
	StateLatched
)

func (s LatchState) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateLatched:
		return "latched"
	default:
		return "unknown"
	}
}

// Policy decides how a latched emergency stop is released.
type Policy string

const (
	PolicyAutoClear   Policy = "auto_clear"
	PolicyManualReset Policy = "manual_reset"
)

// ParsePolicy accepts "auto_clear" or "manual_reset" (hyphens allowed).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", string(PolicyAutoClear), "auto":
		return PolicyAutoClear, nil
	case string(PolicyManualReset), "manual":
		return PolicyManualReset, nil
	}
	return "", fmt.Errorf("unknown emergency policy %q", s)
}

// Reason describes what tripped the latch.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonUserRequest Reason = "user_request"
	ReasonButton      Reason = "hardware_button"
	ReasonDevice      Reason = "device_error"
)

// ErrNotLatched is returned by Reset when there is nothing to clear.
var ErrNotLatched = errors.New("safety: emergency stop not active")

// Config holds configuration for the latch.
type Config struct {
	Policy   Policy
	Cooldown time.Duration
}

// DefaultConfig matches the stage firmware's behaviour: auto clear after 3s.
func DefaultConfig() Config {
	return Config{Policy: PolicyAutoClear, Cooldown: 3 * time.Second}
}

// Manager owns the emergency latch.
type Manager struct {
	mu sync.RWMutex

	cfg Config

	state     LatchState
	reason    Reason
	msg       string
	trippedAt time.Time
	clearsAt  time.Time

	// generation invalidates cool-down timers from earlier trips.
	generation uint64
	timer      *time.Timer

	onTrip        []func(reason Reason, msg string)
	onStateChange []func(oldState, newState LatchState)
}

// New creates a Manager. Zero fields in cfg take their defaults.
func New(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Manager{cfg: cfg, state: StateClear}
}

// Policy returns the configured clear policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Policy
}

// OnTrip registers a callback run every time the latch is tripped.
func (m *Manager) OnTrip(fn func(reason Reason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrip = append(m.onTrip, fn)
}

// OnStateChange registers a callback for latch transitions.
func (m *Manager) OnStateChange(fn func(oldState, newState LatchState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// State returns the current latch state.
func (m *Manager) State() LatchState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Latched reports whether an emergency stop is in effect.
func (m *Manager) Latched() bool {
	return m.State() == StateLatched
}

// Check returns a REJECTED_EMERGENCY_ACTIVE error naming operation while latched.
func (m *Manager) Check(operation string) error {
	if m.Latched() {
		return stageerrors.EmergencyActiveError(operation)
	}
	return nil
}

// Trip latches the emergency stop. Tripping an active latch records the new
// reason and, under auto clear, restarts the cool-down. It reports whether the
// latch was newly engaged.
func (m *Manager) Trip(reason Reason, msg string) bool {
	m.mu.Lock()
	oldState := m.state
	m.state = StateLatched
	m.reason = reason
	m.msg = msg
	m.trippedAt = time.Now()
	m.generation++
	gen := m.generation
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.clearsAt = time.Time{}
	if m.cfg.Policy == PolicyAutoClear {
		m.clearsAt = m.trippedAt.Add(m.cfg.Cooldown)
		m.timer = time.AfterFunc(m.cfg.Cooldown, func() { m.autoClear(gen) })
	}

	onTrip := make([]func(Reason, string), len(m.onTrip))
	copy(onTrip, m.onTrip)
	onStateChange := make([]func(LatchState, LatchState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	if oldState != StateLatched {
		for _, fn := range onStateChange {
			fn(oldState, StateLatched)
		}
	}
	for _, fn := range onTrip {
		fn(reason, msg)
	}
	return oldState != StateLatched
}

func (m *Manager) autoClear(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateLatched {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	m.clear()
}

// Reset clears the latch on request. It works under either policy.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.state != StateLatched {
		m.mu.Unlock()
		return ErrNotLatched
	}
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.clear()
	return nil
}

func (m *Manager) clear() {
	m.mu.Lock()
	if m.state == StateClear {
		m.mu.Unlock()
		return
	}
	m.state = StateClear
	m.reason = ReasonNone
	m.msg = ""
	m.trippedAt = time.Time{}
	m.clearsAt = time.Time{}
	onStateChange := make([]func(LatchState, LatchState), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(StateLatched, StateClear)
	}
}

// Close stops a pending cool-down timer. The latch keeps its state.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Status is a reporting snapshot.
type Status struct {
	State     string    `json:"state"`
	Policy    string    `json:"policy"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	ClearsAt  time.Time `json:"clears_at,omitempty"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:     m.state.String(),
		Policy:    string(m.cfg.Policy),
		Reason:    string(m.reason),
		Message:   m.msg,
		TrippedAt: m.trippedAt,
		ClearsAt:  m.clearsAt,
	}
}
