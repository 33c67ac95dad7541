package safety

import (
	"errors"
	"sync"
	"testing"
	"time"

	stageerrors "laserstage/pkg/errors"
)

// transitions records state changes in order.
type transitions struct {
	mu  sync.Mutex
	got []LatchState
	ch  chan LatchState
}

func watch(m *Manager) *transitions {
	tr := &transitions{ch: make(chan LatchState, 8)}
	m.OnStateChange(func(_, newState LatchState) {
		tr.mu.Lock()
		tr.got = append(tr.got, newState)
		tr.mu.Unlock()
		tr.ch <- newState
	})
	return tr
}

func (tr *transitions) wait(t *testing.T, want LatchState, within time.Duration) {
	t.Helper()
	select {
	case got := <-tr.ch:
		if got != want {
			t.Fatalf("transition to %s, want %s", got, want)
		}
	case <-time.After(within):
		t.Fatalf("no transition to %s within %s", want, within)
	}
}

func TestNew(t *testing.T) {
	m := New(Config{})
	if m.State() != StateClear {
		t.Errorf("initial state = %s, want clear", m.State())
	}
	if m.Policy() != PolicyAutoClear {
		t.Errorf("default policy = %s, want auto_clear", m.Policy())
	}
	if err := m.Check("move"); err != nil {
		t.Errorf("Check on clear latch: %v", err)
	}
}

func TestLatchStateString(t *testing.T) {
	tests := []struct {
		state    LatchState
		expected string
	}{
		{StateClear, "clear"},
		{StateLatched, "latched"},
		{LatchState(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("State %d String() = %s, want %s", tt.state, tt.state.String(), tt.expected)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyAutoClear, false},
		{"auto_clear", PolicyAutoClear, false},
		{"Auto-Clear", PolicyAutoClear, false},
		{"manual_reset", PolicyManualReset, false},
		{"manual", PolicyManualReset, false},
		{"never", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTripRejectsOperations(t *testing.T) {
	m := New(Config{Policy: PolicyManualReset})
	defer m.Close()

	if !m.Trip(ReasonUserRequest, "stop pressed") {
		t.Error("first Trip should report a new latch")
	}
	if m.Trip(ReasonButton, "again") {
		t.Error("second Trip should not report a new latch")
	}

	err := m.Check("homing")
	if !stageerrors.Is(err, stageerrors.ErrRejectedEmergencyActive) {
		t.Fatalf("Check = %v, want emergency active", err)
	}

	st := m.GetStatus()
	if st.State != "latched" || st.Reason != string(ReasonButton) || st.Message != "again" {
		t.Errorf("status = %+v", st)
	}
	if !st.ClearsAt.IsZero() {
		t.Error("manual reset latch must not schedule a clear")
	}
}

func TestAutoClearAfterCooldown(t *testing.T) {
	m := New(Config{Policy: PolicyAutoClear, Cooldown: 30 * time.Millisecond})
	defer m.Close()
	tr := watch(m)

	m.Trip(ReasonUserRequest, "")
	tr.wait(t, StateLatched, time.Second)
	if m.GetStatus().ClearsAt.IsZero() {
		t.Error("auto clear latch should report when it clears")
	}
	tr.wait(t, StateClear, time.Second)
	if m.Latched() {
		t.Error("latch should be clear after cooldown")
	}
}

func TestRetripRestartsCooldown(t *testing.T) {
	m := New(Config{Policy: PolicyAutoClear, Cooldown: 80 * time.Millisecond})
	defer m.Close()
	tr := watch(m)

	m.Trip(ReasonUserRequest, "")
	tr.wait(t, StateLatched, time.Second)
	time.Sleep(50 * time.Millisecond)
	m.Trip(ReasonUserRequest, "")

	// The first timer would have fired here.
	time.Sleep(50 * time.Millisecond)
	if !m.Latched() {
		t.Fatal("re-trip should restart the cooldown")
	}
	tr.wait(t, StateClear, time.Second)
}

func TestManualResetStaysLatched(t *testing.T) {
	m := New(Config{Policy: PolicyManualReset, Cooldown: 10 * time.Millisecond})
	defer m.Close()

	m.Trip(ReasonUserRequest, "")
	time.Sleep(40 * time.Millisecond)
	if !m.Latched() {
		t.Fatal("manual reset latch cleared by itself")
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.Latched() {
		t.Error("latch should be clear after Reset")
	}
	if err := m.Reset(); !errors.Is(err, ErrNotLatched) {
		t.Errorf("Reset on clear latch = %v, want ErrNotLatched", err)
	}
}

func TestResetCancelsAutoClear(t *testing.T) {
	m := New(Config{Policy: PolicyAutoClear, Cooldown: 20 * time.Millisecond})
	defer m.Close()
	tr := watch(m)

	m.Trip(ReasonUserRequest, "")
	tr.wait(t, StateLatched, time.Second)
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	tr.wait(t, StateClear, time.Second)

	time.Sleep(50 * time.Millisecond)
	tr.mu.Lock()
	n := len(tr.got)
	tr.mu.Unlock()
	if n != 2 {
		t.Errorf("got %d transitions, want exactly latched+clear", n)
	}
}

func TestOnTripCallback(t *testing.T) {
	m := New(Config{Policy: PolicyManualReset})
	defer m.Close()

	var calls int
	var gotReason Reason
	m.OnTrip(func(reason Reason, msg string) {
		calls++
		gotReason = reason
	})

	m.Trip(ReasonButton, "gpio")
	m.Trip(ReasonButton, "gpio")
	if calls != 2 {
		t.Errorf("OnTrip called %d times, want 2", calls)
	}
	if gotReason != ReasonButton {
		t.Errorf("reason = %s", gotReason)
	}
}
