package main

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/protocol"
)

// recorder collects emitted frames.
type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) emit(f protocol.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f.String())
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func (r *recorder) waitFor(t *testing.T, frame string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range r.all() {
			if f == frame {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s in %v", frame, r.all())
}

func newTestDevice(t *testing.T) (*device, *recorder) {
	rec := &recorder{}
	d := newDevice(rec.emit, time.Millisecond, 2)
	t.Cleanup(d.Close)
	return d, rec
}

func TestMoveRampsToTarget(t *testing.T) {
	d, rec := newTestDevice(t)
	d.Handle("MOVE:100")
	rec.waitFor(t, "ACK:MOVE_DONE")

	frames := rec.all()
	if frames[0] != "ACK:MOVE" {
		t.Errorf("first frame = %q, want ACK:MOVE", frames[0])
	}
	if frames[len(frames)-2] != "POS:100" {
		t.Errorf("last position = %q", frames[len(frames)-2])
	}
	var positions int
	for _, f := range frames {
		if strings.HasPrefix(f, "POS:") {
			positions++
		}
	}
	// 2 mm/s at 800 steps/mm truncates to one step per 1ms tick.
	if positions < 50 {
		t.Errorf("only %d position reports for a 100 step move", positions)
	}
}

func TestHomingReportsDone(t *testing.T) {
	d, rec := newTestDevice(t)
	d.Handle("MOVE:20")
	rec.waitFor(t, "ACK:MOVE_DONE")
	d.Handle("HOMING_START")
	rec.waitFor(t, "ACK:HOMING_DONE")
	d.Handle("GET_POSITION")
	rec.waitFor(t, "POS:0")
}

func TestEmergencyStopLatches(t *testing.T) {
	d, rec := newTestDevice(t)
	d.Handle("MOVE:100000")
	d.Handle("EMERGENCY_STOP")
	rec.waitFor(t, "STATUS:EMERGENCY_STOP")

	d.Handle("MOVE:10")
	rec.waitFor(t, "ERROR:EMERGENCY_STOP_ACTIVE")

	d.Handle("RESET_EMERGENCY")
	rec.waitFor(t, "ACK:RESET_EMERGENCY")
	d.Handle("MOVE:0")
	rec.waitFor(t, "ACK:MOVE_DONE")
	for _, f := range rec.all() {
		if f == "POS:100000" {
			t.Fatal("stopped move reached its target")
		}
	}
}

func TestSettingsAndQueries(t *testing.T) {
	tests := []struct {
		line, want string
	}{
		{"SET_SPEED:2.5", "ACK:SET_SPEED"},
		{"SET_SPEED:-1", "ERROR:INVALID_SPEED"},
		{"SET_MICROSTEP:32", "ACK:SET_MICROSTEP"},
		{"SET_MICROSTEP:3", "ERROR:INVALID_MICROSTEP"},
		{"MOVE:up", "ERROR:INVALID_TARGET"},
		{"GET_POSITION", "POS:0"},
		{"LASER_ON", "ERROR:UNKNOWN_COMMAND LASER_ON"},
	}
	for _, tt := range tests {
		d, rec := newTestDevice(t)
		d.Handle(tt.line)
		if got := rec.all(); len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s -> %v, want [%s]", tt.line, got, tt.want)
		}
	}
}

func TestSensorFollowsModel(t *testing.T) {
	d, rec := newTestDevice(t)
	d.Handle("GET_SENSOR")
	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("frames = %v", got)
	}
	f, err := protocol.Decode([]byte(got[0]))
	if err != nil {
		t.Fatal(err)
	}
	// Position 0 is 200 steps from focus: 50 + 20 mm, with ±2.5 mm noise.
	mm := f.(protocol.Sensor).DistanceMM
	if mm < 67.5 || mm > 72.5 {
		t.Errorf("distance at 0 = %v", mm)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newServer("/", time.Millisecond, 2)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Two commands in one message, the second without a terminator.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("SET_SPEED:4\nGET_POSITION")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"ACK:SET_SPEED", "POS:0"} {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != want {
			t.Errorf("got %q, want %q", msg, want)
		}
	}
}

func TestWrongPathIsNotFound(t *testing.T) {
	srv := newServer("/ws", time.Millisecond, 2)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 404 {
		t.Fatalf("dial wrong path: err=%v", err)
	}
}
