package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/conn"
	"laserstage/pkg/errors"
	"laserstage/pkg/metrics"
	"laserstage/pkg/motion"
	"laserstage/pkg/notify"
	"laserstage/pkg/protocol"
	"laserstage/pkg/safety"
	"laserstage/pkg/store"
	"laserstage/pkg/transport"
)

// mockCommander records the wire lines the controller sends.
type mockCommander struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockCommander) SendCommand(_ context.Context, cmd protocol.Command, args ...any) error {
	data, err := protocol.Encode(cmd, args...)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, strings.TrimSuffix(string(data), "\n"))
	m.mu.Unlock()
	return nil
}

func (m *mockCommander) Connected() bool { return true }

func (m *mockCommander) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// mockLink implements Link without any transport.
type mockLink struct {
	mu         sync.Mutex
	state      conn.State
	session    conn.Session
	connectErr error
	subs       []func(conn.State, conn.Session)
}

func (m *mockLink) Connect(_ context.Context, kind transport.Kind, target string) error {
	m.mu.Lock()
	if m.connectErr != nil {
		m.mu.Unlock()
		return m.connectErr
	}
	m.state = conn.Connected
	m.session = conn.Session{Kind: kind, Target: target, Connected: true}
	subs := slices.Clone(m.subs)
	st, sess := m.state, m.session
	m.mu.Unlock()
	for _, fn := range subs {
		fn(st, sess)
	}
	return nil
}

func (m *mockLink) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = conn.Disconnected
	m.session.Connected = false
	return nil
}

func (m *mockLink) Retry(context.Context) error {
	return errors.InvalidArgumentError("retry", "no previous connection")
}

func (m *mockLink) State() conn.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockLink) Session() conn.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *mockLink) Kinds() []transport.Kind {
	return []transport.Kind{transport.KindBluetooth, transport.KindWiFi}
}

func (m *mockLink) OnStateChange(fn func(conn.State, conn.Session)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

type fixture struct {
	srv     *Server
	ctrl    *motion.Controller
	cmd     *mockCommander
	link    *mockLink
	history *notify.History
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := motion.DefaultConfig()
	cfg.SimulationInterval = time.Millisecond
	cfg.StepDuration = 0
	cfg.HomingTimeout = time.Hour
	cfg.Scan = motion.ScanConfig{Range: 50, Step: 10}

	f := &fixture{
		cmd:     &mockCommander{},
		link:    &mockLink{},
		history: notify.NewHistory(20),
	}
	latch := safety.New(safety.Config{Policy: safety.PolicyManualReset})
	f.ctrl = motion.New(cfg, f.cmd, latch, store.NewMemory(), f.history, nil)
	f.srv = New(Config{
		History:           f.history,
		Metrics:           metrics.NewStageMetrics(),
		BroadcastInterval: 5 * time.Millisecond,
	}, f.ctrl, f.link)
	f.http = httptest.NewServer(f.srv.Handler())

	t.Cleanup(func() {
		f.http.Close()
		f.srv.Stop(context.Background())
		f.ctrl.Close()
		latch.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.ctrl.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode error body %q: %v", data, err)
	}
	return body.Error.Code
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t)
	code, data := f.do(t, http.MethodGet, "/api/state", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Machine.StepsPerMM != 800 || snap.Connection.State != "disconnected" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Connection.Transports) != 2 {
		t.Errorf("transports = %v", snap.Connection.Transports)
	}
}

func TestMoveEndpoint(t *testing.T) {
	f := newFixture(t)

	if code, data := f.do(t, http.MethodPost, "/api/move", `{"steps":800}`); code != http.StatusAccepted {
		t.Fatalf("move steps: %d %s", code, data)
	}
	f.waitIdle(t)
	if code, data := f.do(t, http.MethodPost, "/api/move", `{"mm":2}`); code != http.StatusAccepted {
		t.Fatalf("move mm: %d %s", code, data)
	}
	f.waitIdle(t)
	if code, data := f.do(t, http.MethodPost, "/api/move", `{"relative_mm":-0.5}`); code != http.StatusAccepted {
		t.Fatalf("move relative: %d %s", code, data)
	}
	f.waitIdle(t)

	want := []string{"MOVE:800", "MOVE:1600", "MOVE:1200"}
	if got := f.cmd.Sent(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("sent = %v, want %v", got, want)
	}
	if pos := f.ctrl.State().PositionSteps; pos != 1200 {
		t.Errorf("position = %d", pos)
	}
}

func TestMoveValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"two targets", `{"steps":1,"mm":1}`},
		{"unknown field", `{"position":3}`},
		{"not json", `move please`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := f.do(t, http.MethodPost, "/api/move", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", code, data)
			}
			if c := errorCode(t, data); c != string(errors.ErrRejectedInvalidArgument) {
				t.Errorf("code = %s", c)
			}
		})
	}
	if len(f.cmd.Sent()) != 0 {
		t.Errorf("invalid requests sent %v", f.cmd.Sent())
	}
}

func TestEmergencyStopAndReset(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.do(t, http.MethodPost, "/api/emergency-stop", ""); code != http.StatusOK {
		t.Fatalf("emergency-stop status = %d", code)
	}
	if !f.ctrl.State().EmergencyStop {
		t.Fatal("controller not latched")
	}

	code, data := f.do(t, http.MethodPost, "/api/move", `{"steps":10}`)
	if code != http.StatusConflict || errorCode(t, data) != string(errors.ErrRejectedEmergencyActive) {
		t.Errorf("move during e-stop: %d %s", code, data)
	}
	code, data = f.do(t, http.MethodPost, "/api/autofocus", "")
	if code != http.StatusConflict {
		t.Errorf("autofocus during e-stop: %d %s", code, data)
	}

	if code, data := f.do(t, http.MethodPost, "/api/emergency-reset", ""); code != http.StatusOK {
		t.Fatalf("reset: %d %s", code, data)
	}
	if f.ctrl.State().EmergencyStop {
		t.Error("latch still set after reset")
	}
	sent := strings.Join(f.cmd.Sent(), " ")
	if sent != "EMERGENCY_STOP RESET_EMERGENCY" {
		t.Errorf("sent = %q", sent)
	}

	code, data = f.do(t, http.MethodPost, "/api/emergency-reset", "")
	if code != http.StatusBadRequest {
		t.Errorf("second reset: %d %s", code, data)
	}
}

func TestJogAndStepSize(t *testing.T) {
	f := newFixture(t)

	if code, data := f.do(t, http.MethodPost, "/api/step-size", `{"mm":0.5}`); code != http.StatusOK {
		t.Fatalf("step-size: %d %s", code, data)
	}
	if code, data := f.do(t, http.MethodPost, "/api/jog", `{"direction":"up"}`); code != http.StatusAccepted {
		t.Fatalf("jog: %d %s", code, data)
	}
	f.waitIdle(t)
	if code, _ := f.do(t, http.MethodPost, "/api/jog", `{"direction":"sideways"}`); code != http.StatusBadRequest {
		t.Errorf("bad direction status = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/step-size", `{"mm":-1}`); code != http.StatusBadRequest {
		t.Errorf("negative step size status = %d", code)
	}
	if got := f.cmd.Sent(); len(got) != 1 || got[0] != "MOVE:400" {
		t.Errorf("sent = %v", got)
	}
}

func TestPresetEndpoints(t *testing.T) {
	f := newFixture(t)

	code, data := f.do(t, http.MethodPost, "/api/presets", `{"name":"mine","steps":42}`)
	if code != http.StatusCreated {
		t.Fatalf("save: %d %s", code, data)
	}
	var p motion.Preset
	if err := json.Unmarshal(data, &p); err != nil || p.Key != "mine" || p.PositionSteps != 42 {
		t.Fatalf("saved preset = %+v (%v)", p, err)
	}

	code, data = f.do(t, http.MethodGet, "/api/presets", "")
	var list struct {
		Presets []motion.Preset `json:"presets"`
	}
	if err := json.Unmarshal(data, &list); err != nil || code != http.StatusOK || len(list.Presets) != 4 {
		t.Fatalf("list: %d %s", code, data)
	}

	if code, data := f.do(t, http.MethodPost, "/api/presets/mine/goto", ""); code != http.StatusAccepted {
		t.Fatalf("goto: %d %s", code, data)
	}
	f.waitIdle(t)
	if got := f.cmd.Sent(); len(got) != 1 || got[0] != "MOVE:42" {
		t.Errorf("sent = %v", got)
	}

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodDelete, "/api/presets/mine", http.StatusOK},
		{http.MethodDelete, "/api/presets/mine", http.StatusNotFound},
		{http.MethodDelete, "/api/presets/corte", http.StatusBadRequest},
		{http.MethodPost, "/api/presets/ghost/goto", http.StatusNotFound},
	}
	for _, tt := range tests {
		if code, data := f.do(t, tt.method, tt.path, ""); code != tt.want {
			t.Errorf("%s %s = %d %s, want %d", tt.method, tt.path, code, data, tt.want)
		}
	}
}

func TestSavePresetAtCurrentPosition(t *testing.T) {
	f := newFixture(t)
	if code, _ := f.do(t, http.MethodPost, "/api/move", `{"steps":321}`); code != http.StatusAccepted {
		t.Fatal("move failed")
	}
	f.waitIdle(t)
	code, data := f.do(t, http.MethodPost, "/api/presets", `{"name":"here"}`)
	var p motion.Preset
	if err := json.Unmarshal(data, &p); err != nil || code != http.StatusCreated || p.PositionSteps != 321 {
		t.Errorf("save current: %d %s", code, data)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t)
	if code, data := f.do(t, http.MethodPost, "/api/microstepping", `{"microstepping":32}`); code != http.StatusOK {
		t.Fatalf("microstepping: %d %s", code, data)
	}
	if f.ctrl.State().StepsPerMM != 1600 {
		t.Errorf("StepsPerMM = %v", f.ctrl.State().StepsPerMM)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/microstepping", `{"microstepping":3}`); code != http.StatusBadRequest {
		t.Errorf("invalid microstepping status = %d", code)
	}
	if code, data := f.do(t, http.MethodPost, "/api/speed", `{"mm_per_sec":2.5}`); code != http.StatusOK {
		t.Fatalf("speed: %d %s", code, data)
	}
	if got := strings.Join(f.cmd.Sent(), " "); got != "SET_MICROSTEP:32 SET_SPEED:2.5" {
		t.Errorf("sent = %q", got)
	}
}

func TestAutoFocusWait(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetFocusSignal(motion.SignalFunc(func(_ context.Context, pos int64) (float64, error) {
		return float64((pos - 20) * (pos - 20)), nil
	}))
	code, data := f.do(t, http.MethodPost, "/api/autofocus?wait=1", "")
	if code != http.StatusOK {
		t.Fatalf("autofocus: %d %s", code, data)
	}
	var res motion.ScanResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if res.BestPosition != 20 || res.Samples != 5 {
		t.Errorf("result = %+v", res)
	}
}

func TestAutoFocusBackground(t *testing.T) {
	f := newFixture(t)
	f.ctrl.SetFocusSignal(motion.SignalFunc(func(_ context.Context, pos int64) (float64, error) {
		return float64(pos), nil
	}))
	code, data := f.do(t, http.MethodPost, "/api/autofocus", "")
	if code != http.StatusAccepted {
		t.Fatalf("autofocus: %d %s", code, data)
	}
	finished := func() bool {
		for _, n := range f.history.Recent(10) {
			if n.Severity == notify.Success {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(2 * time.Second)
	for !finished() {
		if time.Now().After(deadline) {
			t.Fatal("background auto-focus did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectEndpoints(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.do(t, http.MethodPost, "/api/connect", `{}`); code != http.StatusBadRequest {
		t.Errorf("missing transport status = %d", code)
	}

	code, data := f.do(t, http.MethodPost, "/api/connect", `{"transport":"wifi","target":"192.168.4.1"}`)
	if code != http.StatusOK {
		t.Fatalf("connect: %d %s", code, data)
	}
	var view connectionView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.State != "connected" || view.Session.Target != "192.168.4.1" {
		t.Errorf("view = %+v", view)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/disconnect", ""); code != http.StatusOK {
		t.Errorf("disconnect status = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/retry", ""); code != http.StatusBadRequest {
		t.Errorf("retry status = %d", code)
	}

	f.link.mu.Lock()
	f.link.connectErr = errors.SocketError("10.0.0.9:81", io.ErrUnexpectedEOF)
	f.link.mu.Unlock()
	code, data = f.do(t, http.MethodPost, "/api/connect", `{"transport":"wifi","target":"10.0.0.9"}`)
	if code != http.StatusBadGateway || errorCode(t, data) != string(errors.ErrConnectSocket) {
		t.Errorf("failed connect: %d %s", code, data)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.history.Notify("one", notify.Info)
	f.history.Notify("two", notify.Warning)

	code, data := f.do(t, http.MethodGet, "/api/notifications?limit=1", "")
	var body struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(data, &body); err != nil || code != http.StatusOK {
		t.Fatalf("notifications: %d %s", code, data)
	}
	if len(body.Notifications) != 1 || body.Notifications[0].Message != "two" {
		t.Errorf("notifications = %+v", body.Notifications)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/notifications?limit=x", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", code)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	f := newFixture(t)
	code, data := f.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(data), "laserstage_connection_state") {
		t.Errorf("metrics: %d %s", code, data)
	}
	code, _ = f.do(t, http.MethodOptions, "/api/move", "")
	if code != http.StatusNoContent {
		t.Errorf("preflight status = %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.BusyError("move"), http.StatusConflict},
		{errors.NotFoundError("preset", "x"), http.StatusNotFound},
		{errors.NotConnectedError(), http.StatusServiceUnavailable},
		{errors.TransportFailureError(io.EOF), http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/websocket"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn, want string) event {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev event
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %q event: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
	}
}

func TestWebSocketPushes(t *testing.T) {
	f := newFixture(t)
	f.srv.startBroadcast()
	c := dialWS(t, f)

	first := readEvent(t, c, "state")
	if first.State == nil || first.State.Machine.StepsPerMM != 800 {
		t.Fatalf("initial state = %+v", first.State)
	}

	f.srv.Notify("hello", notify.Success)
	ev := readEvent(t, c, "notification")
	if ev.Notification.Message != "hello" || ev.Notification.Severity != notify.Success {
		t.Errorf("notification = %+v", ev.Notification)
	}

	if err := f.ctrl.MoveToAbsolute(context.Background(), 640); err != nil {
		t.Fatal(err)
	}
	f.waitIdle(t)
	for {
		ev := readEvent(t, c, "state")
		if ev.State.Machine.PositionSteps == 640 && !ev.State.Machine.IsMoving {
			break
		}
	}
}

func TestWebSocketEmergencyStop(t *testing.T) {
	f := newFixture(t)
	c := dialWS(t, f)
	readEvent(t, c, "state")

	if err := c.WriteJSON(clientMessage{Type: "emergency_stop"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !f.ctrl.State().EmergencyStop {
		if time.Now().After(deadline) {
			t.Fatal("emergency stop over websocket not applied")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopClosesClients(t *testing.T) {
	f := newFixture(t)
	c := dialWS(t, f)
	readEvent(t, c, "state")
	if n := f.srv.clientCount(); n != 1 {
		t.Fatalf("clients = %d", n)
	}
	if err := f.srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
}
