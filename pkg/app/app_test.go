package app

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"laserstage/pkg/config"
	"laserstage/pkg/motion"
	"laserstage/pkg/notify"
	"laserstage/pkg/transport"
	"laserstage/pkg/transport/transporttest"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Connection.Transport = string(transport.KindWiFi)
	cfg.Connection.Target = "stage.local"
	cfg.Connection.ReconnectDelay = 10 * time.Millisecond
	cfg.Motion.SimulationInterval = time.Millisecond
	cfg.Motion.SimulatedStepDuration = 0
	cfg.AutoFocus.Signal = config.SignalSimulated
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *transporttest.Transport) {
	t.Helper()
	fake := transporttest.New(transport.KindWiFi)
	a, err := New(cfg, Options{
		Transports:    []transport.Transport{fake},
		DisableAPI:    true,
		DisableButton: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, fake
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func connect(t *testing.T, a *App, fake *transporttest.Transport) *transporttest.Link {
	t.Helper()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	link := fake.Last()
	if link == nil || link.Target() != "stage.local" {
		t.Fatalf("link = %+v", link)
	}
	return link
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Motion.StepSizeMM = 0
	if _, err := New(cfg, Options{DisableAPI: true}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConnectSyncsPositionAndDeliversFrames(t *testing.T) {
	a, fake := newTestApp(t, testConfig())
	link := connect(t, a, fake)

	waitFor(t, "GET_POSITION after connect", func() bool {
		return slices.Contains(link.Sent(), "GET_POSITION")
	})
	waitFor(t, "connection status", func() bool {
		return a.Controller().State().ConnectionStatus == "connected"
	})

	link.Receive("POS:800\nSENSOR:12.5\n")
	waitFor(t, "device position", func() bool {
		st := a.Controller().State()
		return st.PositionSteps == 800 && st.HasSensor && st.LastSensorMM == 12.5
	})
}

func TestDropReportsConnecting(t *testing.T) {
	a, fake := newTestApp(t, testConfig())
	link := connect(t, a, fake)
	waitFor(t, "connected", func() bool {
		return a.Controller().State().ConnectionStatus == "connected"
	})

	var (
		mu   sync.Mutex
		seen []string
	)
	a.Controller().OnStateChange(func(st motion.MachineState) {
		mu.Lock()
		if len(seen) == 0 || seen[len(seen)-1] != st.ConnectionStatus {
			seen = append(seen, st.ConnectionStatus)
		}
		mu.Unlock()
	})

	boom := errors.New("refused")
	fake.FailNext(boom, boom, boom, boom, boom)
	link.Drop(errors.New("peer gone"))
	waitFor(t, "reconnect to give up", func() bool {
		return a.Controller().State().ConnectionStatus == "disconnected"
	})

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(seen, "connecting") {
		t.Errorf("statuses = %v, want connecting while reconnecting", seen)
	}
	for _, s := range seen {
		if s != "connecting" && s != "connected" && s != "disconnected" {
			t.Errorf("unexpected connection status %q in %v", s, seen)
		}
	}
}

func TestCommandsReachTheLink(t *testing.T) {
	a, fake := newTestApp(t, testConfig())
	link := connect(t, a, fake)

	if err := a.Controller().MoveToAbsolute(context.Background(), 400); err != nil {
		t.Fatalf("MoveToAbsolute: %v", err)
	}
	if !slices.Contains(link.Sent(), "MOVE:400") {
		t.Errorf("sent = %v", link.Sent())
	}

	a.Controller().EmergencyStop()
	if !slices.Contains(link.Sent(), "EMERGENCY_STOP") {
		t.Errorf("sent = %v", link.Sent())
	}
	if !a.Latch().Latched() {
		t.Error("latch not set")
	}
}

func TestNotificationsAreRecorded(t *testing.T) {
	a, fake := newTestApp(t, testConfig())
	connect(t, a, fake)

	waitFor(t, "connect notification", func() bool {
		for _, n := range a.History().Recent(10) {
			if n.Severity == notify.Success {
				return true
			}
		}
		return false
	})
}

func TestExtraNotifierReceivesNotifications(t *testing.T) {
	got := make(chan string, 16)
	fake := transporttest.New(transport.KindWiFi)
	a, err := New(testConfig(), Options{
		Transports: []transport.Transport{fake},
		DisableAPI: true,
		Notifier: notify.NotifierFunc(func(msg string, _ notify.Severity) {
			got <- msg
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.Controller().EmergencyStop()
	select {
	case msg := <-got:
		if msg != "EMERGENCY STOP ACTIVATED" {
			t.Errorf("message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier not called")
	}
}

func TestRunConnectsAndStopsOnCancel(t *testing.T) {
	a, fake := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, true) }()

	select {
	case <-fake.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not connect")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	waitFor(t, "link closed", func() bool { return fake.Last().Closed() })
}

func TestSQLiteStoreSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "stage.db")
	ctx := context.Background()

	first, _ := newTestApp(t, cfg)
	if _, err := first.Controller().SavePreset(ctx, "mesa", 1600); err != nil {
		t.Fatalf("SavePreset: %v", err)
	}
	if err := first.Controller().SetStepSize(ctx, 0.25); err != nil {
		t.Fatalf("SetStepSize: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, _ := newTestApp(t, cfg)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := second.Controller().PresetBook().Lookup("mesa")
	if !ok || p.PositionSteps != 1600 {
		t.Errorf("preset after restart = %+v, %v", p, ok)
	}
	if got := second.Controller().State().StepSizeMM; got != 0.25 {
		t.Errorf("step size after restart = %v", got)
	}
}
