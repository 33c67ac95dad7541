package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"laserstage/pkg/errors"
	"laserstage/pkg/safety"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := cfg.Motor.StepsPerMM(); got != 800 {
		t.Errorf("StepsPerMM = %v, want 800", got)
	}
	if cfg.WiFi.Port != 81 {
		t.Errorf("wifi port = %d", cfg.WiFi.Port)
	}
	if len(cfg.Presets) != 3 || cfg.Presets[0].Key != "foco" {
		t.Errorf("presets = %+v", cfg.Presets)
	}
	if cfg.Safety.Policy != safety.PolicyAutoClear || cfg.Safety.EmergencyCooldown != 3*time.Second {
		t.Errorf("safety = %+v", cfg.Safety)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bluetooth.DeviceName != "ESP32_Laser_Control" {
		t.Errorf("device name = %q", cfg.Bluetooth.DeviceName)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := `
motor:
  microstepping: 32
connection:
  transport: wifi
  target: 192.168.4.1
  reconnect_delay: 500ms
safety:
  policy: manual_reset
autofocus:
  scan_range: 200
  step_size: 5
  sample_period: 20ms
  signal: simulated
presets:
  - key: base
    label: Base
    position_steps: 0
store:
  driver: memory
log:
  time_format: "15:04:05"
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Motor.Microstepping != 32 || cfg.Motor.StepsPerRevolution != 200 {
		t.Errorf("motor = %+v", cfg.Motor)
	}
	if got := cfg.Motor.StepsPerMM(); got != 1600 {
		t.Errorf("StepsPerMM = %v, want 1600", got)
	}
	if cfg.Connection.ReconnectDelay != 500*time.Millisecond || cfg.Connection.MaxReconnectAttempts != 3 {
		t.Errorf("connection = %+v", cfg.Connection)
	}
	if lo := cfg.LogOptions(); lo.TimeFormat != "15:04:05" || lo.Level != "info" {
		t.Errorf("log options = %+v", lo)
	}
	if cfg.SafetyLatch().Policy != safety.PolicyManualReset {
		t.Errorf("policy = %q", cfg.Safety.Policy)
	}

	mc := cfg.MotionController()
	if mc.Scan.Range != 200 || mc.Scan.Step != 5 || mc.Scan.SamplePeriod != 20*time.Millisecond {
		t.Errorf("scan = %+v", mc.Scan)
	}
	if len(mc.Presets) != 1 || mc.Presets[0].Key != "base" {
		t.Errorf("presets = %+v", mc.Presets)
	}
	if cc := cfg.Conn(); cc.ReconnectDelay != 500*time.Millisecond || cc.MaxLineLength == 0 {
		t.Errorf("conn config = %+v", cc)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("motor:\n  microsteps: 16\n"))
	if !errors.Is(err, errors.ErrConfigValidation) {
		t.Fatalf("err = %v, want config validation", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) = %v", err)
	}
	if cfg.Motion.StepSizeMM != 1 {
		t.Errorf("step size = %v", cfg.Motion.StepSizeMM)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		option string
	}{
		{"microstepping", func(c *Config) { c.Motor.Microstepping = 3 }, ""},
		{"lead", func(c *Config) { c.Motor.MMPerRevolution = 0 }, ""},
		{"service uuid", func(c *Config) { c.Bluetooth.ServiceUUID = "" }, "service_uuid"},
		{"bad uuid", func(c *Config) { c.Bluetooth.CharacteristicUUID = "not-a-uuid" }, "characteristic_uuid"},
		{"wifi port", func(c *Config) { c.WiFi.Port = 70000 }, "port"},
		{"usb id", func(c *Config) { c.Serial.USBIDs = []string{"10C4"} }, "usb_ids"},
		{"transport", func(c *Config) { c.Connection.Transport = "zigbee" }, "transport"},
		{"policy", func(c *Config) { c.Safety.Policy = "never" }, "policy"},
		{"cooldown", func(c *Config) { c.Safety.EmergencyCooldown = 0 }, "emergency_cooldown"},
		{"step size", func(c *Config) { c.Motion.StepSizeMM = 0 }, "step_size_mm"},
		{"scan step", func(c *Config) { c.AutoFocus.Step = 0 }, "step_size"},
		{"signal", func(c *Config) { c.AutoFocus.Signal = "laser" }, "signal"},
		{"duplicate preset", func(c *Config) { c.Presets = append(c.Presets, c.Presets[0]) }, "key"},
		{"store driver", func(c *Config) { c.Store.Driver = "redis" }, "driver"},
		{"listen", func(c *Config) { c.Server.Listen = "8080" }, "listen"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"button chip", func(c *Config) { c.Button.Enabled = true; c.Button.Chip = "" }, "chip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, errors.ErrConfigValidation) {
				t.Fatalf("Validate() = %v, want config validation error", err)
			}
			if tt.option == "" {
				return
			}
			var se *errors.StageError
			if !stderrors.As(err, &se) || se.Context["option"] != tt.option {
				t.Errorf("error context = %v, want option %q", err, tt.option)
			}
		})
	}
}

func TestManualResetNeedsNoCooldown(t *testing.T) {
	cfg := Default()
	cfg.Safety.Policy = safety.PolicyManualReset
	cfg.Safety.EmergencyCooldown = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Connection.Transport = "serial"
	cfg.Motion.HomingTimeout = 7 * time.Second
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "homing_timeout: 7s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Connection.Transport != "serial" || got.Motion.HomingTimeout != 7*time.Second {
		t.Errorf("reloaded = %+v %+v", got.Connection, got.Motion)
	}
}

func TestPathHonoursXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := Path(); got != "/tmp/xdg/laserstage/config.yaml" {
		t.Errorf("Path() = %q", got)
	}
}
