// Package config loads the laserstage YAML configuration.
//
// The file lives at $XDG_CONFIG_HOME/laserstage/config.yaml unless a path is
// given. Options left out of the file keep their defaults; durations are Go
// duration strings such as "2s" or "16ms".
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"laserstage/pkg/conn"
	"laserstage/pkg/errors"
	"laserstage/pkg/log"
	"laserstage/pkg/metrics"
	"laserstage/pkg/motion"
	"laserstage/pkg/safety"
	"laserstage/pkg/transport"
)

// Config is the complete application configuration.
type Config struct {
	Motor      motion.MotorProfile `yaml:"motor"`
	Bluetooth  BluetoothConfig     `yaml:"bluetooth"`
	WiFi       WiFiConfig          `yaml:"wifi"`
	Serial     SerialConfig        `yaml:"serial"`
	Connection ConnectionConfig    `yaml:"connection"`
	Safety     SafetyConfig        `yaml:"safety"`
	Motion     MotionConfig        `yaml:"motion"`
	AutoFocus  AutoFocusConfig     `yaml:"autofocus"`
	Presets    []motion.Preset     `yaml:"presets"`
	Store      StoreConfig         `yaml:"store"`
	Server     ServerConfig        `yaml:"server"`
	Log        LogConfig           `yaml:"log"`
	Button     ButtonConfig        `yaml:"estop_button"`
}

type BluetoothConfig struct {
	ServiceUUID              string        `yaml:"service_uuid"`
	CharacteristicUUID       string        `yaml:"characteristic_uuid"`
	NotifyCharacteristicUUID string        `yaml:"notify_characteristic_uuid,omitempty"`
	DeviceName               string        `yaml:"device_name"`
	ScanTimeout              time.Duration `yaml:"scan_timeout"`
	MaxWriteSize             int           `yaml:"max_write_size"`
}

type WiFiConfig struct {
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	DefaultAddress string        `yaml:"default_address"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type SerialConfig struct {
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// USBIDs are "VID:PID" pairs accepted during auto-detection.
	USBIDs []string `yaml:"usb_ids"`
}

type ConnectionConfig struct {
	// Default transport for serve --connect: bluetooth, wifi or serial.
	Transport            string        `yaml:"transport"`
	Target               string        `yaml:"target,omitempty"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	SendTimeout          time.Duration `yaml:"send_timeout"`
}

type SafetyConfig struct {
	Policy            safety.Policy `yaml:"policy"`
	EmergencyCooldown time.Duration `yaml:"emergency_cooldown"`
}

type MotionConfig struct {
	SimulationInterval    time.Duration `yaml:"simulation_interval"`
	SimulatedStepDuration time.Duration `yaml:"simulated_step_duration"`
	HomingTimeout         time.Duration `yaml:"homing_timeout"`
	StepSizeMM            float64       `yaml:"step_size_mm"`
	SensorHistory         int           `yaml:"sensor_history"`
}

type AutoFocusConfig struct {
	motion.ScanConfig `yaml:",inline"`
	// Signal selects the focus source: "device" reads SENSOR reports,
	// "simulated" uses the built-in distance model.
	Signal        string        `yaml:"signal"`
	SampleTimeout time.Duration `yaml:"sample_timeout"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
	// Optional basic auth for /metrics.
	MetricsUsername string `yaml:"metrics_username,omitempty"`
	MetricsPassword string `yaml:"metrics_password,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Caller     bool   `yaml:"caller"`
	TimeFormat string `yaml:"time_format,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// ButtonConfig describes an optional GPIO emergency-stop button.
type ButtonConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Chip      string        `yaml:"chip"`
	Line      int           `yaml:"line"`
	ActiveLow bool          `yaml:"active_low"`
	Debounce  time.Duration `yaml:"debounce"`
}

const (
	SignalDevice    = "device"
	SignalSimulated = "simulated"

	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	ble := transport.DefaultBluetoothConfig()
	wifi := transport.DefaultWiFiConfig()
	ser := transport.DefaultSerialConfig()
	cc := conn.DefaultConfig()
	sc := safety.DefaultConfig()
	mc := motion.DefaultConfig()

	return &Config{
		Motor: mc.Motor,
		Bluetooth: BluetoothConfig{
			ServiceUUID:        ble.ServiceUUID,
			CharacteristicUUID: ble.CharacteristicUUID,
			DeviceName:         ble.DeviceName,
			ScanTimeout:        ble.ScanTimeout,
			MaxWriteSize:       ble.MaxWriteSize,
		},
		WiFi: WiFiConfig{
			Port:           wifi.Port,
			Path:           wifi.Path,
			DefaultAddress: wifi.DefaultAddress,
			DialTimeout:    wifi.DialTimeout,
			WriteTimeout:   wifi.WriteTimeout,
			PingInterval:   wifi.PingInterval,
		},
		Serial: SerialConfig{
			BaudRate:    ser.BaudRate,
			ReadTimeout: ser.ReadTimeout,
			USBIDs:      append([]string(nil), ser.USBIDs...),
		},
		Connection: ConnectionConfig{
			Transport:            string(transport.KindBluetooth),
			ReconnectDelay:       cc.ReconnectDelay,
			MaxReconnectAttempts: cc.MaxReconnectAttempts,
			ConnectTimeout:       cc.ConnectTimeout,
			SendTimeout:          cc.SendTimeout,
		},
		Safety: SafetyConfig{
			Policy:            sc.Policy,
			EmergencyCooldown: sc.Cooldown,
		},
		Motion: MotionConfig{
			SimulationInterval:    mc.SimulationInterval,
			SimulatedStepDuration: mc.StepDuration,
			HomingTimeout:         mc.HomingTimeout,
			StepSizeMM:            mc.StepSizeMM,
			SensorHistory:         mc.SensorHistory,
		},
		AutoFocus: AutoFocusConfig{
			ScanConfig:    mc.Scan,
			Signal:        SignalDevice,
			SampleTimeout: mc.SampleTimeout,
		},
		Presets: motion.DefaultPresets(),
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   filepath.Join(dataDir(), "laserstage.db"),
		},
		Server: ServerConfig{
			Listen:  "127.0.0.1:8080",
			Metrics: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Button: ButtonConfig{
			Chip:      "gpiochip0",
			ActiveLow: true,
			Debounce:  20 * time.Millisecond,
		},
	}
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/laserstage/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "laserstage", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "laserstage", "config.yaml")
}

func dataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "share", "laserstage")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "laserstage")
}

// Load reads and validates the config file at path; an empty path means
// Path(). A missing file yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Marshal renders the config as YAML, durations as strings.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// Validate reports the first invalid option as a CONFIG_VALIDATION error.
func (c *Config) Validate() error {
	if err := c.Motor.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrConfigValidation, "section 'motor'")
	}
	if c.Motor.StepsPerMM() <= 0 {
		return errors.ConfigValidationError("motor", "mm_per_revolution", "steps per mm must be positive")
	}

	if strings.TrimSpace(c.Bluetooth.ServiceUUID) == "" {
		return errors.ConfigValidationError("bluetooth", "service_uuid", "must be specified")
	}
	if strings.TrimSpace(c.Bluetooth.CharacteristicUUID) == "" {
		return errors.ConfigValidationError("bluetooth", "characteristic_uuid", "must be specified")
	}
	for option, uuid := range map[string]string{
		"service_uuid":               c.Bluetooth.ServiceUUID,
		"characteristic_uuid":        c.Bluetooth.CharacteristicUUID,
		"notify_characteristic_uuid": c.Bluetooth.NotifyCharacteristicUUID,
	} {
		if uuid != "" && !validUUID(uuid) {
			return errors.ConfigValidationError("bluetooth", option, fmt.Sprintf("%q is not a UUID", uuid))
		}
	}
	if c.Bluetooth.ScanTimeout <= 0 {
		return errors.ConfigValidationError("bluetooth", "scan_timeout", "must be positive")
	}

	if c.WiFi.Port <= 0 || c.WiFi.Port > 65535 {
		return errors.ConfigValidationError("wifi", "port", fmt.Sprintf("%d out of range", c.WiFi.Port))
	}
	if c.Serial.BaudRate <= 0 {
		return errors.ConfigValidationError("serial", "baud_rate", "must be positive")
	}
	for _, id := range c.Serial.USBIDs {
		if vid, pid, ok := strings.Cut(id, ":"); !ok || vid == "" || pid == "" {
			return errors.ConfigValidationError("serial", "usb_ids", fmt.Sprintf("%q is not VID:PID", id))
		}
	}

	switch transport.Kind(c.Connection.Transport) {
	case transport.KindBluetooth, transport.KindWiFi, transport.KindSerial:
	default:
		return errors.ConfigValidationError("connection", "transport",
			fmt.Sprintf("unknown transport %q", c.Connection.Transport))
	}
	if c.Connection.ReconnectDelay <= 0 {
		return errors.ConfigValidationError("connection", "reconnect_delay", "must be positive")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.ConfigValidationError("connection", "max_reconnect_attempts", "must not be negative")
	}

	switch c.Safety.Policy {
	case safety.PolicyAutoClear, safety.PolicyManualReset:
	default:
		return errors.ConfigValidationError("safety", "policy",
			fmt.Sprintf("must be %s or %s", safety.PolicyAutoClear, safety.PolicyManualReset))
	}
	if c.Safety.Policy == safety.PolicyAutoClear && c.Safety.EmergencyCooldown <= 0 {
		return errors.ConfigValidationError("safety", "emergency_cooldown", "must be positive")
	}

	if c.Motion.SimulationInterval <= 0 {
		return errors.ConfigValidationError("motion", "simulation_interval", "must be positive")
	}
	if c.Motion.SimulatedStepDuration < 0 {
		return errors.ConfigValidationError("motion", "simulated_step_duration", "must not be negative")
	}
	if c.Motion.StepSizeMM <= 0 {
		return errors.ConfigValidationError("motion", "step_size_mm", "must be positive")
	}

	if c.AutoFocus.Step <= 0 {
		return errors.ConfigValidationError("autofocus", "step_size", "must be positive")
	}
	if c.AutoFocus.Range < 0 {
		return errors.ConfigValidationError("autofocus", "scan_range", "must not be negative")
	}
	if c.AutoFocus.Signal != SignalDevice && c.AutoFocus.Signal != SignalSimulated {
		return errors.ConfigValidationError("autofocus", "signal",
			fmt.Sprintf("must be %s or %s", SignalDevice, SignalSimulated))
	}

	seen := make(map[string]bool, len(c.Presets))
	for _, p := range c.Presets {
		if strings.TrimSpace(p.Key) == "" {
			return errors.ConfigValidationError("presets", "key", "must be specified")
		}
		if seen[p.Key] {
			return errors.ConfigValidationError("presets", "key", fmt.Sprintf("duplicate preset %q", p.Key))
		}
		seen[p.Key] = true
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.ConfigValidationError("store", "path", "must be specified for sqlite")
		}
	default:
		return errors.ConfigValidationError("store", "driver", fmt.Sprintf("unknown driver %q", c.Store.Driver))
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return errors.ConfigValidationError("server", "listen", err.Error())
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return errors.ConfigValidationError("log", "level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}

	if c.Button.Enabled {
		if c.Button.Chip == "" {
			return errors.ConfigValidationError("estop_button", "chip", "must be specified")
		}
		if c.Button.Line < 0 {
			return errors.ConfigValidationError("estop_button", "line", "must not be negative")
		}
	}
	return nil
}

// validUUID accepts the canonical 8-4-4-4-12 hex form.
func validUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return false
			}
		}
	}
	return true
}

// Conversions into the component configurations.

func (c *Config) BluetoothTransport() transport.BluetoothConfig {
	return transport.BluetoothConfig{
		ServiceUUID:              c.Bluetooth.ServiceUUID,
		CharacteristicUUID:       c.Bluetooth.CharacteristicUUID,
		NotifyCharacteristicUUID: c.Bluetooth.NotifyCharacteristicUUID,
		DeviceName:               c.Bluetooth.DeviceName,
		ScanTimeout:              c.Bluetooth.ScanTimeout,
		MaxWriteSize:             c.Bluetooth.MaxWriteSize,
	}
}

func (c *Config) WiFiTransport() transport.WiFiConfig {
	return transport.WiFiConfig{
		Port:           c.WiFi.Port,
		Path:           c.WiFi.Path,
		DefaultAddress: c.WiFi.DefaultAddress,
		DialTimeout:    c.WiFi.DialTimeout,
		WriteTimeout:   c.WiFi.WriteTimeout,
		PingInterval:   c.WiFi.PingInterval,
	}
}

func (c *Config) SerialTransport() transport.SerialConfig {
	return transport.SerialConfig{
		BaudRate:    c.Serial.BaudRate,
		ReadTimeout: c.Serial.ReadTimeout,
		USBIDs:      c.Serial.USBIDs,
	}
}

func (c *Config) Conn() conn.Config {
	cc := conn.DefaultConfig()
	cc.ReconnectDelay = c.Connection.ReconnectDelay
	cc.MaxReconnectAttempts = c.Connection.MaxReconnectAttempts
	cc.ConnectTimeout = c.Connection.ConnectTimeout
	cc.SendTimeout = c.Connection.SendTimeout
	return cc
}

func (c *Config) SafetyLatch() safety.Config {
	return safety.Config{Policy: c.Safety.Policy, Cooldown: c.Safety.EmergencyCooldown}
}

func (c *Config) MotionController() motion.Config {
	return motion.Config{
		Motor:              c.Motor,
		SimulationInterval: c.Motion.SimulationInterval,
		StepDuration:       c.Motion.SimulatedStepDuration,
		HomingTimeout:      c.Motion.HomingTimeout,
		StepSizeMM:         c.Motion.StepSizeMM,
		SensorHistory:      c.Motion.SensorHistory,
		Scan:               c.AutoFocus.ScanConfig,
		SampleTimeout:      c.AutoFocus.SampleTimeout,
		Presets:            c.Presets,
	}
}

func (c *Config) LogOptions() log.Options {
	return log.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Caller:     c.Log.Caller,
		TimeFormat: c.Log.TimeFormat,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
	}
}

func (c *Config) MetricsHandler() metrics.HandlerOptions {
	return metrics.HandlerOptions{
		Username: c.Server.MetricsUsername,
		Password: c.Server.MetricsPassword,
	}
}
