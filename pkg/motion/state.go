package motion

import "time"

// MachineState is the controller's view of the stage. Only the Controller
// writes it; State returns copies.
type MachineState struct {
	PositionSteps       int64   `json:"position_steps"`
	TargetPositionSteps int64   `json:"target_position_steps"`
	PositionMM          float64 `json:"position_mm"`
	IsMoving            bool    `json:"is_moving"`
	// EmergencyStop being set always means IsMoving is false.
	EmergencyStop    bool    `json:"emergency_stop"`
	HomingCompleted  bool    `json:"homing_completed"`
	Homing           bool    `json:"homing"`
	AutoFocusActive  bool    `json:"auto_focus_active"`
	ConnectionStatus string  `json:"connection_status"` // disconnected, connecting or connected
	LastSensorMM     float64 `json:"last_sensor_mm"`
	HasSensor        bool    `json:"has_sensor"`
	DeviceStatus     string  `json:"device_status,omitempty"`
	StepSizeMM       float64 `json:"step_size_mm"`
	SpeedMMPerSec    float64 `json:"speed_mm_per_sec,omitempty"`
	Microstepping    int     `json:"microstepping"`
	StepsPerMM       float64 `json:"steps_per_mm"`
}

// busy reports whether a motion-type operation is running.
func (s MachineState) busy() bool {
	return s.IsMoving || s.AutoFocusActive || s.Homing
}

// PositionSource identifies who reported a position.
type PositionSource int

const (
	// SourceLocal is the optimistic interpolation run by the controller.
	SourceLocal PositionSource = iota
	// SourceDevice is a POS report from the firmware. It always wins.
	SourceDevice
)

func (s PositionSource) String() string {
	if s == SourceDevice {
		return "device"
	}
	return "local"
}

// SensorReading is one distance report.
type SensorReading struct {
	DistanceMM float64   `json:"distance_mm"`
	Time       time.Time `json:"time"`
}

// UserSettings are persisted under the laserSettings key. The field names
// match what earlier clients stored.
type UserSettings struct {
	CurrentStepSize float64 `json:"currentStepSize,omitempty"`
	Microstepping   int     `json:"microstepping,omitempty"`
	SpeedMMPerSec   float64 `json:"speed,omitempty"`
}
