package motion

import (
	"fmt"
	"math"
)

// MotorProfile describes the stepper drive train. It is a value type: a
// change of microstepping produces a new profile.
type MotorProfile struct {
	StepsPerRevolution       int     `json:"steps_per_revolution" yaml:"steps_per_revolution"`
	Microstepping            int     `json:"microstepping" yaml:"microstepping"`
	MMPerRevolution          float64 `json:"mm_per_revolution" yaml:"mm_per_revolution"`
	MaxSpeedStepsPerSec      float64 `json:"max_speed_steps_per_sec" yaml:"max_speed_steps_per_sec"`
	AccelerationStepsPerSec2 float64 `json:"acceleration_steps_per_sec2" yaml:"acceleration_steps_per_sec2"`
}

// DefaultMotorProfile is a NEMA 17 on a DRV8825 at 1/16 driving a 4 mm lead
// screw.
func DefaultMotorProfile() MotorProfile {
	return MotorProfile{
		StepsPerRevolution:       200,
		Microstepping:            16,
		MMPerRevolution:          4,
		MaxSpeedStepsPerSec:      1000,
		AccelerationStepsPerSec2: 500,
	}
}

// validMicrostepping lists the divisors a DRV8825 accepts.
var validMicrostepping = []int{1, 2, 4, 8, 16, 32}

// ValidMicrostepping reports whether n is a supported microstep divisor.
func ValidMicrostepping(n int) bool {
	for _, v := range validMicrostepping {
		if v == n {
			return true
		}
	}
	return false
}

// StepsPerMM is derived on every call so it always matches the current
// microstepping.
func (p MotorProfile) StepsPerMM() float64 {
	if p.MMPerRevolution == 0 {
		return 0
	}
	return float64(p.StepsPerRevolution*p.Microstepping) / p.MMPerRevolution
}

func (p MotorProfile) StepsToMM(steps float64) float64 {
	spm := p.StepsPerMM()
	if spm == 0 {
		return 0
	}
	return steps / spm
}

func (p MotorProfile) MMToSteps(mm float64) float64 {
	return mm * p.StepsPerMM()
}

// WithMicrostepping returns a copy of p using n microsteps per full step.
func (p MotorProfile) WithMicrostepping(n int) MotorProfile {
	p.Microstepping = n
	return p
}

// Validate checks that the profile yields a usable conversion.
func (p MotorProfile) Validate() error {
	switch {
	case p.StepsPerRevolution <= 0:
		return fmt.Errorf("steps_per_revolution must be positive, got %d", p.StepsPerRevolution)
	case !ValidMicrostepping(p.Microstepping):
		return fmt.Errorf("microstepping must be one of %v, got %d", validMicrostepping, p.Microstepping)
	case p.MMPerRevolution <= 0 || math.IsInf(p.MMPerRevolution, 0) || math.IsNaN(p.MMPerRevolution):
		return fmt.Errorf("mm_per_revolution must be positive, got %v", p.MMPerRevolution)
	case p.MaxSpeedStepsPerSec < 0:
		return fmt.Errorf("max_speed_steps_per_sec must not be negative")
	case p.AccelerationStepsPerSec2 < 0:
		return fmt.Errorf("acceleration_steps_per_sec2 must not be negative")
	}
	return nil
}

// roundSteps converts a fractional step count to the integer sent in MOVE.
func roundSteps(steps float64) int64 {
	return int64(math.Round(steps))
}
