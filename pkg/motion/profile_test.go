package motion

import (
	"math"
	"testing"
)

func TestDefaultStepsPerMM(t *testing.T) {
	p := DefaultMotorProfile()
	if got := p.StepsPerMM(); got != 800 {
		t.Errorf("StepsPerMM = %v, want 800", got)
	}
}

func TestMicrosteppingChangesStepsPerMM(t *testing.T) {
	tests := []struct {
		micro int
		want  float64
	}{
		{1, 50},
		{8, 400},
		{16, 800},
		{32, 1600},
	}
	base := DefaultMotorProfile()
	for _, tt := range tests {
		p := base.WithMicrostepping(tt.micro)
		if got := p.StepsPerMM(); got != tt.want {
			t.Errorf("microstepping %d: StepsPerMM = %v, want %v", tt.micro, got, tt.want)
		}
		if got := p.MMToSteps(1); got != tt.want {
			t.Errorf("microstepping %d: MMToSteps(1) = %v", tt.micro, got)
		}
	}
	if base.Microstepping != 16 {
		t.Error("WithMicrostepping must not modify the receiver")
	}
}

func TestConversionRoundTrip(t *testing.T) {
	p := DefaultMotorProfile()
	for _, mm := range []float64{0, 0.001, 0.1, 1, 2.5, 12.345, 40, 399.99, 1e6} {
		got := p.StepsToMM(p.MMToSteps(mm))
		if math.Abs(got-mm) > 1e-9*math.Max(1, mm) {
			t.Errorf("StepsToMM(MMToSteps(%v)) = %v", mm, got)
		}
	}
}

func TestZeroProfileConversions(t *testing.T) {
	var p MotorProfile
	if p.StepsPerMM() != 0 || p.StepsToMM(100) != 0 {
		t.Error("a zero profile must not divide by zero")
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MotorProfile)
		wantErr bool
	}{
		{"default", func(*MotorProfile) {}, false},
		{"zero steps", func(p *MotorProfile) { p.StepsPerRevolution = 0 }, true},
		{"bad microstep", func(p *MotorProfile) { p.Microstepping = 3 }, true},
		{"zero lead", func(p *MotorProfile) { p.MMPerRevolution = 0 }, true},
		{"negative speed", func(p *MotorProfile) { p.MaxSpeedStepsPerSec = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultMotorProfile()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundSteps(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{0, 0},
		{1199.6, 1200},
		{-0.5, -1},
		{400.4, 400},
	}
	for _, tt := range tests {
		if got := roundSteps(tt.in); got != tt.want {
			t.Errorf("roundSteps(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
