package motion

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"laserstage/pkg/errors"
)

// FocusSignal samples the distance proxy used by auto-focus at a position.
type FocusSignal interface {
	Sample(ctx context.Context, position int64) (float64, error)
}

// SignalFunc adapts a function to FocusSignal.
type SignalFunc func(ctx context.Context, position int64) (float64, error)

func (f SignalFunc) Sample(ctx context.Context, position int64) (float64, error) {
	return f(ctx, position)
}

// SimulatedSignal models an ultrasonic reading over a stage with its focus
// at Optimum: the distance grows linearly either side of it, with uniform
// noise of total width Noise, never below Floor.
type SimulatedSignal struct {
	Optimum int64
	Base    float64
	Slope   float64
	Noise   float64
	Floor   float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedSignal returns the demo model: focus at step 200, 50 mm base,
// 0.1 mm per step, ±2.5 mm noise, 10 mm floor.
func NewSimulatedSignal() *SimulatedSignal {
	return &SimulatedSignal{
		Optimum: 200,
		Base:    50,
		Slope:   0.1,
		Noise:   5,
		Floor:   10,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedSignal) Sample(ctx context.Context, position int64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := s.Base + math.Abs(float64(position-s.Optimum))*s.Slope
	if s.Noise != 0 {
		s.mu.Lock()
		if s.rand == nil {
			s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		d += (s.rand.Float64() - 0.5) * s.Noise
		s.mu.Unlock()
	}
	return math.Max(s.Floor, d), nil
}

// ScanConfig bounds an auto-focus scan.
type ScanConfig struct {
	// Range ends the scan and is not itself sampled: positions run 0, Step,
	// 2*Step while below Range.
	Range int64 `yaml:"scan_range"`
	Step  int64 `yaml:"step_size"`
	// SamplePeriod is the wait before each sample.
	SamplePeriod time.Duration `yaml:"sample_period"`
}

func DefaultScanConfig() ScanConfig {
	return ScanConfig{Range: 400, Step: 10, SamplePeriod: 50 * time.Millisecond}
}

// ScanResult is the outcome of a completed scan.
type ScanResult struct {
	BestPosition int64   `json:"best_position"`
	BestDistance float64 `json:"best_distance_mm"`
	Samples      int     `json:"samples"`
}

// Scan samples signal over [0, cfg.Range) and returns the position of minimum
// distance; ties keep the first. check runs before every sample and aborts
// the scan when it returns an error. onSample, if set, sees every usable
// sample.
func Scan(ctx context.Context, signal FocusSignal, cfg ScanConfig, check func() error, onSample func(position int64, distance float64)) (ScanResult, error) {
	if cfg.Step <= 0 {
		return ScanResult{}, errors.InvalidArgumentError("scan step", "must be positive")
	}
	if cfg.Range < 0 {
		return ScanResult{}, errors.InvalidArgumentError("scan range", "must not be negative")
	}

	var ticker *time.Ticker
	if cfg.SamplePeriod > 0 {
		ticker = time.NewTicker(cfg.SamplePeriod)
		defer ticker.Stop()
	}

	result := ScanResult{BestPosition: -1, BestDistance: math.Inf(1)}
	var lastErr error
	for pos := int64(0); pos < cfg.Range; pos += cfg.Step {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ScanResult{}, errors.CancelledError("auto-focus")
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ScanResult{}, errors.CancelledError("auto-focus")
		}
		if check != nil {
			if err := check(); err != nil {
				return ScanResult{}, err
			}
		}

		d, err := signal.Sample(ctx, pos)
		if err != nil {
			if ctx.Err() != nil {
				return ScanResult{}, errors.CancelledError("auto-focus")
			}
			lastErr = err
			continue
		}
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		result.Samples++
		if onSample != nil {
			onSample(pos, d)
		}
		if d < result.BestDistance {
			result.BestDistance = d
			result.BestPosition = pos
		}
	}

	if result.Samples == 0 {
		return ScanResult{}, errors.NoSignalError(-1, lastErr)
	}
	return result, nil
}
