// Laser stage metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// StageMetrics holds every metric the host exports. All methods are safe on a
// nil receiver so components can run without metrics.
type StageMetrics struct {
	// Link metrics
	ConnectionState   *Gauge
	ConnectAttempts   *Counter
	ReconnectAttempts *Counter
	LinkDrops         *Counter

	// Protocol metrics
	CommandsSent    *Counter
	CommandErrors   *Counter
	CommandSendTime *Histogram
	FramesReceived  *Counter
	DecodeErrors    *Counter

	// Stage metrics
	PositionSteps   *Gauge
	SensorDistance  *Gauge
	EmergencyActive *Gauge
	EmergencyStops  *Counter
	Rejections      *Counter
	AutoFocusRuns   *Counter
	HomingRuns      *Counter

	// Process metrics
	Uptime     *Gauge
	Goroutines *Gauge
	MemoryHeap *Gauge

	startTime time.Time
	registry  *Registry
}

// NewStageMetrics creates and registers all stage metrics.
func NewStageMetrics() *StageMetrics {
	m := &StageMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	m.ConnectionState = NewGauge("laserstage_connection_state",
		"Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)")
	m.ConnectAttempts = NewCounter("laserstage_connect_attempts_total",
		"Connect attempts by transport and result")
	m.ReconnectAttempts = NewCounter("laserstage_reconnect_attempts_total",
		"Automatic reconnect attempts by transport")
	m.LinkDrops = NewCounter("laserstage_link_drops_total",
		"Unexpected link drops by transport")

	m.CommandsSent = NewCounter("laserstage_commands_sent_total",
		"Commands written to the device")
	m.CommandErrors = NewCounter("laserstage_command_errors_total",
		"Commands that failed to send, by error code")
	m.CommandSendTime = NewHistogram("laserstage_command_send_seconds",
		"Time spent writing a command to the transport", DefaultBuckets())
	m.FramesReceived = NewCounter("laserstage_frames_received_total",
		"Decoded frames received from the device")
	m.DecodeErrors = NewCounter("laserstage_decode_errors_total",
		"Inbound lines dropped as undecodable, by error code")

	m.PositionSteps = NewGauge("laserstage_position_steps",
		"Current stage position in steps")
	m.SensorDistance = NewGauge("laserstage_sensor_distance_mm",
		"Last distance sensor reading")
	m.EmergencyActive = NewGauge("laserstage_emergency_active",
		"1 while the emergency stop is latched")
	m.EmergencyStops = NewCounter("laserstage_emergency_stops_total",
		"Emergency stops by reason")
	m.Rejections = NewCounter("laserstage_rejections_total",
		"Rejected motion operations by operation and code")
	m.AutoFocusRuns = NewCounter("laserstage_autofocus_runs_total",
		"Auto-focus scans by result")
	m.HomingRuns = NewCounter("laserstage_homing_runs_total",
		"Homing runs by completion signal")

	m.Uptime = NewGauge("laserstage_uptime_seconds", "Host process uptime")
	m.Goroutines = NewGauge("laserstage_goroutines", "Number of goroutines")
	m.MemoryHeap = NewGauge("laserstage_memory_heap_bytes", "Heap memory in use")

	m.registry.MustRegister(
		m.ConnectionState, m.ConnectAttempts, m.ReconnectAttempts, m.LinkDrops,
		m.CommandsSent, m.CommandErrors, m.CommandSendTime, m.FramesReceived, m.DecodeErrors,
		m.PositionSteps, m.SensorDistance, m.EmergencyActive, m.EmergencyStops,
		m.Rejections, m.AutoFocusRuns, m.HomingRuns,
		m.Uptime, m.Goroutines, m.MemoryHeap,
	)
	return m
}

// SetConnectionState records the numeric connection state.
func (m *StageMetrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(nil, float64(state))
}

func (m *StageMetrics) RecordConnect(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ConnectAttempts.Inc(Labels{"transport": kind, "result": result})
}

func (m *StageMetrics) RecordReconnectAttempt(kind string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc(Labels{"transport": kind})
}

func (m *StageMetrics) RecordDrop(kind string) {
	if m == nil {
		return
	}
	m.LinkDrops.Inc(Labels{"transport": kind})
}

// RecordCommand records one send attempt. code is empty on success.
func (m *StageMetrics) RecordCommand(command, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code != "" {
		m.CommandErrors.Inc(Labels{"command": command, "code": code})
		return
	}
	m.CommandsSent.Inc(Labels{"command": command})
	m.CommandSendTime.Observe(nil, elapsed.Seconds())
}

func (m *StageMetrics) RecordFrame(prefix string) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc(Labels{"type": prefix})
}

func (m *StageMetrics) RecordDecodeError(code string) {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc(Labels{"code": code})
}

func (m *StageMetrics) SetPosition(steps int64) {
	if m == nil {
		return
	}
	m.PositionSteps.Set(nil, float64(steps))
}

func (m *StageMetrics) SetSensor(mm float64) {
	if m == nil {
		return
	}
	m.SensorDistance.Set(nil, mm)
}

func (m *StageMetrics) SetEmergency(active bool, reason string) {
	if m == nil {
		return
	}
	m.EmergencyActive.SetBool(nil, active)
	if active {
		m.EmergencyStops.Inc(Labels{"reason": reason})
	}
}

func (m *StageMetrics) RecordRejection(operation, code string) {
	if m == nil {
		return
	}
	m.Rejections.Inc(Labels{"operation": operation, "code": code})
}

func (m *StageMetrics) RecordAutoFocus(result string) {
	if m == nil {
		return
	}
	m.AutoFocusRuns.Inc(Labels{"result": result})
}

func (m *StageMetrics) RecordHoming(signal string) {
	if m == nil {
		return
	}
	m.HomingRuns.Inc(Labels{"signal": signal})
}

// UpdateSystemMetrics refreshes the process gauges.
func (m *StageMetrics) UpdateSystemMetrics() {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	m.Uptime.Set(nil, time.Since(m.startTime).Seconds())
	m.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.MemoryHeap.Set(nil, float64(mem.HeapInuse))
}

// Gather refreshes process gauges and renders every metric.
func (m *StageMetrics) Gather() string {
	m.UpdateSystemMetrics()
	return m.registry.Gather()
}

// Registry returns the underlying registry.
func (m *StageMetrics) Registry() *Registry {
	return m.registry
}
