// Package motion turns user intents into stage commands. It owns the
// MachineState, enforces the busy and emergency-stop gates, runs the
// optimistic motion simulation and the auto-focus scan, and keeps presets.
package motion

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"laserstage/pkg/errors"
	"laserstage/pkg/log"
	"laserstage/pkg/metrics"
	"laserstage/pkg/notify"
	"laserstage/pkg/protocol"
	"laserstage/pkg/safety"
	"laserstage/pkg/store"
)

// Commander delivers commands to the device.
type Commander interface {
	SendCommand(ctx context.Context, cmd protocol.Command, args ...any) error
	Connected() bool
}

// Config holds motion controller settings.
type Config struct {
	Motor MotorProfile
	// SimulationInterval is the tick of the local position interpolation.
	SimulationInterval time.Duration
	// StepDuration is the simulated time per step of travel.
	StepDuration time.Duration
	// HomingTimeout completes homing when the device never confirms it.
	HomingTimeout time.Duration
	// StepSizeMM is the initial jog distance.
	StepSizeMM float64
	// SensorHistory bounds the kept sensor readings.
	SensorHistory int
	Scan          ScanConfig
	// SampleTimeout bounds the wait for a SENSOR report during a scan.
	SampleTimeout time.Duration
	// Presets are the built-in presets; nil uses DefaultPresets.
	Presets []Preset
}

func DefaultConfig() Config {
	return Config{
		Motor:              DefaultMotorProfile(),
		SimulationInterval: 16 * time.Millisecond,
		StepDuration:       10 * time.Millisecond,
		HomingTimeout:      3 * time.Second,
		StepSizeMM:         1.0,
		SensorHistory:      50,
		Scan:               DefaultScanConfig(),
		SampleTimeout:      500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Motor == (MotorProfile{}) {
		c.Motor = def.Motor
	}
	if c.SimulationInterval <= 0 {
		c.SimulationInterval = def.SimulationInterval
	}
	if c.StepDuration < 0 {
		c.StepDuration = 0
	}
	if c.HomingTimeout <= 0 {
		c.HomingTimeout = def.HomingTimeout
	}
	if c.StepSizeMM <= 0 {
		c.StepSizeMM = def.StepSizeMM
	}
	if c.SensorHistory <= 0 {
		c.SensorHistory = def.SensorHistory
	}
	if c.Scan.Step <= 0 {
		c.Scan.Step = def.Scan.Step
	}
	if c.Scan.Range <= 0 {
		c.Scan.Range = def.Scan.Range
	}
	if c.Scan.SamplePeriod < 0 {
		c.Scan.SamplePeriod = 0
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = def.SampleTimeout
	}
	return c
}

// emergencySendTimeout bounds the best-effort EMERGENCY_STOP write.
const emergencySendTimeout = 2 * time.Second

// Controller is the single writer of MachineState.
//
// State subscribers run synchronously after each change and must not call
// methods that change state.
type Controller struct {
	cfg      Config
	cmd      Commander
	latch    *safety.Manager
	kv       store.KV
	presets  *PresetBook
	notifier notify.Notifier
	metrics  *metrics.StageMetrics
	log      *log.Logger

	// cmdMu serializes writes to the device. Gated commands re-check the
	// latch while holding it, so nothing is written after an emergency stop
	// that was not already on the wire.
	cmdMu sync.Mutex

	mu      sync.Mutex
	state   MachineState
	profile MotorProfile
	signal  FocusSignal
	// run identifies the current motion; bumping it orphans interpolation
	// goroutines and timers of earlier runs.
	run          uint64
	deviceSeen   bool
	moveInternal bool
	stopMotion   context.CancelFunc
	homingTimer  *time.Timer
	stopScan     context.CancelFunc
	history      []SensorReading
	sensorSeq    uint64

	// reported is the last position the device itself sent on this link.
	reported      int64
	reportedKnown bool
	// changed is closed and replaced on every state change.
	changed chan struct{}
	closed  bool
	wg      sync.WaitGroup

	emitMu sync.Mutex
	subsMu sync.RWMutex
	subs   []func(MachineState)
}

// New creates a Controller. notifier and m may be nil.
func New(cfg Config, cmd Commander, latch *safety.Manager, kv store.KV, notifier notify.Notifier, m *metrics.StageMetrics) *Controller {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.Discard
	}
	if kv == nil {
		kv = store.NewMemory()
	}
	if latch == nil {
		latch = safety.New(safety.DefaultConfig())
	}
	c := &Controller{
		cfg:      cfg,
		cmd:      cmd,
		latch:    latch,
		kv:       kv,
		presets:  NewPresetBook(kv, cfg.Presets),
		notifier: notifier,
		metrics:  m,
		log:      log.GetLogger("motion"),
		profile:  cfg.Motor,
		changed:  make(chan struct{}),
	}
	c.signal = deviceSignal{c}
	c.state.ConnectionStatus = "disconnected"
	c.state.StepSizeMM = cfg.StepSizeMM
	c.refreshProfileLocked()

	latch.OnTrip(c.onTrip)
	latch.OnStateChange(c.onLatchChange)
	if latch.Latched() {
		c.state.EmergencyStop = true
	}
	return c
}

// Load restores user presets and settings from the store.
func (c *Controller) Load(ctx context.Context) error {
	if err := c.presets.Load(ctx); err != nil {
		return err
	}
	var s UserSettings
	found, err := c.kv.Get(ctx, SettingsKey, &s)
	if err != nil || !found {
		return err
	}

	c.mu.Lock()
	if s.CurrentStepSize > 0 && !math.IsInf(s.CurrentStepSize, 0) {
		c.state.StepSizeMM = s.CurrentStepSize
	}
	if ValidMicrostepping(s.Microstepping) {
		c.profile = c.profile.WithMicrostepping(s.Microstepping)
	}
	if s.SpeedMMPerSec > 0 {
		c.state.SpeedMMPerSec = s.SpeedMMPerSec
	}
	c.refreshProfileLocked()
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	return nil
}

// SetFocusSignal replaces the auto-focus signal. nil restores the device
// signal.
func (c *Controller) SetFocusSignal(s FocusSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		s = deviceSignal{c}
	}
	c.signal = s
}

// OnStateChange subscribes to MachineState changes.
func (c *Controller) OnStateChange(fn func(MachineState)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

// State returns a snapshot of the machine state.
func (c *Controller) State() MachineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Profile() MotorProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func (c *Controller) StepsToMM(steps float64) float64 { return c.Profile().StepsToMM(steps) }
func (c *Controller) MMToSteps(mm float64) float64    { return c.Profile().MMToSteps(mm) }

// SensorHistory returns the recent sensor readings, oldest first.
func (c *Controller) SensorHistory() []SensorReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SensorReading(nil), c.history...)
}

func (c *Controller) Presets() []Preset { return c.presets.All() }

// PresetBook exposes the preset store.
func (c *Controller) PresetBook() *PresetBook { return c.presets }

// WaitForIdle blocks until no motion, homing or scan is running.
func (c *Controller) WaitForIdle(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle := !c.state.busy()
		ch := c.changed
		c.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Close stops timers and background goroutines.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.haltLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// Moves

// MoveToAbsolute starts a move to steps. It returns once MOVE is written;
// the move completes in the background.
func (c *Controller) MoveToAbsolute(ctx context.Context, steps int64) error {
	if _, err := c.startMove(ctx, "move", steps, false); err != nil {
		return c.fail("move", err)
	}
	return nil
}

// MoveRelative moves by deltaMM from the current position.
func (c *Controller) MoveRelative(ctx context.Context, deltaMM float64) error {
	return c.moveRelative(ctx, "move", deltaMM)
}

// Jog moves one step size up or down.
func (c *Controller) Jog(ctx context.Context, up bool) error {
	c.mu.Lock()
	delta := c.state.StepSizeMM
	c.mu.Unlock()
	if !up {
		delta = -delta
	}
	return c.moveRelative(ctx, "jog", delta)
}

func (c *Controller) moveRelative(ctx context.Context, op string, deltaMM float64) error {
	if math.IsNaN(deltaMM) || math.IsInf(deltaMM, 0) {
		return c.fail(op, errors.InvalidArgumentError("distance", "must be finite"))
	}
	c.mu.Lock()
	target := c.state.PositionSteps + roundSteps(c.profile.MMToSteps(deltaMM))
	c.mu.Unlock()
	if _, err := c.startMove(ctx, op, target, false); err != nil {
		return c.fail(op, err)
	}
	return nil
}

// startMove applies the gates, marks the stage moving, writes MOVE and
// starts the interpolation. internal moves belong to a running auto-focus.
func (c *Controller) startMove(ctx context.Context, op string, target int64, internal bool) (uint64, error) {
	if err := c.latch.Check(op); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.state.EmergencyStop {
		c.mu.Unlock()
		return 0, errors.EmergencyActiveError(op)
	}
	if c.state.IsMoving || c.state.Homing || (c.state.AutoFocusActive && !internal) {
		c.mu.Unlock()
		return 0, errors.BusyError(op)
	}
	run := c.newRunLocked()
	c.moveInternal = internal
	start := c.state.PositionSteps
	c.state.IsMoving = true
	c.state.TargetPositionSteps = target
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	if err := c.send(ctx, op, protocol.CmdMove, target); err != nil {
		c.mu.Lock()
		if c.run == run {
			c.state.IsMoving = false
			c.state.TargetPositionSteps = c.state.PositionSteps
			c.signalLocked()
		}
		c.mu.Unlock()
		c.emit()
		return 0, err
	}

	c.log.WithFields(log.Fields{"from": start, "to": target}).Debug("move started")
	c.interpolate(run, start, target)
	return run, nil
}

// interpolate advances the local position toward target until the run ends.
func (c *Controller) interpolate(run uint64, start, target int64) {
	distance := target - start
	duration := time.Duration(absInt64(distance)) * c.cfg.StepDuration

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.run != run || c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.stopMotion = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()

		began := time.Now()
		ticker := time.NewTicker(c.cfg.SimulationInterval)
		defer ticker.Stop()
		for {
			elapsed := time.Since(began)
			if elapsed >= duration {
				c.finishMove(run, target)
				return
			}
			progress := float64(elapsed) / float64(duration)
			c.localUpdate(run, start+roundSteps(float64(distance)*progress))

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Controller) finishMove(run uint64, target int64) {
	c.mu.Lock()
	if c.run != run || !c.state.IsMoving || c.state.Homing {
		c.mu.Unlock()
		return
	}
	c.applyPositionUpdateLocked(SourceLocal, target)
	internal := c.endMoveLocked()
	c.mu.Unlock()
	c.emit()

	if !internal {
		c.notifier.Notify("Move complete", notify.Success)
	}
}

func (c *Controller) localUpdate(run uint64, steps int64) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	applied, _ := c.applyPositionUpdateLocked(SourceLocal, steps)
	c.mu.Unlock()
	if applied {
		c.emit()
	}
}

// applyPositionUpdateLocked is the single place the position changes.
// Device reports always apply; once one arrives during a run, local
// interpolation for that run is ignored. A device report at the target ends
// a move early. It reports whether the update applied and whether it
// completed a user move.
func (c *Controller) applyPositionUpdateLocked(source PositionSource, steps int64) (applied, completed bool) {
	switch source {
	case SourceDevice:
		if c.state.IsMoving || c.state.AutoFocusActive {
			c.deviceSeen = true
		}
	case SourceLocal:
		if c.deviceSeen {
			return false, false
		}
	}

	c.state.PositionSteps = steps
	c.state.PositionMM = c.profile.StepsToMM(float64(steps))
	if source == SourceDevice && c.state.IsMoving && !c.state.Homing && steps == c.state.TargetPositionSteps {
		completed = !c.endMoveLocked()
	}
	c.signalLocked()
	return true, completed
}

// endMoveLocked clears the moving flag of the current run and reports
// whether that run was internal.
func (c *Controller) endMoveLocked() bool {
	c.state.IsMoving = false
	if c.stopMotion != nil {
		c.stopMotion()
		c.stopMotion = nil
	}
	c.signalLocked()
	return c.moveInternal
}

func (c *Controller) newRunLocked() uint64 {
	c.run++
	c.deviceSeen = false
	if c.stopMotion != nil {
		c.stopMotion()
		c.stopMotion = nil
	}
	return c.run
}

// waitRun blocks until the given run is no longer moving.
func (c *Controller) waitRun(ctx context.Context, op string, run uint64) error {
	for {
		c.mu.Lock()
		done := c.run != run || !c.state.IsMoving
		estop := c.state.EmergencyStop
		ch := c.changed
		c.mu.Unlock()
		if estop {
			return errors.CancelledError(op)
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.CancelledError(op)
		case <-ch:
		}
	}
}

// Homing

// ExecuteHoming writes HOMING_START. Homing completes on ACK:HOMING_DONE or
// STATUS:HOMED, or after the homing timeout.
func (c *Controller) ExecuteHoming(ctx context.Context) error {
	const op = "homing"
	if err := c.latch.Check(op); err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	if c.state.EmergencyStop {
		c.mu.Unlock()
		return c.fail(op, errors.EmergencyActiveError(op))
	}
	if c.state.busy() {
		c.mu.Unlock()
		return c.fail(op, errors.BusyError(op))
	}
	run := c.newRunLocked()
	c.moveInternal = false
	c.state.IsMoving = true
	c.state.Homing = true
	c.state.TargetPositionSteps = 0
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	c.notifier.Notify("Starting homing sequence...", notify.Info)

	if err := c.send(ctx, op, protocol.CmdHomingStart); err != nil {
		c.mu.Lock()
		if c.run == run {
			c.state.IsMoving = false
			c.state.Homing = false
			c.signalLocked()
		}
		c.mu.Unlock()
		c.emit()
		return c.fail(op, err)
	}

	c.mu.Lock()
	if c.run == run && c.state.Homing {
		c.homingTimer = time.AfterFunc(c.cfg.HomingTimeout, func() { c.completeHoming(run, "timeout") })
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) deviceHomed(signal string) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	c.completeHoming(run, signal)
}

func (c *Controller) completeHoming(run uint64, signal string) {
	c.mu.Lock()
	if c.run != run || !c.state.Homing {
		c.mu.Unlock()
		return
	}
	if c.homingTimer != nil {
		c.homingTimer.Stop()
		c.homingTimer = nil
	}
	c.applyPositionUpdateLocked(SourceDevice, 0)
	c.state.Homing = false
	c.state.IsMoving = false
	c.state.HomingCompleted = true
	c.state.TargetPositionSteps = 0
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	c.metrics.RecordHoming(signal)
	c.log.WithField("signal", signal).Info("homing complete")
	c.notifier.Notify("Homing complete: zero position set", notify.Success)
}

// Auto-focus

// StartAutoFocus moves to 0, scans the configured range and moves to the
// position of minimum distance. It blocks until the scan ends. An emergency
// stop during the scan aborts it with REJECTED_CANCELLED.
func (c *Controller) StartAutoFocus(ctx context.Context) (ScanResult, error) {
	const op = "auto-focus"
	if err := c.latch.Check(op); err != nil {
		return ScanResult{}, c.fail(op, err)
	}

	c.mu.Lock()
	if c.state.EmergencyStop {
		c.mu.Unlock()
		return ScanResult{}, c.fail(op, errors.EmergencyActiveError(op))
	}
	if c.state.busy() {
		c.mu.Unlock()
		return ScanResult{}, c.fail(op, errors.BusyError(op))
	}
	scanCtx, cancel := context.WithCancel(ctx)
	c.state.AutoFocusActive = true
	c.stopScan = cancel
	signal := c.signal
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	c.notifier.Notify("Starting auto-focus...", notify.Info)

	result, err := c.autoFocus(scanCtx, op, signal)
	cancel()

	c.mu.Lock()
	c.state.AutoFocusActive = false
	c.stopScan = nil
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	if err != nil {
		if c.latch.Latched() && !errors.Is(err, errors.ErrRejectedCancelled) {
			err = errors.CancelledError(op)
		}
		code, _ := errors.CodeOf(err)
		c.metrics.RecordAutoFocus(string(code))
		return ScanResult{}, c.fail(op, err)
	}

	c.metrics.RecordAutoFocus("ok")
	c.log.WithFields(log.Fields{"best": result.BestPosition, "distance": result.BestDistance, "samples": result.Samples}).Info("auto-focus complete")
	c.notifier.Notify(fmt.Sprintf("Auto-focus complete. Best position: %.1f mm", c.StepsToMM(float64(result.BestPosition))), notify.Success)
	return result, nil
}

func (c *Controller) autoFocus(ctx context.Context, op string, signal FocusSignal) (ScanResult, error) {
	run, err := c.startMove(ctx, op, 0, true)
	if err != nil {
		return ScanResult{}, err
	}
	if err := c.waitRun(ctx, op, run); err != nil {
		return ScanResult{}, err
	}

	c.mu.Lock()
	scanRun := c.newRunLocked()
	c.mu.Unlock()

	check := func() error {
		if c.latch.Latched() {
			return errors.CancelledError(op)
		}
		return nil
	}
	result, err := Scan(ctx, signal, c.cfg.Scan, check, func(pos int64, _ float64) {
		c.localUpdate(scanRun, pos)
	})
	if err != nil {
		return ScanResult{}, err
	}

	run, err = c.startMove(ctx, op, result.BestPosition, true)
	if err != nil {
		return ScanResult{}, err
	}
	if err := c.waitRun(ctx, op, run); err != nil {
		return ScanResult{}, err
	}
	return result, nil
}

// deviceSignal moves the stage to each position, waits for the device to
// report it there, then asks for a fresh SENSOR reading.
type deviceSignal struct {
	c *Controller
}

func (s deviceSignal) Sample(ctx context.Context, position int64) (float64, error) {
	c := s.c
	if err := c.send(ctx, "auto-focus", protocol.CmdMove, position); err != nil {
		return 0, err
	}
	if err := c.awaitReported(ctx, position); err != nil {
		return 0, err
	}

	c.mu.Lock()
	seq := c.sensorSeq
	c.mu.Unlock()
	if err := c.send(ctx, "auto-focus", protocol.CmdGetSensor); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.cfg.SampleTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		fresh := c.sensorSeq > seq
		value := c.state.LastSensorMM
		ch := c.changed
		c.mu.Unlock()
		if fresh {
			return value, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, errors.NoSignalError(position, nil)
		case <-ch:
		}
	}
}

// awaitReported blocks until the device reports position, bounded by
// SampleTimeout. A link that has never sent a POS frame is not waited on.
func (c *Controller) awaitReported(ctx context.Context, position int64) error {
	timer := time.NewTimer(c.cfg.SampleTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		known := c.reportedKnown
		there := c.reported == position
		ch := c.changed
		c.mu.Unlock()
		if !known || there {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.log.WithField("position", position).Debug("stage did not report arrival")
			return errors.NoSignalError(position, nil)
		case <-ch:
		}
	}
}

// Emergency stop

// EmergencyStop latches the emergency stop. The local state changes
// whatever happens to the EMERGENCY_STOP write.
func (c *Controller) EmergencyStop() {
	c.latch.Trip(safety.ReasonUserRequest, "emergency stop requested")
}

// onTrip runs for every trip of the latch, whoever tripped it.
func (c *Controller) onTrip(reason safety.Reason, msg string) {
	c.mu.Lock()
	c.haltLocked()
	c.state.EmergencyStop = true
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	c.metrics.SetEmergency(true, string(reason))

	ctx, cancel := context.WithTimeout(context.Background(), emergencySendTimeout)
	defer cancel()
	c.cmdMu.Lock()
	err := c.cmd.SendCommand(ctx, protocol.CmdEmergencyStop)
	c.cmdMu.Unlock()

	entry := c.log.WithFields(log.Fields{"reason": reason, "message": msg})
	if err != nil {
		entry.WithError(err).Warn("EMERGENCY_STOP not delivered; local stop is in effect")
	} else {
		entry.Warn("emergency stop")
	}
	c.notifier.Notify("EMERGENCY STOP ACTIVATED", notify.Error)
}

// haltLocked stops every running motion, homing and scan.
func (c *Controller) haltLocked() {
	c.newRunLocked()
	if c.homingTimer != nil {
		c.homingTimer.Stop()
		c.homingTimer = nil
	}
	if c.stopScan != nil {
		c.stopScan()
	}
	c.state.IsMoving = false
	c.state.Homing = false
	c.state.TargetPositionSteps = c.state.PositionSteps
}

func (c *Controller) onLatchChange(_, newState safety.LatchState) {
	if newState != safety.StateClear {
		return
	}
	c.mu.Lock()
	c.state.EmergencyStop = false
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	c.metrics.SetEmergency(false, "")
	c.log.Info("emergency stop cleared")
	c.notifier.Notify("System re-enabled", notify.Info)
}

// ResetEmergency clears a latched emergency stop and tells the device with
// RESET_EMERGENCY when connected. The latch stays set if that write fails.
func (c *Controller) ResetEmergency(ctx context.Context) error {
	const op = "emergency reset"
	if !c.latch.Latched() {
		return c.fail(op, errors.InvalidArgumentError(op, "emergency stop is not active"))
	}
	if c.cmd.Connected() {
		if err := c.sendUngated(ctx, protocol.CmdResetEmergency); err != nil {
			return c.fail(op, err)
		}
	}
	if err := c.latch.Reset(); err != nil && !stderrors.Is(err, safety.ErrNotLatched) {
		return c.fail(op, err)
	}
	return nil
}

// Presets

// SavePreset stores a user preset, replacing one of the same name.
func (c *Controller) SavePreset(ctx context.Context, name string, steps int64) (Preset, error) {
	p, err := c.presets.Save(ctx, name, steps)
	if err != nil {
		return Preset{}, c.fail("save preset", err)
	}
	c.notifier.Notify(fmt.Sprintf("Preset %q saved", p.Key), notify.Success)
	return p, nil
}

// SaveCurrentPosition stores the current position as a user preset.
func (c *Controller) SaveCurrentPosition(ctx context.Context, name string) (Preset, error) {
	c.mu.Lock()
	pos := c.state.PositionSteps
	c.mu.Unlock()
	return c.SavePreset(ctx, name, pos)
}

func (c *Controller) DeletePreset(ctx context.Context, key string) error {
	if err := c.presets.Delete(ctx, key); err != nil {
		return c.fail("delete preset", err)
	}
	c.notifier.Notify(fmt.Sprintf("Preset %q deleted", key), notify.Info)
	return nil
}

// GotoPreset moves to a preset, looking at built-ins first.
func (c *Controller) GotoPreset(ctx context.Context, key string) error {
	const op = "goto preset"
	p, ok := c.presets.Lookup(key)
	if !ok {
		return c.fail(op, errors.NotFoundError("preset", key))
	}
	if _, err := c.startMove(ctx, op, p.PositionSteps, false); err != nil {
		return c.fail(op, err)
	}
	c.notifier.Notify("Moving to: "+p.Label, notify.Info)
	return nil
}

// Settings

// SetStepSize sets the jog distance and persists it.
func (c *Controller) SetStepSize(ctx context.Context, mm float64) error {
	const op = "step size"
	if mm <= 0 || math.IsNaN(mm) || math.IsInf(mm, 0) {
		return c.fail(op, errors.InvalidArgumentError(op, "must be a positive number of millimetres"))
	}
	c.mu.Lock()
	c.state.StepSizeMM = mm
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	if err := c.saveSettings(ctx); err != nil {
		return c.fail(op, err)
	}
	return nil
}

// SetMicrostepping switches the microstep divisor. StepsPerMM follows
// immediately; the device is told when connected.
func (c *Controller) SetMicrostepping(ctx context.Context, n int) error {
	const op = "microstepping"
	if !ValidMicrostepping(n) {
		return c.fail(op, errors.InvalidArgumentError(op, fmt.Sprintf("must be one of %v, got %d", validMicrostepping, n)))
	}
	c.mu.Lock()
	c.profile = c.profile.WithMicrostepping(n)
	c.refreshProfileLocked()
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	if c.cmd.Connected() {
		if err := c.sendUngated(ctx, protocol.CmdSetMicrostep, n); err != nil {
			return c.fail(op, err)
		}
	}
	if err := c.saveSettings(ctx); err != nil {
		return c.fail(op, err)
	}
	c.notifier.Notify(fmt.Sprintf("Microstepping set to 1/%d", n), notify.Info)
	return nil
}

// SetSpeed sends the feed rate to the device.
func (c *Controller) SetSpeed(ctx context.Context, mmPerSec float64) error {
	const op = "speed"
	if mmPerSec <= 0 || math.IsNaN(mmPerSec) || math.IsInf(mmPerSec, 0) {
		return c.fail(op, errors.InvalidArgumentError(op, "must be a positive number of mm/s"))
	}
	if err := c.sendUngated(ctx, protocol.CmdSetSpeed, mmPerSec); err != nil {
		return c.fail(op, err)
	}
	c.mu.Lock()
	c.state.SpeedMMPerSec = mmPerSec
	c.signalLocked()
	c.mu.Unlock()
	c.emit()

	if err := c.saveSettings(ctx); err != nil {
		return c.fail(op, err)
	}
	c.notifier.Notify(fmt.Sprintf("Speed set to %g mm/s", mmPerSec), notify.Info)
	return nil
}

func (c *Controller) saveSettings(ctx context.Context) error {
	c.mu.Lock()
	s := UserSettings{
		CurrentStepSize: c.state.StepSizeMM,
		Microstepping:   c.profile.Microstepping,
		SpeedMMPerSec:   c.state.SpeedMMPerSec,
	}
	c.mu.Unlock()
	return c.kv.Set(ctx, SettingsKey, s)
}

// SyncPosition asks the device for its position; the POS reply updates the
// state.
func (c *Controller) SyncPosition(ctx context.Context) error {
	if err := c.sendUngated(ctx, protocol.CmdGetPosition); err != nil {
		return c.fail("sync position", err)
	}
	return nil
}

// ConnectionChanged records the link status and syncs the position after
// each connect.
func (c *Controller) ConnectionChanged(status string) {
	c.mu.Lock()
	if c.state.ConnectionStatus == status {
		c.mu.Unlock()
		return
	}
	c.state.ConnectionStatus = status
	if status != "connected" {
		c.reportedKnown = false
	}
	c.signalLocked()
	resync := status == "connected" && !c.closed
	if resync {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	c.emit()

	if resync {
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), emergencySendTimeout)
			defer cancel()
			if err := c.sendUngated(ctx, protocol.CmdGetPosition); err != nil {
				c.log.WithError(err).Warn("position sync failed")
			}
		}()
	}
}

// Inbound frames

// HandleFrame applies one decoded device frame.
func (c *Controller) HandleFrame(frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.Position:
		c.mu.Lock()
		c.reported, c.reportedKnown = f.Steps, true
		_, completed := c.applyPositionUpdateLocked(SourceDevice, f.Steps)
		c.mu.Unlock()
		c.emit()
		if completed {
			c.notifier.Notify("Move complete", notify.Success)
		}
	case protocol.Sensor:
		c.recordSensor(f.DistanceMM)
	case protocol.Status:
		c.mu.Lock()
		c.state.DeviceStatus = f.Text
		c.signalLocked()
		c.mu.Unlock()
		c.emit()
		if strings.EqualFold(strings.TrimSpace(f.Text), "HOMED") {
			c.deviceHomed("status")
		}
	case protocol.DeviceError:
		c.log.WithField("error", f.Text).Error("device reported error")
		c.notifier.Notify("Device error: "+f.Text, notify.Error)
	case protocol.Ack:
		if strings.EqualFold(strings.TrimSpace(f.Echo), "HOMING_DONE") {
			c.deviceHomed("ack")
		}
	}
}

func (c *Controller) recordSensor(mm float64) {
	now := time.Now()
	c.mu.Lock()
	c.state.LastSensorMM = mm
	c.state.HasSensor = true
	c.history = append(c.history, SensorReading{DistanceMM: mm, Time: now})
	if over := len(c.history) - c.cfg.SensorHistory; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
	c.sensorSeq++
	c.signalLocked()
	c.mu.Unlock()
	c.emit()
	c.metrics.SetSensor(mm)
}

// Helpers

// send writes a motion command. The latch is re-checked under cmdMu.
func (c *Controller) send(ctx context.Context, op string, cmd protocol.Command, args ...any) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.latch.Check(op); err != nil {
		return err
	}
	return c.cmd.SendCommand(ctx, cmd, args...)
}

// sendUngated writes a command that is allowed during an emergency stop.
func (c *Controller) sendUngated(ctx context.Context, cmd protocol.Command, args ...any) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.cmd.SendCommand(ctx, cmd, args...)
}

// fail emits the single notification for a rejected or failed operation.
func (c *Controller) fail(op string, err error) error {
	severity := notify.Error
	msg := describe(err)
	code, _ := errors.CodeOf(err)
	switch code {
	case errors.ErrRejectedBusy:
		severity, msg = notify.Warning, "Stage is already moving"
	case errors.ErrRejectedEmergencyActive:
		msg = "Emergency stop active"
	case errors.ErrRejectedCancelled:
		severity, msg = notify.Warning, capitalize(op)+" cancelled"
	case errors.ErrRejectedNotFound, errors.ErrRejectedInvalidArgument:
		severity, msg = notify.Warning, capitalize(msg)
	default:
		msg = capitalize(op) + " failed: " + msg
	}
	if errors.IsRejected(err) {
		c.metrics.RecordRejection(op, string(code))
	}
	c.log.WithError(err).WithField("operation", op).Warn("operation failed")
	c.notifier.Notify(msg, severity)
	return err
}

func (c *Controller) refreshProfileLocked() {
	c.state.Microstepping = c.profile.Microstepping
	c.state.StepsPerMM = c.profile.StepsPerMM()
	c.state.PositionMM = c.profile.StepsToMM(float64(c.state.PositionSteps))
}

func (c *Controller) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// emit delivers the current state to subscribers, one snapshot at a time.
func (c *Controller) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	s := c.State()
	c.metrics.SetPosition(s.PositionSteps)

	c.subsMu.RLock()
	subs := make([]func(MachineState), len(c.subs))
	copy(subs, c.subs)
	c.subsMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// describe renders err for a user: the message without the code tag.
func describe(err error) string {
	var se *errors.StageError
	if !stderrors.As(err, &se) {
		return err.Error()
	}
	if se.Err != nil {
		return se.Message + ": " + se.Err.Error()
	}
	return se.Message
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
