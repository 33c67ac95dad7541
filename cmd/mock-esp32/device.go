package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"laserstage/pkg/log"
	"laserstage/pkg/motion"
	"laserstage/pkg/protocol"
)

// device simulates the stage firmware: a stepper that ramps toward its
// target reporting POS as it goes, an emergency latch and a distance sensor.
type device struct {
	log  *log.Logger
	tick time.Duration
	emit func(protocol.Frame)

	sensor motion.FocusSignal

	mu       sync.Mutex
	profile  motion.MotorProfile
	speed    float64 // mm/s
	position int64
	estop    bool
	// run is bumped to cancel the ramp in flight.
	run uint64
	wg  sync.WaitGroup
}

func newDevice(emit func(protocol.Frame), tick time.Duration, speed float64) *device {
	return &device{
		log:     log.GetLogger("mock-esp32"),
		tick:    tick,
		emit:    emit,
		sensor:  motion.NewSimulatedSignal(),
		profile: motion.DefaultMotorProfile(),
		speed:   speed,
	}
}

// Handle executes one command line.
func (d *device) Handle(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	name, arg, _ := strings.Cut(line, ":")
	cmd := protocol.Command(name)
	d.log.WithField("cmd", line).Debug("received")

	switch cmd {
	case protocol.CmdMove:
		target, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			d.emit(protocol.DeviceError{Text: "INVALID_TARGET"})
			return
		}
		d.startRamp(cmd, target)

	case protocol.CmdHomingStart:
		d.startRamp(cmd, 0)

	case protocol.CmdEmergencyStop:
		d.mu.Lock()
		d.estop = true
		d.run++
		pos := d.position
		d.mu.Unlock()
		d.emit(protocol.Ack{Echo: string(cmd)})
		d.emit(protocol.Status{Text: "EMERGENCY_STOP"})
		d.emit(protocol.Position{Steps: pos})

	case protocol.CmdResetEmergency:
		d.mu.Lock()
		d.estop = false
		d.mu.Unlock()
		d.emit(protocol.Ack{Echo: string(cmd)})
		d.emit(protocol.Status{Text: "READY"})

	case protocol.CmdGetPosition:
		d.mu.Lock()
		pos := d.position
		d.mu.Unlock()
		d.emit(protocol.Position{Steps: pos})

	case protocol.CmdGetSensor:
		d.mu.Lock()
		pos := d.position
		d.mu.Unlock()
		mm, err := d.sensor.Sample(context.Background(), pos)
		if err != nil {
			d.emit(protocol.DeviceError{Text: "SENSOR_FAILURE"})
			return
		}
		d.emit(protocol.Sensor{DistanceMM: math.Round(mm*100) / 100})

	case protocol.CmdSetSpeed:
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || v <= 0 {
			d.emit(protocol.DeviceError{Text: "INVALID_SPEED"})
			return
		}
		d.mu.Lock()
		d.speed = v
		d.mu.Unlock()
		d.emit(protocol.Ack{Echo: string(cmd)})

	case protocol.CmdSetMicrostep:
		n, err := strconv.Atoi(arg)
		if err != nil || !motion.ValidMicrostepping(n) {
			d.emit(protocol.DeviceError{Text: "INVALID_MICROSTEP"})
			return
		}
		d.mu.Lock()
		d.profile = d.profile.WithMicrostepping(n)
		d.mu.Unlock()
		d.emit(protocol.Ack{Echo: string(cmd)})

	default:
		d.emit(protocol.DeviceError{Text: "UNKNOWN_COMMAND " + name})
	}
}

// startRamp replaces any ramp in flight. Homing reports HOMING_DONE at the
// end; moves report MOVE_DONE.
func (d *device) startRamp(cmd protocol.Command, target int64) {
	d.mu.Lock()
	if d.estop {
		d.mu.Unlock()
		d.emit(protocol.DeviceError{Text: "EMERGENCY_STOP_ACTIVE"})
		return
	}
	d.run++
	run := d.run
	d.mu.Unlock()

	d.emit(protocol.Ack{Echo: string(cmd)})
	done := "MOVE_DONE"
	if cmd == protocol.CmdHomingStart {
		done = "HOMING_DONE"
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for range ticker.C {
			d.mu.Lock()
			if d.run != run {
				d.mu.Unlock()
				return
			}
			stride := int64(d.speed * d.profile.StepsPerMM() * d.tick.Seconds())
			if stride < 1 {
				stride = 1
			}
			switch {
			case target > d.position:
				d.position = min(d.position+stride, target)
			case target < d.position:
				d.position = max(d.position-stride, target)
			}
			pos := d.position
			d.mu.Unlock()

			d.emit(protocol.Position{Steps: pos})
			if pos == target {
				d.emit(protocol.Ack{Echo: done})
				d.log.WithFields(log.Fields{"position": pos, "event": done}).Debug("ramp finished")
				return
			}
		}
	}()
}

// Close stops any ramp and waits for it.
func (d *device) Close() {
	d.mu.Lock()
	d.run++
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("position=%d estop=%v speed=%.2fmm/s microstep=%d", d.position, d.estop, d.speed, d.profile.Microstepping)
}
