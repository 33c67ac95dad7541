package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"laserstage/pkg/errors"
)

// Frame is one decoded inbound line. The set of implementations is closed:
// Position, Sensor, Status, DeviceError and Ack.
type Frame interface {
	// Prefix is the wire tag the frame was decoded from.
	Prefix() string
	String() string
	isFrame()
}

// Position reports the absolute stage position in steps.
type Position struct {
	Steps int64
}

// Sensor reports a distance measurement in millimetres.
type Sensor struct {
	DistanceMM float64
}

// Status carries a free-form device status line.
type Status struct {
	Text string
}

// DeviceError carries a firmware-reported error.
type DeviceError struct {
	Text string
}

// Ack echoes a command the firmware accepted or completed.
type Ack struct {
	Echo string
}

func (Position) Prefix() string    { return "POS" }
func (Sensor) Prefix() string      { return "SENSOR" }
func (Status) Prefix() string      { return "STATUS" }
func (DeviceError) Prefix() string { return "ERROR" }
func (Ack) Prefix() string         { return "ACK" }

func (f Position) String() string { return fmt.Sprintf("POS:%d", f.Steps) }
func (f Sensor) String() string {
	return "SENSOR:" + strconv.FormatFloat(f.DistanceMM, 'f', -1, 64)
}
func (f Status) String() string      { return "STATUS:" + f.Text }
func (f DeviceError) String() string { return "ERROR:" + f.Text }
func (f Ack) String() string         { return "ACK:" + f.Echo }

func (Position) isFrame()    {}
func (Sensor) isFrame()      {}
func (Status) isFrame()      {}
func (DeviceError) isFrame() {}
func (Ack) isFrame()         {}

// Decode parses one line (without or with its terminator). The line is split
// on the first ':' and the prefix selects the frame type. An unrecognised
// prefix yields a DECODE_UNKNOWN_FRAME error; a recognised prefix with a
// missing or unparsable payload yields DECODE_MALFORMED_PAYLOAD.
func Decode(line []byte) (Frame, error) {
	s := strings.TrimSpace(string(line))
	prefix, payload, hasPayload := strings.Cut(s, ":")

	switch prefix {
	case "POS", "SENSOR", "STATUS", "ERROR", "ACK":
	default:
		return nil, errors.UnknownFrameError(s)
	}
	if !hasPayload {
		return nil, errors.MalformedPayloadError(s, fmt.Errorf("missing ':' separator"))
	}

	switch prefix {
	case "POS":
		steps, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
		if err != nil {
			return nil, errors.MalformedPayloadError(s, err)
		}
		return Position{Steps: steps}, nil
	case "SENSOR":
		mm, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			return nil, errors.MalformedPayloadError(s, err)
		}
		if math.IsNaN(mm) || math.IsInf(mm, 0) {
			return nil, errors.MalformedPayloadError(s, fmt.Errorf("non-finite distance"))
		}
		return Sensor{DistanceMM: mm}, nil
	case "STATUS":
		return Status{Text: payload}, nil
	case "ERROR":
		return DeviceError{Text: payload}, nil
	default:
		return Ack{Echo: payload}, nil
	}
}
