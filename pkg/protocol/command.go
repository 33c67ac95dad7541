package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"laserstage/pkg/errors"
)

// Command is an outbound command name understood by the stage firmware.
type Command string

const (
	CmdMove           Command = "MOVE"
	CmdHomingStart    Command = "HOMING_START"
	CmdEmergencyStop  Command = "EMERGENCY_STOP"
	CmdGetPosition    Command = "GET_POSITION"
	CmdGetSensor      Command = "GET_SENSOR"
	CmdSetSpeed       Command = "SET_SPEED"
	CmdSetMicrostep   Command = "SET_MICROSTEP"
	CmdResetEmergency Command = "RESET_EMERGENCY"
)

// Line terminator appended to every encoded command.
const Delimiter = '\n'

// arity lists the argument count of every known command.
var arity = map[Command]int{
	CmdMove:           1,
	CmdHomingStart:    0,
	CmdEmergencyStop:  0,
	CmdGetPosition:    0,
	CmdGetSensor:      0,
	CmdSetSpeed:       1,
	CmdSetMicrostep:   1,
	CmdResetEmergency: 0,
}

// Known reports whether cmd is part of the firmware command set.
func (c Command) Known() bool {
	_, ok := arity[c]
	return ok
}

// Encode renders "CMD[:arg1[,arg2...]]\n". Known commands are checked for
// their argument count; unknown commands are passed through if the name is
// well formed.
func Encode(cmd Command, args ...any) ([]byte, error) {
	if !validName(string(cmd)) {
		return nil, errors.InvalidArgumentError("command", fmt.Sprintf("%q is not a valid command name", cmd))
	}
	if n, ok := arity[cmd]; ok && n != len(args) {
		return nil, errors.InvalidArgumentError("command", fmt.Sprintf("%s takes %d argument(s), got %d", cmd, n, len(args)))
	}

	var sb strings.Builder
	sb.WriteString(string(cmd))
	for i, arg := range args {
		s, err := formatArg(arg)
		if err != nil {
			return nil, errors.InvalidArgumentError(string(cmd)+" argument", err.Error())
		}
		if i == 0 {
			sb.WriteByte(':')
		} else {
			sb.WriteByte(',')
		}
		sb.WriteString(s)
	}
	sb.WriteByte(Delimiter)
	return []byte(sb.String()), nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

func formatArg(arg any) (string, error) {
	switch v := arg.(type) {
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case string:
		if strings.ContainsAny(v, ":,\r\n") {
			return "", fmt.Errorf("%q contains a reserved character", v)
		}
		return v, nil
	default:
		return "", fmt.Errorf("unsupported argument type %T", arg)
	}
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite value %v", f)
	}
	return strconv.FormatFloat(f, 'f', -1, bits), nil
}
