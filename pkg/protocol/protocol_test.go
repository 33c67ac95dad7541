package protocol

import (
	"strings"
	"testing"

	"laserstage/pkg/errors"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		cmd  Command
		args []any
		want string
	}{
		{CmdMove, []any{int64(1234)}, "MOVE:1234\n"},
		{CmdMove, []any{-800}, "MOVE:-800\n"},
		{CmdHomingStart, nil, "HOMING_START\n"},
		{CmdEmergencyStop, nil, "EMERGENCY_STOP\n"},
		{CmdGetPosition, nil, "GET_POSITION\n"},
		{CmdSetSpeed, []any{5.0}, "SET_SPEED:5\n"},
		{CmdSetSpeed, []any{2.5}, "SET_SPEED:2.5\n"},
		{CmdSetMicrostep, []any{32}, "SET_MICROSTEP:32\n"},
		{Command("CUSTOM_CMD"), []any{1, "a", 2.25}, "CUSTOM_CMD:1,a,2.25\n"},
	}
	for _, tt := range tests {
		got, err := Encode(tt.cmd, tt.args...)
		if err != nil {
			t.Errorf("Encode(%s, %v) error: %v", tt.cmd, tt.args, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Encode(%s, %v) = %q, want %q", tt.cmd, tt.args, got, tt.want)
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		args []any
	}{
		{"empty name", "", nil},
		{"lowercase name", "move", []any{1}},
		{"missing arg", CmdMove, nil},
		{"extra arg", CmdHomingStart, []any{1}},
		{"reserved char", Command("X"), []any{"a:b"}},
		{"newline in arg", Command("X"), []any{"a\nb"}},
		{"unsupported type", CmdMove, []any{struct{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.cmd, tt.args...)
			if !errors.Is(err, errors.ErrRejectedInvalidArgument) {
				t.Errorf("expected invalid argument error, got %v", err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		line string
		want Frame
	}{
		{"POS:1600", Position{Steps: 1600}},
		{"POS:-40\r\n", Position{Steps: -40}},
		{"SENSOR:123.4", Sensor{DistanceMM: 123.4}},
		{"SENSOR: 7", Sensor{DistanceMM: 7}},
		{"STATUS:IDLE", Status{Text: "IDLE"}},
		{"STATUS:", Status{Text: ""}},
		{"ERROR:limit switch", DeviceError{Text: "limit switch"}},
		{"ACK:MOVE:400", Ack{Echo: "MOVE:400"}},
	}
	for _, tt := range tests {
		got, err := Decode([]byte(tt.line))
		if err != nil {
			t.Errorf("Decode(%q) error: %v", tt.line, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Decode(%q) = %#v, want %#v", tt.line, got, tt.want)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		line string
		code errors.ErrorCode
	}{
		{"GARBAGE", errors.ErrDecodeUnknownFrame},
		{"", errors.ErrDecodeUnknownFrame},
		{"pos:10", errors.ErrDecodeUnknownFrame},
		{"POS:abc", errors.ErrDecodeMalformedPayload},
		{"POS:12.5", errors.ErrDecodeMalformedPayload},
		{"POS", errors.ErrDecodeMalformedPayload},
		{"SENSOR:", errors.ErrDecodeMalformedPayload},
		{"SENSOR:NaN", errors.ErrDecodeMalformedPayload},
		{"SENSOR:+Inf", errors.ErrDecodeMalformedPayload},
	}
	for _, tt := range tests {
		_, err := Decode([]byte(tt.line))
		if !errors.Is(err, tt.code) {
			t.Errorf("Decode(%q) error = %v, want code %s", tt.line, err, tt.code)
		}
		if !errors.IsDecode(err) {
			t.Errorf("Decode(%q) error should be a decode error", tt.line)
		}
	}
}

func TestFrameStringRoundTrip(t *testing.T) {
	frames := []Frame{
		Position{Steps: 42},
		Sensor{DistanceMM: 98.75},
		Status{Text: "HOMED"},
		DeviceError{Text: "stall"},
		Ack{Echo: "HOMING_DONE"},
	}
	for _, f := range frames {
		got, err := Decode([]byte(f.String()))
		if err != nil {
			t.Fatalf("Decode(%q): %v", f.String(), err)
		}
		if got != f {
			t.Errorf("round trip %q = %#v", f.String(), got)
		}
		if !strings.HasPrefix(f.String(), f.Prefix()+":") {
			t.Errorf("%q does not start with prefix %s", f.String(), f.Prefix())
		}
	}
}

func TestLineBufferReassembly(t *testing.T) {
	b := NewLineBuffer(0)

	lines, err := b.Feed([]byte("POS:1"))
	if err != nil || len(lines) != 0 {
		t.Fatalf("partial line: lines=%q err=%v", lines, err)
	}
	lines, err = b.Feed([]byte("00\r\nSENSOR:1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || string(lines[0]) != "POS:100" {
		t.Fatalf("got %q, want [POS:100]", lines)
	}
	lines, _ = b.Feed([]byte("2.5\n\n\nSTATUS:OK\nACK"))
	if len(lines) != 2 || string(lines[0]) != "SENSOR:12.5" || string(lines[1]) != "STATUS:OK" {
		t.Fatalf("got %q", lines)
	}
	if b.Pending() != 3 {
		t.Errorf("pending = %d, want 3", b.Pending())
	}
	if got := string(b.Flush()); got != "ACK" {
		t.Errorf("Flush() = %q, want ACK", got)
	}
	if b.Pending() != 0 || b.Flush() != nil {
		t.Error("buffer should be empty after flush")
	}
}

func TestLineBufferOverflow(t *testing.T) {
	b := NewLineBuffer(8)

	lines, err := b.Feed([]byte("POS:1\n0123456789"))
	if err != ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "POS:1" {
		t.Errorf("completed lines should survive overflow, got %q", lines)
	}
	if b.Pending() != 0 {
		t.Errorf("overlong partial should be discarded, pending=%d", b.Pending())
	}

	// The tail of the discarded line must not surface as a line of its own.
	lines, err = b.Feed([]byte("ABC"))
	if err != nil || len(lines) != 0 {
		t.Errorf("tail chunk: lines %q err %v", lines, err)
	}
	lines, err = b.Feed([]byte("DEF\nPOS:2\n"))
	if err != nil {
		t.Fatalf("unexpected error after discarded tail: %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "POS:2" {
		t.Errorf("got %q, want [POS:2]", lines)
	}

	lines, err = b.Feed([]byte("ABCDEFGHIJ\nPOS:3\n"))
	if err != ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong for complete overlong line, got %v", err)
	}
	if len(lines) != 1 || string(lines[0]) != "POS:3" {
		t.Errorf("got %q, want [POS:3]", lines)
	}
}
