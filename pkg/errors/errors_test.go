// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	if got := BusyError("move").Error(); got != "[REJECTED_BUSY] move rejected: stage is busy" {
		t.Errorf("Error() = %q", got)
	}
	err := SocketError("192.168.4.1", io.ErrUnexpectedEOF)
	if !strings.Contains(err.Error(), "[CONNECT_SOCKET_ERROR]") || !strings.HasSuffix(err.Error(), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("Error() = %q", err.Error())
	}
	if !stderrors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := TransportFailureError(io.ErrClosedPipe)
	outer := Wrap(fmt.Errorf("send MOVE: %w", inner), ErrStore, "persist")

	if !Is(outer, ErrSendTransportFailure) {
		t.Error("inner code not found through fmt wrapping")
	}
	if !Is(outer, ErrStore) {
		t.Error("outer code not found")
	}
	if Is(outer, ErrSendNotConnected) {
		t.Error("unrelated code matched")
	}
	if Is(io.EOF, ErrStore) || Is(nil, ErrStore) {
		t.Error("plain errors carry no code")
	}
	if code, ok := CodeOf(outer); !ok || code != ErrStore {
		t.Errorf("CodeOf = %v, %v; want outermost STORE", code, ok)
	}
	if _, ok := CodeOf(io.EOF); ok {
		t.Error("CodeOf(io.EOF) reported a code")
	}
}

func TestCategories(t *testing.T) {
	tests := []struct {
		err                               error
		connect, send, decode, rejected bool
	}{
		{NoDeviceSelectedError("cancelled"), true, false, false, false},
		{AddressRequiredError(), true, false, false, false},
		{NotConnectedError(), false, true, false, false},
		{UnknownFrameError("GARBAGE"), false, false, true, false},
		{MalformedPayloadError("POS:x", io.EOF), false, false, true, false},
		{EmergencyActiveError("jog"), false, false, false, true},
		{NotFoundError("preset", "mesa"), false, false, false, true},
		{NoSignalError(400, io.EOF), false, false, false, false},
	}
	for _, tt := range tests {
		got := [4]bool{IsConnect(tt.err), IsSend(tt.err), IsDecode(tt.err), IsRejected(tt.err)}
		want := [4]bool{tt.connect, tt.send, tt.decode, tt.rejected}
		if got != want {
			t.Errorf("%v: categories = %v, want %v", tt.err, got, want)
		}
	}
}

func TestConfigValidationContext(t *testing.T) {
	err := ConfigValidationError("wifi", "port", "must be 1-65535")
	if err.Code != ErrConfigValidation {
		t.Fatalf("code = %s", err.Code)
	}
	if err.Context["option"] != "port" {
		t.Errorf("context = %v", err.Context)
	}
	err.SetContext("value", 70000)
	if err.Context["value"] != 70000 || err.Context["option"] != "port" {
		t.Errorf("SetContext lost entries: %v", err.Context)
	}
}
