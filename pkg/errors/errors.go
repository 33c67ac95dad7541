// Unified error handling for the laser stage host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Connection establishment errors
	ErrConnectNoDeviceSelected ErrorCode = "CONNECT_NO_DEVICE_SELECTED"
	ErrConnectServiceNotFound  ErrorCode = "CONNECT_SERVICE_NOT_FOUND"
	ErrConnectAddressRequired  ErrorCode = "CONNECT_ADDRESS_REQUIRED"
	ErrConnectSocket           ErrorCode = "CONNECT_SOCKET_ERROR"

	// Command send errors
	ErrSendNotConnected     ErrorCode = "SEND_NOT_CONNECTED"
	ErrSendTransportFailure ErrorCode = "SEND_TRANSPORT_FAILURE"

	// Inbound frame decode errors
	ErrDecodeUnknownFrame     ErrorCode = "DECODE_UNKNOWN_FRAME"
	ErrDecodeMalformedPayload ErrorCode = "DECODE_MALFORMED_PAYLOAD"

	// Operation rejections
	ErrRejectedBusy            ErrorCode = "REJECTED_BUSY"
	ErrRejectedEmergencyActive ErrorCode = "REJECTED_EMERGENCY_ACTIVE"
	ErrRejectedCancelled       ErrorCode = "REJECTED_CANCELLED"
	ErrRejectedNotFound        ErrorCode = "REJECTED_NOT_FOUND"
	ErrRejectedInvalidArgument ErrorCode = "REJECTED_INVALID_ARGUMENT"

	ErrAutoFocusNoSignal ErrorCode = "AUTOFOCUS_NO_SIGNAL"
	ErrConfigValidation  ErrorCode = "CONFIG_VALIDATION"
	ErrStore             ErrorCode = "STORE"
)

// StageError is the unified error type for the host
type StageError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *StageError) Unwrap() error {
	return e.Err
}

// SetContext adds additional context
func (e *StageError) SetContext(key string, value interface{}) *StageError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *StageError {
	return &StageError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new StageError
func New(code ErrorCode, message string) *StageError {
	return &StageError{
		Code:    code,
		Message: message,
	}
}

// Connection errors

// NoDeviceSelectedError is returned when the device chooser was cancelled or
// nothing matching was found.
func NoDeviceSelectedError(reason string) *StageError {
	return New(ErrConnectNoDeviceSelected, fmt.Sprintf("no device selected: %s", reason))
}

// ServiceNotFoundError is returned when the BLE service or characteristic is missing.
func ServiceNotFoundError(uuid string, err error) *StageError {
	return Wrap(err, ErrConnectServiceNotFound, fmt.Sprintf("service or characteristic %s not found", uuid)).
		SetContext("uuid", uuid)
}

// AddressRequiredError is returned when no WiFi address was supplied.
func AddressRequiredError() *StageError {
	return New(ErrConnectAddressRequired, "device address required")
}

// SocketError wraps a failure to open a socket or port.
func SocketError(target string, err error) *StageError {
	return Wrap(err, ErrConnectSocket, fmt.Sprintf("cannot open %s", target)).
		SetContext("target", target)
}

// Send errors

func NotConnectedError() *StageError {
	return New(ErrSendNotConnected, "device not connected")
}

func TransportFailureError(err error) *StageError {
	return Wrap(err, ErrSendTransportFailure, "transport write failed")
}

// Decode errors

func UnknownFrameError(line string) *StageError {
	return New(ErrDecodeUnknownFrame, fmt.Sprintf("unknown frame %q", line)).
		SetContext("line", line)
}

func MalformedPayloadError(line string, err error) *StageError {
	return Wrap(err, ErrDecodeMalformedPayload, fmt.Sprintf("malformed payload in %q", line)).
		SetContext("line", line)
}

// Rejections

// BusyError rejects an operation while another motion is in progress.
func BusyError(operation string) *StageError {
	return New(ErrRejectedBusy, fmt.Sprintf("%s rejected: stage is busy", operation))
}

// EmergencyActiveError rejects an operation while the emergency stop is latched.
func EmergencyActiveError(operation string) *StageError {
	return New(ErrRejectedEmergencyActive, fmt.Sprintf("%s rejected: emergency stop active", operation))
}

func CancelledError(operation string) *StageError {
	return New(ErrRejectedCancelled, fmt.Sprintf("%s cancelled", operation))
}

func NotFoundError(kind, key string) *StageError {
	return New(ErrRejectedNotFound, fmt.Sprintf("%s '%s' not found", kind, key)).
		SetContext("key", key)
}

func InvalidArgumentError(name string, reason string) *StageError {
	return New(ErrRejectedInvalidArgument, fmt.Sprintf("invalid %s: %s", name, reason))
}

// NoSignalError reports an auto-focus scan that produced no usable reading.
func NoSignalError(position int64, err error) *StageError {
	msg := "no focus signal"
	if position >= 0 {
		msg = fmt.Sprintf("no focus signal at step %d", position)
	}
	if err == nil {
		return New(ErrAutoFocusNoSignal, msg)
	}
	return Wrap(err, ErrAutoFocusNoSignal, msg)
}

// Config errors

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *StageError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetContext("section", section).
		SetContext("option", option)
}

// StoreError wraps a persistence failure for the given key.
func StoreError(op, key string, err error) *StageError {
	return Wrap(err, ErrStore, fmt.Sprintf("store %s %q failed", op, key))
}

// Is checks if any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var stageErr *StageError
	for err != nil {
		if !stderrors.As(err, &stageErr) {
			return false
		}
		if stageErr.Code == code {
			return true
		}
		err = stageErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost StageError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var stageErr *StageError
	if stderrors.As(err, &stageErr) {
		return stageErr.Code, true
	}
	return "", false
}

// IsConnect checks if error is a connection establishment error
func IsConnect(err error) bool {
	return Is(err, ErrConnectNoDeviceSelected) ||
		Is(err, ErrConnectServiceNotFound) ||
		Is(err, ErrConnectAddressRequired) ||
		Is(err, ErrConnectSocket)
}

// IsSend checks if error is a send error
func IsSend(err error) bool {
	return Is(err, ErrSendNotConnected) ||
		Is(err, ErrSendTransportFailure)
}

// IsDecode checks if error is a decode error
func IsDecode(err error) bool {
	return Is(err, ErrDecodeUnknownFrame) ||
		Is(err, ErrDecodeMalformedPayload)
}

// IsRejected checks if error is an operation rejection
func IsRejected(err error) bool {
	return Is(err, ErrRejectedBusy) ||
		Is(err, ErrRejectedEmergencyActive) ||
		Is(err, ErrRejectedCancelled) ||
		Is(err, ErrRejectedNotFound) ||
		Is(err, ErrRejectedInvalidArgument)
}
