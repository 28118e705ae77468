package goneo

import (
	"errors"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if the error chain holds an `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNilDriver            = errors.New("driver is nil")
	ErrUnknownDriver        = errors.New("unknown driver")
	ErrDeviceNotOpen        = errors.New("device is not open")
	ErrAlreadyOpen          = errors.New("device is already open")
	ErrDeviceOffline        = errors.New("device is currently offline")
	ErrUnsupportedNetwork   = errors.New("network is not supported by this device")
	ErrUnsupportedTXNetwork = errors.New("device can not transmit on this network")
	ErrFDNotSupported       = errors.New("network does not support CAN FD")
	ErrInvalidBaudrate      = errors.New("invalid baudrate")
	ErrSettingsReadOnly     = errors.New("device settings are read only")
	ErrSettingsNotAvailable = errors.New("settings not available for this device")
	ErrPollingNotEnabled    = errors.New("message polling is not enabled")
	ErrInvalidLimit         = errors.New("limit must be greater than zero")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrDroppedFrame         = errors.New("driver incoming channel full")
	ErrSendTimeout          = errors.New("timeout sending message")
	ErrDeviceClosed         = errors.New("device closed")
)
