package ble

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdapterOff means the radio is not powered on. The user has to turn
	// Bluetooth back on; retrying without that will fail again.
	ErrAdapterOff = errors.New("ble: bluetooth adapter is off")
	// ErrScanTimeout means no matching peripheral advertised within the
	// scan budget. Callers may retry.
	ErrScanTimeout = errors.New("ble: no device found before scan timeout")
	// ErrScanFailed means the adapter reported a scan error.
	ErrScanFailed = errors.New("ble: scan failed")

	ErrConnectTimeout  = errors.New("ble: connect timed out")
	ErrDiscoverTimeout = errors.New("ble: service discovery timed out")
	// ErrLinkLost means the radio dropped the link before the connection
	// became ready.
	ErrLinkLost = errors.New("ble: link lost during connect")

	// ErrDisconnectWatchdog is logged when native teardown did not confirm
	// in time and local cleanup was forced.
	ErrDisconnectWatchdog = errors.New("ble: disconnect watchdog fired")

	ErrCommandWrite = errors.New("ble: command write failed")
	ErrNotConnected = errors.New("ble: not connected")

	ErrTimeout           = errors.New("ble: timeout")
	ErrInvalidTransition = errors.New("ble: invalid state transition")
)

// TimeoutError is returned by withTimeout when the deadline wins the race.
type TimeoutError struct {
	Label string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ble: timeout %s after %s", e.Label, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
