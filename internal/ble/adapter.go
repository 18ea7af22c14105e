// Package ble manages the Bluetooth Low Energy link to a single SmartHelmet
// peripheral: discovery, connection, the impact notification stream, and
// teardown under per-step timeouts.
package ble

import (
	"context"
	"strings"
)

// SmartHelmet BLE UUIDs (Nordic UART service layout).
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultNamePattern matches the name the helmet firmware advertises.
const DefaultNamePattern = "SmartHelmet"

// AdapterState is the power state of the local radio.
type AdapterState int

const (
	AdapterStateUnknown AdapterState = iota
	AdapterStatePoweredOff
	AdapterStatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterStatePoweredOff:
		return "powered-off"
	case AdapterStatePoweredOn:
		return "powered-on"
	default:
		return "unknown"
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the peer's response.
	Write(data []byte) error
	// Subscribe opens a notification stream. Cancel the returned
	// Subscription to stop it.
	Subscribe(callback func(data []byte)) (Subscription, error)
}

// Subscription is an open notification stream.
type Subscription interface {
	Cancel() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name     string
	ID       string // MAC address on Linux, CoreBluetooth UUID on macOS
	RSSI     int
	Services []string
}

// HasService reports whether the advertisement lists the given service UUID.
func (d Device) HasService(uuid string) bool {
	for _, s := range d.Services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// ID returns the peripheral identifier the connection was made to.
	ID() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks for a transfer unit and returns the one in effect.
	// Platforms that cannot negotiate return errors.ErrUnsupported.
	RequestMTU(mtu int) (int, error)
	// IsConnected reports whether the radio still considers the link up.
	IsConnected() bool
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the radio reports the
	// link lost.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE stack.
	Enable() error
	// State returns the current power state.
	State() AdapterState
	// WatchState calls cb with the current state, then on every change,
	// until the returned stop function is called.
	WatchState(cb func(AdapterState)) (stop func())
	// Scan reports peripherals advertising serviceUUID to found. It blocks
	// until StopScan is called or the scan fails.
	Scan(serviceUUID string, found func(Device)) error
	// StopScan ends a running Scan.
	StopScan() error
	// Connect establishes a connection to the peripheral with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
	// CancelConnection tears down the link to id from the adapter side.
	CancelConnection(id string) error
	// Close releases the adapter. It must not be used afterwards.
	Close() error
}

// AdapterFactory creates a fresh, not yet enabled Adapter.
type AdapterFactory func() (Adapter, error)
