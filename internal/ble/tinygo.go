package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. Device IDs are MAC addresses
// on Linux (BlueZ) and CoreBluetooth UUIDs on macOS.
//
// tinygo-org/bluetooth does not report power changes, so an optional
// PowerMonitor supplies them. Without one the adapter reports powered on
// once Enable succeeds.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	power   PowerMonitor

	enabled atomic.Bool

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device ID
}

// NewTinyGoAdapter creates an adapter on the default radio. power may be
// nil.
func NewTinyGoAdapter(power PowerMonitor) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		power:       power,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled.Store(true)

	// tinygo/bluetooth fires this adapter-wide handler with
	// connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.lost()
		}
	})
	return nil
}

func (a *TinyGoAdapter) State() AdapterState {
	if a.power == nil {
		if a.enabled.Load() {
			return AdapterStatePoweredOn
		}
		return AdapterStateUnknown
	}
	on, err := a.power.Powered()
	if err != nil {
		slog.Debug("[BLE] read adapter power", "error", err)
		return AdapterStateUnknown
	}
	return poweredState(on)
}

func (a *TinyGoAdapter) WatchState(cb func(AdapterState)) func() {
	cb(a.State())
	if a.power == nil {
		return func() {}
	}
	stop, err := a.power.Watch(func(on bool) {
		cb(poweredState(on))
	})
	if err != nil {
		slog.Warn("[BLE] adapter power changes will not be seen", "error", err)
		return func() {}
	}
	return stop
}

func (a *TinyGoAdapter) Scan(serviceUUID string, found func(Device)) error {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	return a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Name: result.LocalName(),
			ID:   result.Address.String(),
			RSSI: int(result.RSSI),
		}
		if result.HasServiceUUID(svc) {
			d.Services = []string{serviceUUID}
		}
		found(d)
	})
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled; a link that arrives after ctx is done is dropped.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, r.err)
		}
		conn := &tinygoConnection{id: id, device: r.device}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinyGoAdapter) CancelConnection(id string) error {
	a.mu.Lock()
	conn, ok := a.connections[id]
	delete(a.connections, id)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.device.Disconnect()
}

// Close drops every tracked connection. The default radio itself is shared
// by the process and stays enabled.
func (a *TinyGoAdapter) Close() error {
	_ = a.adapter.StopScan()

	a.mu.Lock()
	conns := a.connections
	a.connections = make(map[string]*tinygoConnection)
	a.mu.Unlock()

	var errs []error
	for id, c := range conns {
		if err := c.device.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("ble: disconnect %s: %w", id, err))
		}
	}
	if a.power != nil {
		if err := a.power.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func poweredState(on bool) AdapterState {
	if on {
		return AdapterStatePoweredOn
	}
	return AdapterStatePoweredOff
}

type tinygoConnection struct {
	id     string
	device bluetooth.Device

	down atomic.Bool

	mu           sync.Mutex
	disconnectCb func()
	mtuChar      *bluetooth.DeviceCharacteristic
}

func (c *tinygoConnection) ID() string { return c.id }

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	char := &chars[0]
	c.mu.Lock()
	if c.mtuChar == nil {
		c.mtuChar = char
	}
	c.mu.Unlock()
	return &tinygoCharacteristic{char: char, device: c.id, uuid: charUUIDParsed.String()}, nil
}

// RequestMTU reports the negotiated MTU. tinygo/bluetooth negotiates on its
// own and only exposes the result through a characteristic, so the
// requested value is advisory.
func (c *tinygoConnection) RequestMTU(int) (int, error) {
	c.mu.Lock()
	char := c.mtuChar
	c.mu.Unlock()
	if char == nil {
		return 0, errors.ErrUnsupported
	}
	mtu, err := char.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu), nil
}

func (c *tinygoConnection) IsConnected() bool {
	return !c.down.Load()
}

func (c *tinygoConnection) Disconnect() error {
	if c.down.Swap(true) {
		return nil
	}
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

// lost marks the link down and fires the disconnect callback.
func (c *tinygoConnection) lost() {
	c.down.Store(true)
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char   *bluetooth.DeviceCharacteristic
	device string // device ID the characteristic was discovered on
	uuid   string
}

// Write sends data as an acknowledged write request. The platform half
// lives in tinygo_write_*.go.
func (c *tinygoCharacteristic) Write(data []byte) error {
	if err := c.write(data); err != nil {
		return fmt.Errorf("ble: write %s: %w", c.uuid, err)
	}
	return nil
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) (Subscription, error) {
	err := c.char.EnableNotifications(func(buf []byte) {
		// The buffer is reused by the stack.
		cb(append([]byte(nil), buf...))
	})
	if err != nil {
		return nil, err
	}
	return &tinygoSubscription{char: c.char}, nil
}

type tinygoSubscription struct {
	char *bluetooth.DeviceCharacteristic
	once sync.Once
}

func (s *tinygoSubscription) Cancel() error {
	var err error
	s.once.Do(func() {
		err = s.char.EnableNotifications(nil)
	})
	return err
}
