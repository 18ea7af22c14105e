package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	dbusPropsIface    = "org.freedesktop.DBus.Properties"
	dbusPropsSignal   = dbusPropsIface + ".PropertiesChanged"

	// DefaultBlueZAdapterPath is the object path of the first HCI adapter.
	DefaultBlueZAdapterPath = "/org/bluez/hci0"
)

// PowerMonitor reports the power state of the local radio.
type PowerMonitor interface {
	Powered() (bool, error)
	// Watch calls cb on every power change until stop is called.
	Watch(cb func(on bool)) (stop func(), err error)
	Close() error
}

// BlueZPower reads and watches org.bluez.Adapter1.Powered on the system bus.
type BlueZPower struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZPower opens a private system bus connection. adapterPath defaults
// to DefaultBlueZAdapterPath.
func NewBlueZPower(adapterPath string) (*BlueZPower, error) {
	if adapterPath == "" {
		adapterPath = DefaultBlueZAdapterPath
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	return &BlueZPower{conn: conn, path: dbus.ObjectPath(adapterPath)}, nil
}

func (b *BlueZPower) Powered() (bool, error) {
	var v dbus.Variant
	err := b.conn.Object(bluezBus, b.path).Call(dbusPropsIface+".Get", 0, bluezAdapterIface, "Powered").Store(&v)
	if err != nil {
		return false, fmt.Errorf("ble: read %s Powered: %w", b.path, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s Powered is not bool", b.path)
	}
	return on, nil
}

func (b *BlueZPower) Watch(cb func(on bool)) (func(), error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(dbusPropsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("ble: watch %s: %w", b.path, err)
	}

	ch := make(chan *dbus.Signal, 16)
	b.conn.Signal(ch)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if on, changed := poweredFromSignal(sig, b.path); changed {
					cb(on)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			b.conn.RemoveSignal(ch)
			if err := b.conn.RemoveMatchSignal(opts...); err != nil {
				slog.Debug("[BLE] remove power match", "error", err)
			}
		})
	}, nil
}

func (b *BlueZPower) Close() error {
	return b.conn.Close()
}

// poweredFromSignal extracts Adapter1.Powered from a PropertiesChanged
// signal on path.
func poweredFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (on bool, changed bool) {
	if sig == nil || sig.Name != dbusPropsSignal || sig.Path != path {
		return false, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezAdapterIface {
		return false, false
	}
	props, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := props["Powered"]
	if !ok {
		return false, false
	}
	on, ok = v.Value().(bool)
	return on, ok
}

var _ PowerMonitor = (*BlueZPower)(nil)
