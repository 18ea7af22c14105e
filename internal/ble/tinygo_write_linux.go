//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezGattCharIface = "org.bluez.GattCharacteristic1"
	dbusObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// bluezObjects is the reply of ObjectManager.GetManagedObjects.
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// write goes through BlueZ directly. tinygo/bluetooth only exposes write
// without response on Linux, which the helmet does not acknowledge.
func (c *tinygoCharacteristic) write(data []byte) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	var objects bluezObjects
	err = bus.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return fmt.Errorf("list BlueZ objects: %w", err)
	}
	device := bluezDevicePath(DefaultBlueZAdapterPath, c.device)
	path, ok := findCharPath(objects, device, c.uuid)
	if !ok {
		return fmt.Errorf("characteristic not found under %s", device)
	}
	return writeRequest(bus.Object(bluezBus, path), data)
}

// writeRequest calls GattCharacteristic1.WriteValue with type "request",
// so the call returns only after the peripheral confirms the write.
func writeRequest(obj dbus.BusObject, data []byte) error {
	return obj.Call(bluezGattCharIface+".WriteValue", 0, data, writeRequestOptions()).Err
}

func writeRequestOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
}

// bluezDevicePath builds the object path BlueZ uses for mac on adapterPath,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func bluezDevicePath(adapterPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(adapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// findCharPath returns the characteristic with uuid below device. When a
// device exposes the UUID more than once the lowest path wins.
func findCharPath(objects bluezObjects, device dbus.ObjectPath, uuid string) (dbus.ObjectPath, bool) {
	prefix := string(device) + "/"
	var found dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezGattCharIface]
		if !ok {
			continue
		}
		v, ok := props["UUID"].Value().(string)
		if !ok || !strings.EqualFold(v, uuid) {
			continue
		}
		if found == "" || path < found {
			found = path
		}
	}
	return found, found != ""
}
