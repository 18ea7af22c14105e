//go:build linux

package ble

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

// recordingObject captures the last method call.
type recordingObject struct {
	dbus.BusObject
	method string
	args   []any
	err    error
}

func (o *recordingObject) Call(method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.method = method
	o.args = args
	return &dbus.Call{Err: o.err}
}

func TestWriteRequestAsksForResponse(t *testing.T) {
	obj := &recordingObject{}
	if err := writeRequest(obj, []byte("ACK")); err != nil {
		t.Fatalf("writeRequest() error = %v", err)
	}
	if obj.method != "org.bluez.GattCharacteristic1.WriteValue" {
		t.Errorf("method = %q", obj.method)
	}
	if len(obj.args) != 2 {
		t.Fatalf("args = %d, want 2", len(obj.args))
	}
	if got, _ := obj.args[0].([]byte); string(got) != "ACK" {
		t.Errorf("value = %q, want ACK", got)
	}
	opts, ok := obj.args[1].(map[string]dbus.Variant)
	if !ok {
		t.Fatalf("options type = %T", obj.args[1])
	}
	if typ, _ := opts["type"].Value().(string); typ != "request" {
		t.Errorf("write type = %q, want request", typ)
	}
}

func TestWriteRequestError(t *testing.T) {
	failed := errors.New("org.bluez.Error.Failed")
	err := writeRequest(&recordingObject{err: failed}, []byte("SOS"))
	if !errors.Is(err, failed) {
		t.Errorf("writeRequest() error = %v, want %v", err, failed)
	}
}

func TestBlueZDevicePath(t *testing.T) {
	got := bluezDevicePath(DefaultBlueZAdapterPath, "aa:bb:cc:dd:ee:ff")
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); got != want {
		t.Errorf("bluezDevicePath() = %q, want %q", got, want)
	}
}

func TestFindCharPath(t *testing.T) {
	const (
		dev  = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
		uuid = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	)
	char := func(u string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			bluezGattCharIface: {"UUID": dbus.MakeVariant(u)},
		}
	}

	tests := []struct {
		name    string
		objects bluezObjects
		want    dbus.ObjectPath
		wantOK  bool
	}{
		{
			name: "match",
			objects: bluezObjects{
				dev + "/service000c":          {"org.bluez.GattService1": {"UUID": dbus.MakeVariant(uuid)}},
				dev + "/service000c/char000d": char(uuid),
				dev + "/service000c/char000f": char("6e400003-b5a3-f393-e0a9-e50e24dcca9e"),
			},
			want:   dev + "/service000c/char000d",
			wantOK: true,
		},
		{
			name:    "upper case uuid",
			objects: bluezObjects{dev + "/service000c/char000d": char("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")},
			want:    dev + "/service000c/char000d",
			wantOK:  true,
		},
		{
			name:    "other device",
			objects: bluezObjects{"/org/bluez/hci0/dev_11_22_33_44_55_66/service000c/char000d": char(uuid)},
		},
		{
			name: "lowest path wins",
			objects: bluezObjects{
				dev + "/service0020/char0021": char(uuid),
				dev + "/service000c/char000d": char(uuid),
			},
			want:   dev + "/service000c/char000d",
			wantOK: true,
		},
		{
			name:    "no uuid property",
			objects: bluezObjects{dev + "/service000c/char000d": {bluezGattCharIface: {}}},
		},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findCharPath(tt.objects, dev, uuid)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("findCharPath() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
