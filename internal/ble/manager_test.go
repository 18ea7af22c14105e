package ble

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/smarthelmet/helmet-link/internal/ble/protocol"
)

func TestNewManagerNilFactory(t *testing.T) {
	if _, err := NewManager(nil, DefaultOptions()); err == nil {
		t.Fatal("NewManager(nil) should fail")
	}
}

func TestNewManagerFillsDefaults(t *testing.T) {
	set := newRadioSet(func() *fakeRadio { return newFakeRadio() })
	m, err := NewManager(set.factory, Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.opts.ScanTimeout != 10*time.Second {
		t.Errorf("ScanTimeout = %v, want 10s", m.opts.ScanTimeout)
	}
	if m.opts.NamePattern != DefaultNamePattern {
		t.Errorf("NamePattern = %q, want %q", m.opts.NamePattern, DefaultNamePattern)
	}
	if m.opts.Codec == nil || m.opts.Codec.Name() != "raw" {
		t.Errorf("Codec = %v, want raw", m.opts.Codec)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestConnectSuccess(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())

	if got := m.State(); got != StateReady {
		t.Fatalf("State() = %s, want ready", got)
	}
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true}) {
		t.Errorf("OnConnected calls = %v, want [true]", calls)
	}
	info, ok := m.Peripheral()
	if !ok {
		t.Fatal("Peripheral() reported no peripheral")
	}
	if info.ID != "AA:BB:CC:DD:EE:FF" || info.Name != "SmartHelmet" || info.MTU != 185 {
		t.Errorf("Peripheral() = %+v", info)
	}
	if radio.connectionCount() != 1 {
		t.Errorf("connections = %d, want 1", radio.connectionCount())
	}
}

func TestImpactDeliveredOnce(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	defer m.Disconnect(ReasonUser)

	radio.latestConnection().notify.Notify([]byte("IMPACT\n"))

	events := rec.eventList()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Kind != EventImpact || events[0].Source != SourceDeviceInference {
		t.Errorf("event = %+v, want device-inference impact", events[0])
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	defer m.Disconnect(ReasonUser)

	notify := radio.latestConnection().notify
	notify.Notify([]byte{0xff, 0xfe, 0xfd})
	notify.Notify([]byte(`{"type":"incident_end"`))
	notify.Notify([]byte("hello"))
	notify.Notify([]byte(`{"type":"incident_end","helmet_id":"H-1"}`))

	events := rec.eventList()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1: %+v", len(events), events)
	}
	if events[0].Kind != EventIncidentEnd {
		t.Errorf("event kind = %s, want incident-end", events[0].Kind)
	}
	if got := m.State(); got != StateReady {
		t.Errorf("State() = %s after bad frames, want ready", got)
	}
}

func TestBackendImpactFrame(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	defer m.Disconnect(ReasonUser)

	radio.latestConnection().notify.Notify([]byte(`{"type":"incident_begin","ai_p":0.91}`))

	events := rec.eventList()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != EventImpact || ev.Source != SourceBackend || ev.Type() != "incident_begin" {
		t.Errorf("event = %+v", ev)
	}
	if p, ok := ev.Probability(); !ok || p != 0.91 {
		t.Errorf("Probability() = %v, %v, want 0.91", p, ok)
	}
}

func TestBase64Frames(t *testing.T) {
	opts := testOptions()
	opts.Codec = protocol.Base64Codec{}
	m, radio, rec := connectedManager(t, opts)
	defer m.Disconnect(ReasonUser)

	conn := radio.latestConnection()
	conn.notify.Notify([]byte("SU1QQUNU")) // IMPACT
	if len(rec.eventList()) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.eventList()))
	}

	if err := m.SendSos(); err != nil {
		t.Fatalf("SendSos() error = %v", err)
	}
	if got := conn.write.written(); !reflect.DeepEqual(got, []string{"U09T"}) {
		t.Errorf("writes = %q, want [U09T]", got)
	}
}

func TestDisconnectWhenIdle(t *testing.T) {
	m, _, rec := newTestManager(t, testOptions(), func() *fakeRadio { return newFakeRadio() })

	start := time.Now()
	m.Disconnect(ReasonUser)
	if elapsed := time.Since(start); elapsed > m.opts.DisconnectWatchdog {
		t.Errorf("Disconnect() took %v, longer than the watchdog", elapsed)
	}
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{false}) {
		t.Errorf("OnConnected calls = %v, want [false]", calls)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestDisconnectReady(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	conn := radio.latestConnection()

	m.Disconnect(ReasonUser)

	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true, false}) {
		t.Errorf("OnConnected calls = %v, want [true false]", calls)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("native disconnects = %d, want 1", conn.disconnectCount())
	}
	if conn.notify.cancelCount() != 1 {
		t.Errorf("subscription cancels = %d, want 1", conn.notify.cancelCount())
	}
	if _, ok := m.Peripheral(); ok {
		t.Error("Peripheral() still set after Disconnect")
	}

	conn.notify.Notify([]byte("IMPACT"))
	if n := len(rec.eventList()); n != 0 {
		t.Errorf("events after disconnect = %d, want 0", n)
	}
}

func TestStaleFrameAfterRevokeDropped(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	conn := radio.latestConnection()

	// Keep a handle on the callback as a stack that delivers late would.
	conn.notify.mu.Lock()
	late := conn.notify.callback
	conn.notify.mu.Unlock()

	m.Disconnect(ReasonUser)
	late([]byte("IMPACT"))

	if n := len(rec.eventList()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestDisconnectBoundedWhenTeardownHangs(t *testing.T) {
	opts := testOptions()
	hang := make(chan struct{})
	defer close(hang)

	m, _, rec := newTestManager(t, opts, func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.cancelHang = true
		r.setupConn = func(c *fakeConnection) { c.disconnectHang = hang }
		return r
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	m.Disconnect(ReasonUser)
	elapsed := time.Since(start)
	if elapsed > opts.DisconnectWatchdog+150*time.Millisecond {
		t.Errorf("Disconnect() took %v, want about %v", elapsed, opts.DisconnectWatchdog)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true, false}) {
		t.Errorf("OnConnected calls = %v, want [true false]", calls)
	}
}

func TestDisconnectDuringConnectFiresOnce(t *testing.T) {
	m, set, rec := newTestManager(t, testOptions(), func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.connectHang = true
		return r
	})

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, time.Second, "connect attempt", func() bool {
		r := set.latest()
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.connectAttempts > 0
	})

	m.Disconnect(ReasonUser)

	select {
	case err := <-done:
		if err == nil {
			t.Error("Connect() succeeded after Disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() did not return after Disconnect")
	}
	time.Sleep(50 * time.Millisecond)
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{false}) {
		t.Errorf("OnConnected calls = %v, want [false]", calls)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestLinkLossWhileReady(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())

	radio.latestConnection().SimulateLinkLoss()

	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true, false}) {
		t.Errorf("OnConnected calls = %v, want [true false]", calls)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if err := m.SendAck(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAck() error = %v, want ErrNotConnected", err)
	}
}

func TestLinkLossDuringConnect(t *testing.T) {
	m, _, rec := newTestManager(t, testOptions(), func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.setupConn = func(c *fakeConnection) {
			c.notify.onSubscribe = c.SimulateLinkLoss
		}
		return r
	})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrLinkLost) {
		t.Fatalf("Connect() error = %v, want ErrLinkLost", err)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if calls := rec.connectedCalls(); len(calls) != 0 {
		t.Errorf("OnConnected calls = %v, want none", calls)
	}
}

func TestConnectTwiceReplacesConnection(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	first := radio.latestConnection()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	if first.disconnectCount() != 1 {
		t.Errorf("first connection disconnects = %d, want 1", first.disconnectCount())
	}
	if radio.connectionCount() != 2 {
		t.Errorf("connections = %d, want 2", radio.connectionCount())
	}
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true, false, true}) {
		t.Errorf("OnConnected calls = %v, want [true false true]", calls)
	}

	// Frames on the retired connection are not delivered.
	first.notify.Notify([]byte("IMPACT"))
	radio.latestConnection().notify.Notify([]byte("IMPACT"))
	if n := len(rec.eventList()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestConnectTimeout(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	m, _, rec := newTestManager(t, opts, func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.connectHang = true
		return r
	})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if calls := rec.connectedCalls(); len(calls) != 0 {
		t.Errorf("OnConnected calls = %v, want none", calls)
	}
}

func TestConnectFailure(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions(), func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.connectErr = errors.New("page timeout")
		return r
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail")
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestDiscoverFailureReleasesLink(t *testing.T) {
	m, set, _ := newTestManager(t, testOptions(), func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.setupConn = func(c *fakeConnection) { c.discoverErr = errors.New("no such service") }
		return r
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail")
	}
	if n := set.latest().latestConnection().disconnectCount(); n != 1 {
		t.Errorf("disconnects = %d, want 1", n)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
}

func TestDiscoverTimeout(t *testing.T) {
	opts := testOptions()
	opts.DiscoverTimeout = 50 * time.Millisecond
	m, _, _ := newTestManager(t, opts, func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.setupConn = func(c *fakeConnection) { c.discoverHang = true }
		return r
	})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrDiscoverTimeout) {
		t.Fatalf("Connect() error = %v, want ErrDiscoverTimeout", err)
	}
}

func TestMTUFailureIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions(), func() *fakeRadio {
		r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
		r.setupConn = func(c *fakeConnection) { c.mtuErr = errors.ErrUnsupported }
		return r
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Disconnect(ReasonUser)
	info, _ := m.Peripheral()
	if info.MTU != 0 {
		t.Errorf("MTU = %d, want 0", info.MTU)
	}
}

func TestSendCommands(t *testing.T) {
	m, radio, _ := connectedManager(t, testOptions())
	defer m.Disconnect(ReasonUser)

	if err := m.SendAck(); err != nil {
		t.Fatalf("SendAck() error = %v", err)
	}
	if err := m.SendSos(); err != nil {
		t.Fatalf("SendSos() error = %v", err)
	}
	got := radio.latestConnection().write.written()
	if !reflect.DeepEqual(got, []string{"ACK", "SOS"}) {
		t.Errorf("writes = %q, want [ACK SOS]", got)
	}
}

func TestSendNotConnected(t *testing.T) {
	m, _, _ := newTestManager(t, testOptions(), func() *fakeRadio { return newFakeRadio() })
	if err := m.SendAck(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAck() error = %v, want ErrNotConnected", err)
	}
}

func TestSendWriteFailure(t *testing.T) {
	m, radio, _ := connectedManager(t, testOptions())
	defer m.Disconnect(ReasonUser)

	conn := radio.latestConnection()
	conn.write.mu.Lock()
	conn.write.writeErr = errors.New("gatt error 0x0e")
	conn.write.mu.Unlock()

	err := m.SendSos()
	if !errors.Is(err, ErrCommandWrite) {
		t.Errorf("SendSos() error = %v, want ErrCommandWrite", err)
	}
	if got := m.State(); got != StateReady {
		t.Errorf("State() = %s, a failed write must not drop the link", got)
	}
}

func TestAdapterOffWhileReady(t *testing.T) {
	m, radio, rec := connectedManager(t, testOptions())
	conn := radio.latestConnection()

	radio.SetPower(false)

	if !rec.hasFault(ErrAdapterOff) {
		t.Error("OnFault did not receive ErrAdapterOff")
	}
	waitFor(t, time.Second, "forced cleanup", func() bool {
		return reflect.DeepEqual(rec.connectedCalls(), []bool{true, false})
	})
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("native disconnects = %d, want 1", conn.disconnectCount())
	}
}

func TestAdapterOffDuringConnect(t *testing.T) {
	tests := []struct {
		name        string
		arm         func(r *fakeRadio, powerOff func())
		wantCancels int
	}{
		{
			name: "link",
			arm:  func(r *fakeRadio, powerOff func()) { r.onConnect = powerOff },
		},
		{
			name: "discover",
			arm: func(r *fakeRadio, powerOff func()) {
				r.setupConn = func(c *fakeConnection) { c.onDiscover = powerOff }
			},
		},
		{
			name: "subscribe",
			arm: func(r *fakeRadio, powerOff func()) {
				r.setupConn = func(c *fakeConnection) { c.notify.onSubscribe = powerOff }
			},
			wantCancels: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, set, rec := newTestManager(t, testOptions(), func() *fakeRadio {
				r := newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
				var once sync.Once
				tt.arm(r, func() { once.Do(func() { r.SetPower(false) }) })
				return r
			})
			radio := set.latest()

			err := m.Connect(context.Background())
			if !errors.Is(err, ErrAdapterOff) {
				t.Fatalf("Connect() error = %v, want ErrAdapterOff", err)
			}
			if got := m.State(); got != StateIdle {
				t.Errorf("State() = %s, want idle", got)
			}
			if !rec.hasFault(ErrAdapterOff) {
				t.Error("OnFault did not receive ErrAdapterOff")
			}

			conn := radio.latestConnection()
			if conn == nil {
				t.Fatal("no connection was attempted")
			}
			if got := conn.notify.cancelCount(); got != tt.wantCancels {
				t.Errorf("subscription cancels = %d, want %d", got, tt.wantCancels)
			}
			waitFor(t, time.Second, "link released", func() bool { return !conn.IsConnected() })

			conn.notify.Notify([]byte("IMPACT"))
			// Let the forced cleanup run; it must find nothing left to do.
			time.Sleep(50 * time.Millisecond)

			if events := rec.eventList(); len(events) != 0 {
				t.Errorf("events after power loss = %v, want none", events)
			}
			if calls := rec.connectedCalls(); len(calls) != 0 {
				t.Errorf("OnConnected calls = %v, want none", calls)
			}
			if got := m.State(); got != StateIdle {
				t.Errorf("State() after cleanup = %s, want idle", got)
			}
			m.mu.Lock()
			st, p := m.stream, m.peripheral
			m.mu.Unlock()
			if st != nil || p != nil {
				t.Errorf("stream = %v, peripheral = %v after power loss, want both nil", st, p)
			}
		})
	}
}

func TestDestroyThenConnect(t *testing.T) {
	m, set, rec := newTestManager(t, testOptions(), func() *fakeRadio {
		return newFakeRadio(helmet("SmartHelmet", "AA:BB:CC:DD:EE:FF", 10*time.Millisecond))
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := set.latest()

	m.Destroy()
	if !first.isClosed() {
		t.Error("Destroy() did not close the adapter")
	}
	if first.watcherCount() != 0 {
		t.Error("Destroy() left the power watcher attached")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after Destroy error = %v", err)
	}
	if set.count() != 2 {
		t.Errorf("adapters created = %d, want 2", set.count())
	}
	if got := m.State(); got != StateReady {
		t.Errorf("State() = %s, want ready", got)
	}
	if calls := rec.connectedCalls(); !reflect.DeepEqual(calls, []bool{true, false, true}) {
		t.Errorf("OnConnected calls = %v, want [true false true]", calls)
	}
}

func TestResetRebindsWatcher(t *testing.T) {
	m, set, rec := newTestManager(t, testOptions(), func() *fakeRadio { return newFakeRadio() })
	old := set.latest()

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	fresh := set.latest()
	if fresh == old {
		t.Fatal("Reset() did not create a new adapter")
	}
	if !old.isClosed() || old.watcherCount() != 0 {
		t.Error("Reset() did not release the old adapter")
	}
	if fresh.watcherCount() != 1 {
		t.Errorf("watchers on new adapter = %d, want 1", fresh.watcherCount())
	}

	old.SetPower(false)
	if rec.hasFault(ErrAdapterOff) {
		t.Error("retired adapter still reports faults")
	}
	fresh.SetPower(false)
	if !rec.hasFault(ErrAdapterOff) {
		t.Error("new adapter's power loss was not reported")
	}
}
