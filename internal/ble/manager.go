package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smarthelmet/helmet-link/internal/ble/protocol"
)

// Options configures the Manager.
type Options struct {
	ServiceUUID    string
	NotifyCharUUID string
	WriteCharUUID  string
	NamePattern    string

	ScanTimeout        time.Duration // scan budget (default 10s)
	ConnectTimeout     time.Duration // link establishment (default 6s)
	DiscoverTimeout    time.Duration // characteristic discovery (default 6s)
	MTU                int           // requested transfer unit, 0 skips the request
	MTUTimeout         time.Duration // default 2s
	DisconnectTimeout  time.Duration // each native teardown call (default 3s)
	DisconnectWatchdog time.Duration // forced cleanup (default 4s)
	WriteTimeout       time.Duration // ACK/SOS writes (default 3s)

	Codec protocol.Codec
}

// DefaultOptions returns the SmartHelmet defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:        ServiceUUID,
		NotifyCharUUID:     NotifyCharUUID,
		WriteCharUUID:      WriteCharUUID,
		NamePattern:        DefaultNamePattern,
		ScanTimeout:        10 * time.Second,
		ConnectTimeout:     6 * time.Second,
		DiscoverTimeout:    6 * time.Second,
		MTU:                185,
		MTUTimeout:         2 * time.Second,
		DisconnectTimeout:  3 * time.Second,
		DisconnectWatchdog: 4 * time.Second,
		WriteTimeout:       3 * time.Second,
		Codec:              protocol.RawCodec{},
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.NotifyCharUUID == "" {
		o.NotifyCharUUID = d.NotifyCharUUID
	}
	if o.WriteCharUUID == "" {
		o.WriteCharUUID = d.WriteCharUUID
	}
	if o.NamePattern == "" {
		o.NamePattern = d.NamePattern
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = d.DiscoverTimeout
	}
	if o.MTUTimeout <= 0 {
		o.MTUTimeout = d.MTUTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.DisconnectWatchdog <= 0 {
		o.DisconnectWatchdog = d.DisconnectWatchdog
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.Codec == nil {
		o.Codec = d.Codec
	}
}

// PeripheralInfo describes the connected helmet.
type PeripheralInfo struct {
	ID   string
	Name string
	MTU  int
}

// Manager owns the link to one SmartHelmet. Connect, Scan, Disconnect,
// Reset and Destroy are serialized; observers are called outside the
// Manager's locks and may call back into it, except for the blocking
// operations from within OnStateChange.
type Manager struct {
	newAdapter AdapterFactory
	opts       Options

	// opMu serializes every operation that touches the radio.
	opMu sync.Mutex

	mu         sync.Mutex
	radio      Adapter // nil once destroyed
	unwatch    func()
	state      State
	peripheral *Peripheral
	stream     *stream
	scanStop   func()
	attempt    context.CancelFunc

	onConnected func(bool)
	onImpact    func(Event)
	onFault     func(error)
	onState     func(State)
}

// NewManager creates a Manager and binds a first adapter from newAdapter.
func NewManager(newAdapter AdapterFactory, opts Options) (*Manager, error) {
	if newAdapter == nil {
		return nil, fmt.Errorf("ble: adapter factory is nil")
	}
	opts.fillDefaults()
	m := &Manager{
		newAdapter: newAdapter,
		opts:       opts,
	}
	if err := m.bind(); err != nil {
		return nil, err
	}
	return m, nil
}

// OnConnected sets the connection observer, replacing any previous one.
func (m *Manager) OnConnected(cb func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = cb
}

// OnImpact sets the event observer, replacing any previous one.
func (m *Manager) OnImpact(cb func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onImpact = cb
}

// OnFault sets the observer for user-facing faults such as ErrAdapterOff.
func (m *Manager) OnFault(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFault = cb
}

// OnStateChange sets the state observer, replacing any previous one.
func (m *Manager) OnStateChange(cb func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = cb
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peripheral returns the connected helmet, if any.
func (m *Manager) Peripheral() (PeripheralInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peripheral == nil {
		return PeripheralInfo{}, false
	}
	p := m.peripheral
	return PeripheralInfo{ID: p.ID, Name: p.Name, MTU: p.MTU}, true
}

// Connect scans for the helmet and connects to it. A nil error means the
// Manager is Ready and OnConnected(true) has fired. Any existing connection
// is torn down first.
func (m *Manager) Connect(ctx context.Context) error {
	m.cancelAttempt()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, done := m.beginAttempt(ctx)
	defer done()

	radio, dev, err := m.scanLocked(ctx)
	if err != nil {
		return err
	}

	if err := m.transition(StateConnecting); err != nil {
		return m.faultErr(err)
	}
	slog.Info("[BLE] connecting", "name", dev.Name, "id", dev.ID)
	p, err := m.connectTo(ctx, radio, dev)
	if err != nil {
		err = m.faultErr(err)
		slog.Error("[BLE] connect failed", "id", dev.ID, "error", err)
		m.settleIdle()
		return err
	}
	return m.ready(ctx, p)
}

// Scan tears down any connection, then scans for the helmet and returns the
// first match without connecting.
func (m *Manager) Scan(ctx context.Context) (Device, error) {
	m.cancelAttempt()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, done := m.beginAttempt(ctx)
	defer done()

	_, dev, err := m.scanLocked(ctx)
	if err != nil {
		return Device{}, err
	}
	m.settleIdle()
	return dev, nil
}

// scanLocked runs the connect preamble: rebind a destroyed adapter, check
// power, retire the old connection, scan. Caller holds opMu.
func (m *Manager) scanLocked(ctx context.Context) (Adapter, Device, error) {
	radio, err := m.ensureRadio()
	if err != nil {
		return nil, Device{}, err
	}
	if radio.State() != AdapterStatePoweredOn {
		m.raiseFault(ErrAdapterOff)
		return nil, Device{}, ErrAdapterOff
	}

	m.teardown(ReasonPreScan, false)

	if err := m.transition(StateScanning); err != nil {
		return nil, Device{}, err
	}
	slog.Info("[BLE] scanning", "pattern", m.opts.NamePattern, "budget", m.opts.ScanTimeout)
	dev, err := m.scan(ctx, radio)
	if err != nil {
		m.settleIdle()
		return nil, Device{}, err
	}
	return radio, dev, nil
}

// SendAck tells the helmet the rider is fine.
func (m *Manager) SendAck() error {
	return m.sendCommand(protocol.CommandAck)
}

// SendSos tells the helmet the rider needs help.
func (m *Manager) SendSos() error {
	return m.sendCommand(protocol.CommandSos)
}

func (m *Manager) sendCommand(cmd string) error {
	m.mu.Lock()
	p := m.peripheral
	ready := m.state == StateReady
	m.mu.Unlock()
	if p == nil || !ready {
		slog.Debug("[BLE] command dropped, not connected", "command", cmd)
		return ErrNotConnected
	}

	payload := protocol.EncodeCommand(m.opts.Codec, cmd)
	_, err := withTimeout(context.Background(), m.opts.WriteTimeout, "write "+cmd, func(context.Context) (struct{}, error) {
		return struct{}{}, p.write.Write(payload)
	}, nil)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrCommandWrite, cmd, err)
		slog.Error("[BLE] command write failed", "command", cmd, "error", err)
		return err
	}
	slog.Info("[BLE] command sent", "command", cmd)
	return nil
}

// beginAttempt registers ctx's cancel so Disconnect and adapter faults can
// abort the running operation. Caller holds opMu.
func (m *Manager) beginAttempt(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.attempt = cancel
	m.mu.Unlock()
	return ctx, func() {
		m.mu.Lock()
		m.attempt = nil
		m.mu.Unlock()
		cancel()
	}
}

func (m *Manager) cancelAttempt() {
	m.mu.Lock()
	cancel := m.attempt
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// transition moves the state machine and notifies the state observer.
func (m *Manager) transition(to State) error {
	m.mu.Lock()
	err := m.setStateLocked(to)
	cb := m.onState
	m.mu.Unlock()
	if err == nil && cb != nil {
		cb(to)
	}
	return err
}

// settleIdle returns a failed scan or connect attempt to Idle.
func (m *Manager) settleIdle() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.peripheral = nil
	err := m.setStateLocked(StateIdle)
	cb := m.onState
	m.mu.Unlock()
	if err == nil && cb != nil {
		cb(StateIdle)
	}
}

func (m *Manager) setStateLocked(to State) error {
	from := m.state
	if !from.CanTransition(to) {
		slog.Error("[BLE] refused state transition", "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	slog.Debug("[BLE] state", "from", from, "to", to)
	return nil
}

func (m *Manager) emitConnected(connected bool) {
	m.mu.Lock()
	cb := m.onConnected
	m.mu.Unlock()
	if cb != nil {
		cb(connected)
	}
}

func (m *Manager) emitState(s State) {
	m.mu.Lock()
	cb := m.onState
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (m *Manager) raiseFault(err error) {
	slog.Warn("[BLE] fault", "error", err)
	m.mu.Lock()
	cb := m.onFault
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
