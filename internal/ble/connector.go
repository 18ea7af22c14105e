package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Peripheral is the one connected helmet. It is owned by the Manager and
// never handed out; callers see PeripheralInfo.
type Peripheral struct {
	ID   string
	Name string
	MTU  int

	conn   Connection
	notify Characteristic
	write  Characteristic

	// lost is set by the link-loss observer, even when the Manager ignores
	// the callback, so a connect in progress can notice a dead link.
	lost atomic.Bool
}

type characteristics struct {
	notify Characteristic
	write  Characteristic
}

// connectTo establishes the link, discovers the characteristics and
// negotiates the MTU, each step under its own budget. On failure nothing is
// left connected.
func (m *Manager) connectTo(ctx context.Context, radio Adapter, dev Device) (*Peripheral, error) {
	release := func(c Connection) {
		if err := c.Disconnect(); err != nil {
			slog.Debug("[BLE] release link", "error", err)
		}
	}

	conn, err := withTimeout(ctx, m.opts.ConnectTimeout, "connect", func(ctx context.Context) (Connection, error) {
		return radio.Connect(ctx, dev.ID)
	}, release)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.ID, err)
	}

	chars, err := withTimeout(ctx, m.opts.DiscoverTimeout, "discover", func(context.Context) (characteristics, error) {
		return m.discover(conn)
	}, nil)
	if err != nil {
		release(conn)
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrDiscoverTimeout, err)
		}
		return nil, err
	}

	p := &Peripheral{
		ID:     conn.ID(),
		Name:   dev.Name,
		conn:   conn,
		notify: chars.notify,
		write:  chars.write,
	}

	if m.opts.MTU > 0 {
		mtu, err := withTimeout(ctx, m.opts.MTUTimeout, "mtu", func(context.Context) (int, error) {
			return conn.RequestMTU(m.opts.MTU)
		}, nil)
		if err != nil {
			slog.Info("[BLE] MTU request skipped", "error", err)
		} else {
			p.MTU = mtu
			slog.Info("[BLE] MTU set", "mtu", mtu)
		}
	}
	return p, nil
}

func (m *Manager) discover(conn Connection) (characteristics, error) {
	notify, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.NotifyCharUUID)
	if err != nil {
		return characteristics{}, fmt.Errorf("ble: discover notify characteristic: %w", err)
	}
	write, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.WriteCharUUID)
	if err != nil {
		return characteristics{}, fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	return characteristics{notify: notify, write: write}, nil
}

// ready installs p as the current peripheral, attaches the link-loss
// observer, opens the notification stream and reports the connection.
func (m *Manager) ready(ctx context.Context, p *Peripheral) error {
	m.mu.Lock()
	if m.state != StateConnecting || ctx.Err() != nil {
		state := m.state
		m.mu.Unlock()
		if err := p.conn.Disconnect(); err != nil {
			slog.Debug("[BLE] release link", "error", err)
		}
		m.settleIdle()
		if state == StateFaulted {
			return ErrAdapterOff
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: connect finished in state %s", ErrInvalidTransition, state)
	}
	m.peripheral = p
	m.mu.Unlock()

	p.conn.OnDisconnect(func() { m.handleLinkLoss(p) })

	if err := m.subscribe(p); err != nil {
		err = m.faultErr(err)
		slog.Error("[BLE] notify setup failed", "error", err)
		m.dropPeripheral(p)
		return err
	}

	m.mu.Lock()
	if p.lost.Load() {
		m.mu.Unlock()
		m.dropPeripheral(p)
		return ErrLinkLost
	}
	faulted := m.state == StateFaulted
	err := m.setStateLocked(StateReady)
	cb := m.onState
	m.mu.Unlock()
	if err != nil {
		m.dropPeripheral(p)
		if faulted {
			return ErrAdapterOff
		}
		return err
	}
	if cb != nil {
		cb(StateReady)
	}

	slog.Info("[BLE] connected", "name", p.Name, "id", p.ID, "mtu", p.MTU)
	m.emitConnected(true)
	return nil
}

// faultErr reports a power loss during an attempt as ErrAdapterOff. Call it
// before the attempt settles back to Idle.
func (m *Manager) faultErr(err error) error {
	if m.State() == StateFaulted {
		return ErrAdapterOff
	}
	return err
}

// revokeStream revokes the current notification stream and cancels its
// native subscription.
func (m *Manager) revokeStream() {
	m.mu.Lock()
	st := m.stream
	m.stream = nil
	m.mu.Unlock()
	st.release()
}

// dropPeripheral abandons a peripheral that never became ready. Its stream
// goes first so no frame is delivered once the link is released.
func (m *Manager) dropPeripheral(p *Peripheral) {
	m.revokeStream()
	if err := p.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] release link", "error", err)
	}
	m.mu.Lock()
	if m.peripheral == p {
		m.peripheral = nil
	}
	m.mu.Unlock()
	m.settleIdle()
}
