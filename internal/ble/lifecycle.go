package ble

import (
	"fmt"
	"log/slog"
)

// bind creates a fresh adapter, powers it up and starts watching its power
// state. Caller holds opMu, or is NewManager.
func (m *Manager) bind() error {
	radio, err := m.newAdapter()
	if err != nil {
		return fmt.Errorf("ble: create adapter: %w", err)
	}
	if err := radio.Enable(); err != nil {
		_ = radio.Close()
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	m.mu.Lock()
	m.radio = radio
	m.mu.Unlock()

	// WatchState may call back synchronously with the current state.
	unwatch := radio.WatchState(func(s AdapterState) {
		m.handleAdapterState(radio, s)
	})

	m.mu.Lock()
	m.unwatch = unwatch
	m.mu.Unlock()
	slog.Info("[BLE] adapter bound", "state", radio.State())
	return nil
}

// unbind stops watching and releases the current adapter.
func (m *Manager) unbind() {
	m.mu.Lock()
	radio := m.radio
	unwatch := m.unwatch
	m.radio = nil
	m.unwatch = nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if radio == nil {
		return
	}
	if err := radio.Close(); err != nil {
		slog.Warn("[BLE] close adapter", "error", err)
	}
	slog.Info("[BLE] adapter released")
}

// ensureRadio returns the bound adapter, rebinding one after Destroy.
// Caller holds opMu.
func (m *Manager) ensureRadio() (Adapter, error) {
	m.mu.Lock()
	radio := m.radio
	m.mu.Unlock()
	if radio != nil {
		return radio, nil
	}

	slog.Info("[BLE] adapter was destroyed, creating a new one")
	if err := m.bind(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.radio, nil
}

// Reset disconnects, discards the adapter and binds a new one. Use it to
// recover from a wedged radio stack.
func (m *Manager) Reset() error {
	m.Disconnect(ReasonReset)

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.unbind()
	if err := m.bind(); err != nil {
		return fmt.Errorf("ble: reset: %w", err)
	}
	slog.Info("[BLE] adapter reset")
	return nil
}

// Destroy disconnects and releases the adapter. A later Connect or Scan
// binds a new adapter.
func (m *Manager) Destroy() {
	m.Disconnect(ReasonDestroy)

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.unbind()
	slog.Info("[BLE] manager destroyed")
}
