package ble

import "log/slog"

// handleAdapterState is the power observer for radio. Power loss aborts
// whatever is running, reports ErrAdapterOff and schedules a forced
// cleanup. Power gain needs no action: the next Connect uses the radio.
func (m *Manager) handleAdapterState(radio Adapter, s AdapterState) {
	slog.Info("[BLE] adapter state", "state", s)
	if s == AdapterStatePoweredOn {
		return
	}

	m.mu.Lock()
	if m.radio != radio {
		m.mu.Unlock()
		slog.Debug("[BLE] state change from retired adapter ignored", "state", s)
		return
	}
	m.mu.Unlock()

	// The scan must see the abort before the attempt context is cancelled,
	// so the scanner reports ErrAdapterOff rather than a cancellation.
	m.stopScan()

	m.mu.Lock()
	held := m.peripheral != nil
	err := m.setStateLocked(StateFaulted)
	m.mu.Unlock()

	m.cancelAttempt()
	if err == nil {
		m.emitState(StateFaulted)
	}
	m.raiseFault(ErrAdapterOff)

	go m.forceCleanup(held)
}

// forceCleanup finishes a fault once the running operation has let go of
// opMu. A newer operation that already left StateFaulted owns the state
// and is left alone.
func (m *Manager) forceCleanup(held bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.State() != StateFaulted {
		slog.Debug("[BLE] forced cleanup skipped, state moved on")
		return
	}
	m.teardown(ReasonAdapterOff, held)
}
