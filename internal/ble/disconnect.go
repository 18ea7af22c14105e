package ble

import (
	"context"
	"log/slog"
	"time"
)

// Reason records why a disconnect was requested.
type Reason string

const (
	ReasonUser       Reason = "ui-toggle"
	ReasonPreScan    Reason = "pre-scan"
	ReasonReset      Reason = "reset"
	ReasonDestroy    Reason = "destroy"
	ReasonAdapterOff Reason = "adapter-off"
)

// Disconnect tears down the connection, if any, and returns the Manager to
// Idle. It aborts a connect in progress, is safe to call at any time, and
// always fires OnConnected(false) exactly once. It returns within the
// disconnect watchdog budget even if the radio never confirms.
func (m *Manager) Disconnect(reason Reason) {
	m.cancelAttempt()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown(reason, true)
}

// teardown is the single disconnect path. Caller holds opMu. When notify is
// false, OnConnected(false) fires only if a peripheral was retired.
func (m *Manager) teardown(reason Reason, notify bool) {
	m.mu.Lock()
	p := m.peripheral
	id := "-"
	if p != nil {
		id = p.ID
	}
	slog.Info("[BLE] disconnect start", "reason", reason, "device", id)

	// From here on link-loss callbacks are ignored: the state is no longer
	// Ready.
	stateErr := m.setStateLocked(StateDisconnecting)
	st := m.stream
	m.stream = nil
	radio := m.radio
	m.mu.Unlock()
	if stateErr == nil {
		m.emitState(StateDisconnecting)
	}

	// The stream goes before any native teardown so no notification can
	// arrive mid-teardown.
	st.release()

	watchdog := time.NewTimer(m.opts.DisconnectWatchdog)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p != nil {
			m.releaseLink(radio, p)
		}
	}()

	select {
	case <-done:
	case <-watchdog.C:
		slog.Warn("[BLE] forcing disconnect cleanup", "error", ErrDisconnectWatchdog, "after", m.opts.DisconnectWatchdog)
	}
	watchdog.Stop()

	m.stopScan()
	m.mu.Lock()
	m.peripheral = nil
	err := m.setStateLocked(StateIdle)
	m.mu.Unlock()
	if err == nil {
		m.emitState(StateIdle)
	}
	if notify || p != nil {
		m.emitConnected(false)
	}
	slog.Info("[BLE] disconnect end", "reason", reason)
}

// releaseLink asks the radio to drop the link: the peripheral first, the
// adapter as a fallback. Failures are logged; teardown is best effort.
func (m *Manager) releaseLink(radio Adapter, p *Peripheral) {
	if !p.conn.IsConnected() {
		slog.Info("[BLE] native link already down", "device", p.ID)
		return
	}

	_, err := withTimeout(context.Background(), m.opts.DisconnectTimeout, "device disconnect", func(context.Context) (struct{}, error) {
		return struct{}{}, p.conn.Disconnect()
	}, nil)
	if err == nil {
		slog.Info("[BLE] device disconnect done", "device", p.ID)
		return
	}
	slog.Info("[BLE] device disconnect skipped", "device", p.ID, "error", err)

	if radio == nil {
		return
	}
	_, err = withTimeout(context.Background(), m.opts.DisconnectTimeout, "adapter cancel connection", func(context.Context) (struct{}, error) {
		return struct{}{}, radio.CancelConnection(p.ID)
	}, nil)
	if err != nil {
		slog.Info("[BLE] adapter cancel connection skipped", "device", p.ID, "error", err)
		return
	}
	slog.Info("[BLE] adapter cancel connection done", "device", p.ID)
}

// handleLinkLoss is the radio-initiated disconnect observer for p. It only
// acts on a Ready connection to p; any other state means a teardown already
// owns cleanup.
func (m *Manager) handleLinkLoss(p *Peripheral) {
	p.lost.Store(true)

	m.mu.Lock()
	if m.peripheral != p || m.state != StateReady {
		state := m.state
		m.mu.Unlock()
		slog.Info("[BLE] native disconnect ignored", "device", p.ID, "state", state)
		return
	}
	slog.Warn("[BLE] link lost", "device", p.ID)
	st := m.stream
	m.stream = nil
	m.peripheral = nil
	err := m.setStateLocked(StateIdle)
	m.mu.Unlock()

	st.release()
	if err == nil {
		m.emitState(StateIdle)
	}
	m.emitConnected(false)
}
