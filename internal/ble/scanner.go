package ble

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// NamePattern matches advertised names. A pattern containing glob
// metacharacters (*, ?, [) is matched with path.Match; any other pattern
// matches names that contain it.
type NamePattern string

// Match reports whether name satisfies the pattern.
func (p NamePattern) Match(name string) bool {
	if name == "" {
		return false
	}
	pat := string(p)
	if strings.ContainsAny(pat, "*?[") {
		ok, err := path.Match(pat, name)
		return err == nil && ok
	}
	return strings.Contains(name, pat)
}

// scan runs one filtered discovery and returns the first peripheral whose
// name matches and that advertises the service. Caller holds opMu.
func (m *Manager) scan(ctx context.Context, radio Adapter) (Device, error) {
	pattern := NamePattern(m.opts.NamePattern)
	service := m.opts.ServiceUUID

	found := make(chan Device, 1)
	ended := make(chan error, 1)
	aborted := make(chan struct{})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(aborted)
			if err := radio.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		})
	}
	m.mu.Lock()
	m.scanStop = stop
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.scanStop = nil
		m.mu.Unlock()
		stop()
	}()

	go func() {
		ended <- radio.Scan(service, func(d Device) {
			if !d.HasService(service) || !pattern.Match(d.Name) {
				return
			}
			select {
			case found <- d:
			default:
			}
		})
	}()

	timer := time.NewTimer(m.opts.ScanTimeout)
	defer timer.Stop()

	select {
	case d := <-found:
		slog.Info("[BLE] found device", "name", d.Name, "id", d.ID, "rssi", d.RSSI)
		return d, nil
	case err := <-ended:
		select {
		case <-aborted:
			return Device{}, ErrAdapterOff
		default:
		}
		if err != nil {
			slog.Error("[BLE] scan error", "error", err)
			return Device{}, fmt.Errorf("%w: %w", ErrScanFailed, err)
		}
		return Device{}, fmt.Errorf("%w: scan ended without a match", ErrScanFailed)
	case <-aborted:
		return Device{}, ErrAdapterOff
	case <-timer.C:
		slog.Info("[BLE] scan stopped after budget", "budget", m.opts.ScanTimeout)
		return Device{}, ErrScanTimeout
	case <-ctx.Done():
		select {
		case <-aborted:
			return Device{}, ErrAdapterOff
		default:
		}
		if m.State() == StateFaulted {
			return Device{}, ErrAdapterOff
		}
		return Device{}, ctx.Err()
	}
}

// stopScan aborts the running scan, if any.
func (m *Manager) stopScan() {
	m.mu.Lock()
	stop := m.scanStop
	m.scanStop = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		slog.Info("[BLE] scan stopped")
	}
}
