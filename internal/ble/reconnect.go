package ble

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// BackoffDelay returns the reconnection delay for attempt n (0-based),
// doubling from one second and capped at maxSeconds.
func BackoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Reconnect calls Connect until it succeeds or ctx is done, backing off
// between attempts. The first attempt runs immediately. ErrAdapterOff is
// retried like any other failure: the radio may come back.
func (m *Manager) Reconnect(ctx context.Context, maxSeconds int) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt-1, maxSeconds)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err := m.Connect(ctx)
		if err == nil {
			slog.Info("[BLE] reconnected", "attempt", attempt+1)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) {
			// A user Disconnect aborted the attempt.
			return err
		}
		slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
	}
}
