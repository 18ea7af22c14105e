package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/smarthelmet/helmet-link/internal/alert"
	"github.com/smarthelmet/helmet-link/internal/audio"
	"github.com/smarthelmet/helmet-link/internal/ble"
	"github.com/smarthelmet/helmet-link/internal/config"
	"github.com/smarthelmet/helmet-link/internal/hotkey"
	"github.com/smarthelmet/helmet-link/internal/prompt"
	"github.com/smarthelmet/helmet-link/internal/report"
)

// resetPause is how long the adapter settles after Reset before the
// single connect retry.
const resetPause = 1200 * time.Millisecond

func runCmd(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newManager(cfg)
	if err != nil {
		return fmt.Errorf("initializing bluetooth: %w", err)
	}

	var reporter alert.Reporter
	if cfg.Report.URL != "" {
		reporter = report.NewReporter(cfg.Report.URL, cfg.Report.HelmetID, report.Position{
			Lat:   cfg.Report.Lat,
			Lon:   cfg.Report.Lon,
			Speed: cfg.Report.Speed,
		}, cfg.Report.Timeout)
	}
	responder := alert.NewResponder(m, reporter, cfg.Alert.SOSLock)

	var dialogs *prompt.Dialogs
	if cfg.Alert.Dialogs {
		dialogs = prompt.NewDialogs()
	}

	siren := newSiren(cfg)
	responder.OnOpen(func(p alert.Prompt) {
		if siren != nil {
			if err := siren.Start(); err != nil {
				slog.Error("Siren failed", "error", err)
			}
		}
		if dialogs != nil {
			go answerDialog(dialogs, responder, p)
		}
	})
	responder.OnClose(func(alert.CloseReason) {
		if siren != nil {
			siren.Stop()
		}
	})

	gate := newReconnectGate(cfg.BLE.AutoReconnect)
	var radioOffShown atomic.Bool
	reconnect := func() {
		if !gate.begin() {
			return
		}
		go func() {
			defer gate.end()
			if err := m.Reconnect(ctx, cfg.BLE.ReconnectMax); err != nil && ctx.Err() == nil {
				slog.Error("Reconnect stopped", "error", err)
			}
		}()
	}

	m.OnImpact(responder.HandleEvent)
	m.OnConnected(func(connected bool) {
		responder.HandleConnected(connected)
		if connected {
			gate.everConnected.Store(true)
			radioOffShown.Store(false)
			if info, ok := m.Peripheral(); ok {
				slog.Info("Helmet connected", "name", info.Name, "id", info.ID, "mtu", info.MTU)
			}
			return
		}
		if gate.startupDrop() {
			slog.Debug("Link reset during startup connect")
			return
		}
		slog.Warn("Helmet disconnected")
		reconnect()
	})
	m.OnFault(func(err error) {
		slog.Error("Bluetooth fault", "error", err)
		// Reconnect attempts fault again while the radio stays off.
		if errors.Is(err, ble.ErrAdapterOff) && radioOffShown.Swap(true) {
			return
		}
		if dialogs != nil {
			go dialogs.Fault(err)
		}
	})

	listener, err := hotkey.NewListener(
		hotkey.Binding{Action: hotkey.ActionAck, Keys: cfg.Hotkey.Ack},
		hotkey.Binding{Action: hotkey.ActionSos, Keys: cfg.Hotkey.Sos},
	)
	if err != nil {
		m.Destroy()
		return err
	}
	go listener.Start()
	go handleHotkeys(listener.Events(), responder)

	err = connectWithRetry(ctx, m, cfg.BLE.RetryWithReset)
	gate.starting.Store(false)
	if err != nil {
		if ctx.Err() != nil {
			shutdown(m, siren, listener, responder, &gate.shuttingDown)
			return nil
		}
		slog.Error("Connect failed", "error", err)
		if dialogs != nil && !errors.Is(err, ble.ErrAdapterOff) {
			go dialogs.ConnectFailed(err)
		}
		if !cfg.BLE.AutoReconnect {
			shutdown(m, siren, listener, responder, &gate.shuttingDown)
			return err
		}
		reconnect()
	}

	slog.Info("Ready", "ack", strings.Join(cfg.Hotkey.Ack, "+"), "sos", strings.Join(cfg.Hotkey.Sos, "+"))
	<-ctx.Done()
	slog.Info("Shutting down")
	shutdown(m, siren, listener, responder, &gate.shuttingDown)
	closeLog()
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
	return nil
}

// reconnectGate decides when a dropped link starts a background reconnect.
type reconnectGate struct {
	enabled bool

	starting      atomic.Bool // startup connect still running
	everConnected atomic.Bool
	shuttingDown  atomic.Bool
	running       atomic.Bool
}

func newReconnectGate(enabled bool) *reconnectGate {
	g := &reconnectGate{enabled: enabled}
	g.starting.Store(true)
	return g
}

// startupDrop reports whether a drop belongs to the startup connect, such
// as the one Reset reports before the retry. Those are not disconnects the
// rider should hear about, and the startup path reconnects on its own.
func (g *reconnectGate) startupDrop() bool {
	return g.starting.Load() && !g.everConnected.Load()
}

// begin claims the single reconnect loop. Callers that get true must call
// end when the loop finishes.
func (g *reconnectGate) begin() bool {
	if !g.enabled || g.shuttingDown.Load() {
		return false
	}
	return g.running.CompareAndSwap(false, true)
}

func (g *reconnectGate) end() { g.running.Store(false) }

// connectWithRetry connects once and, if that fails and retry is set,
// rebuilds the adapter and tries one more time.
func connectWithRetry(ctx context.Context, m *ble.Manager, retry bool) error {
	err := m.Connect(ctx)
	if err == nil || !retry || ctx.Err() != nil || errors.Is(err, ble.ErrAdapterOff) {
		return err
	}
	slog.Warn("Connect failed, resetting adapter and retrying once", "error", err)
	if rerr := m.Reset(); rerr != nil {
		return fmt.Errorf("reset after %v: %w", err, rerr)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(resetPause):
	}
	return m.Connect(ctx)
}

// answerDialog shows the impact dialog and applies the answer if p is
// still the open prompt.
func answerDialog(d *prompt.Dialogs, r *alert.Responder, p alert.Prompt) {
	answer := d.AskImpact(p)
	cur, ok := r.Pending()
	if !ok || !cur.OpenedAt.Equal(p.OpenedAt) {
		slog.Info("Impact dialog answered after the prompt closed", "answer", answer)
		return
	}
	applyAnswer(r, answer)
}

func applyAnswer(r *alert.Responder, a prompt.Answer) {
	var err error
	if a == prompt.AnswerSos {
		err = r.Sos()
	} else {
		err = r.Ack()
	}
	if err != nil {
		slog.Error("Sending answer to helmet failed", "answer", a, "error", err)
	}
}

// handleHotkeys maps hotkeys to answers. ACK needs an open prompt; SOS is
// always accepted.
func handleHotkeys(events <-chan hotkey.Event, r *alert.Responder) {
	for ev := range events {
		switch ev.Action {
		case hotkey.ActionAck:
			if _, ok := r.Pending(); !ok {
				slog.Debug("ACK hotkey without an open prompt")
				continue
			}
			applyAnswer(r, prompt.AnswerAck)
		case hotkey.ActionSos:
			applyAnswer(r, prompt.AnswerSos)
		}
	}
}

// newSiren returns nil when the siren is disabled or no audio device can
// be opened.
func newSiren(cfg *config.Config) *audio.Siren {
	if !cfg.Alert.Siren {
		return nil
	}
	clip := audio.DefaultTone()
	if cfg.Alert.SirenWAV != "" {
		c, err := audio.LoadWAV(cfg.Alert.SirenWAV)
		if err != nil {
			slog.Warn("Using built-in siren tone", "error", err)
		} else {
			clip = c
		}
	}
	s, err := audio.NewSiren(clip)
	if err != nil {
		slog.Warn("Siren disabled", "error", err)
		return nil
	}
	return s
}

func shutdown(m *ble.Manager, siren *audio.Siren, l *hotkey.Listener, r *alert.Responder, shuttingDown *atomic.Bool) {
	shuttingDown.Store(true)
	l.Stop()
	m.Destroy()
	if siren != nil {
		if err := siren.Close(); err != nil {
			slog.Error("Closing siren", "error", err)
		}
	}
	r.Wait()
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== helmet-link ===")
	fmt.Printf("  Helmet:  %s (service %s)\n", cfg.BLE.NamePattern, cfg.BLE.ServiceUUID)
	fmt.Printf("  Encode:  %s\n", cfg.BLE.Encoding)
	fmt.Printf("  ACK:     %s\n", strings.Join(cfg.Hotkey.Ack, "+"))
	fmt.Printf("  SOS:     %s (lock %s)\n", strings.Join(cfg.Hotkey.Sos, "+"), cfg.Alert.SOSLock)
	if cfg.Report.URL != "" {
		fmt.Printf("  Report:  %s as %s\n", cfg.Report.URL, cfg.Report.HelmetID)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
