// Package alert turns helmet impact events into a rider prompt that is
// answered with ACK (rider is fine) or SOS (rider needs help).
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smarthelmet/helmet-link/internal/ble"
)

var _ Sender = (*ble.Manager)(nil)

// Sender is the part of the BLE manager the responder needs.
type Sender interface {
	SendAck() error
	SendSos() error
}

// Reporter forwards an SOS to the backend.
type Reporter interface {
	ReportImpact(ctx context.Context, aiP *float64) error
}

// Prompt is an open impact question.
type Prompt struct {
	Event       ble.Event
	Probability *float64
	OpenedAt    time.Time
}

// CloseReason says why a prompt went away.
type CloseReason string

const (
	ClosedAck         CloseReason = "ack"
	ClosedSos         CloseReason = "sos"
	ClosedIncidentEnd CloseReason = "incident-end"
	ClosedDisconnect  CloseReason = "disconnect"
)

// Responder holds at most one open prompt. After an SOS it suppresses new
// prompts for the lock window.
type Responder struct {
	sender   Sender
	reporter Reporter // nil disables reporting
	lock     time.Duration

	now func() time.Time

	mu        sync.Mutex
	prompt    *Prompt
	lockUntil time.Time
	onOpen    func(Prompt)
	onClose   func(CloseReason)
	reports   sync.WaitGroup
}

// NewResponder creates a Responder. Panics if sender is nil (programmer
// error).
func NewResponder(sender Sender, reporter Reporter, lock time.Duration) *Responder {
	if sender == nil {
		panic("alert: NewResponder called with nil sender")
	}
	return &Responder{
		sender:   sender,
		reporter: reporter,
		lock:     lock,
		now:      time.Now,
	}
}

// OnOpen sets the callback fired when a prompt opens.
func (r *Responder) OnOpen(cb func(Prompt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = cb
}

// OnClose sets the callback fired when a prompt closes.
func (r *Responder) OnClose(cb func(CloseReason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = cb
}

// HandleEvent is the ble.Manager impact observer.
func (r *Responder) HandleEvent(ev ble.Event) {
	if ev.Kind == ble.EventIncidentEnd {
		r.close(ClosedIncidentEnd)
		return
	}
	if !opensPrompt(ev) {
		slog.Debug("[ALERT] event ignored", "type", ev.Type(), "source", ev.Source)
		return
	}

	r.mu.Lock()
	now := r.now()
	if now.Before(r.lockUntil) {
		remaining := r.lockUntil.Sub(now).Round(time.Second)
		r.mu.Unlock()
		slog.Info("[ALERT] impact ignored during SOS lock", "remaining", remaining)
		return
	}
	p := Prompt{Event: ev, OpenedAt: now}
	if v, ok := ev.Probability(); ok {
		p.Probability = &v
	}
	r.prompt = &p
	cb := r.onOpen
	r.mu.Unlock()

	slog.Warn("[ALERT] impact detected, waiting for rider", "source", ev.Source, "type", ev.Type())
	if cb != nil {
		cb(p)
	}
}

// HandleConnected is the ble.Manager connection observer. Losing the
// helmet drops the open prompt.
func (r *Responder) HandleConnected(connected bool) {
	if !connected {
		r.close(ClosedDisconnect)
	}
}

// opensPrompt reports whether ev asks the rider a question: an on-device
// impact, a backend incident_begin, or a firmware {type:"ai", impact:1}.
func opensPrompt(ev ble.Event) bool {
	if ev.Kind != ble.EventImpact {
		return false
	}
	if ev.Source == ble.SourceDeviceInference {
		return true
	}
	switch ev.Type() {
	case "incident_begin":
		return true
	case "ai":
		impact, _ := ev.Fields["impact"].(float64)
		return impact == 1
	default:
		return false
	}
}

// Ack tells the helmet the rider is fine and closes the prompt.
func (r *Responder) Ack() error {
	slog.Info("[ALERT] rider acknowledged")
	err := r.sender.SendAck()
	r.close(ClosedAck)
	return err
}

// Sos tells the helmet the rider needs help, closes the prompt, starts the
// lock window and reports the incident in the background.
func (r *Responder) Sos() error {
	slog.Warn("[ALERT] rider requested help")
	err := r.sender.SendSos()

	r.mu.Lock()
	var aiP *float64
	if r.prompt != nil {
		aiP = r.prompt.Probability
	}
	r.lockUntil = r.now().Add(r.lock)
	r.mu.Unlock()
	r.close(ClosedSos)

	if r.reporter != nil {
		r.reports.Add(1)
		go func() {
			defer r.reports.Done()
			if err := r.reporter.ReportImpact(context.Background(), aiP); err != nil {
				slog.Error("[ALERT] incident report failed", "error", err)
			}
		}()
	}
	return err
}

// Pending returns the open prompt, if any.
func (r *Responder) Pending() (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prompt == nil {
		return Prompt{}, false
	}
	return *r.prompt, true
}

// LockRemaining returns how long new prompts stay suppressed.
func (r *Responder) LockRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.lockUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// Wait blocks until background incident reports finish.
func (r *Responder) Wait() {
	r.reports.Wait()
}

func (r *Responder) close(reason CloseReason) {
	r.mu.Lock()
	if r.prompt == nil {
		r.mu.Unlock()
		return
	}
	r.prompt = nil
	cb := r.onClose
	r.mu.Unlock()

	slog.Info("[ALERT] prompt closed", "reason", reason)
	if cb != nil {
		cb(reason)
	}
}
