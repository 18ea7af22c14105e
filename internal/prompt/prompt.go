// Package prompt shows desktop dialogs for impact questions and radio
// faults using robotgo.
package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-vgo/robotgo"

	"github.com/smarthelmet/helmet-link/internal/alert"
	"github.com/smarthelmet/helmet-link/internal/ble"
)

// Answer is the rider's reply to an impact dialog.
type Answer int

const (
	AnswerAck Answer = iota
	AnswerSos
)

func (a Answer) String() string {
	if a == AnswerSos {
		return "SOS"
	}
	return "ACK"
}

// Dialogs shows blocking message boxes.
type Dialogs struct {
	alert func(title, msg string, args ...string) bool
}

// NewDialogs creates Dialogs backed by robotgo.Alert.
func NewDialogs() *Dialogs {
	return &Dialogs{alert: robotgo.Alert}
}

// AskImpact blocks until the rider answers. The default button is SOS.
func (d *Dialogs) AskImpact(p alert.Prompt) Answer {
	if d.alert("Helmet impact detected", ImpactMessage(p), "SOS", "I'm OK") {
		return AnswerSos
	}
	return AnswerAck
}

// RadioOff tells the rider Bluetooth is off.
func (d *Dialogs) RadioOff() {
	d.alert("Bluetooth is off", "Turn Bluetooth on to reconnect the helmet.", "OK")
}

// ConnectFailed reports a connection failure.
func (d *Dialogs) ConnectFailed(err error) {
	d.alert("Helmet connection failed", FaultMessage(err), "OK")
}

// Fault shows a dialog for faults the rider can act on and logs the rest.
func (d *Dialogs) Fault(err error) {
	if errors.Is(err, ble.ErrAdapterOff) {
		d.RadioOff()
		return
	}
	slog.Warn("[PROMPT] fault without dialog", "error", err)
}

// ImpactMessage is the dialog body for p.
func ImpactMessage(p alert.Prompt) string {
	var b strings.Builder
	switch p.Event.Source {
	case ble.SourceDeviceInference:
		b.WriteString("The helmet detected a possible crash.")
	default:
		b.WriteString("The monitoring service reported a possible crash.")
	}
	if p.Probability != nil {
		fmt.Fprintf(&b, "\nConfidence: %.0f%%", *p.Probability*100)
	}
	if !p.OpenedAt.IsZero() {
		fmt.Fprintf(&b, "\nTime: %s", p.OpenedAt.Format("15:04:05"))
	}
	b.WriteString("\n\nAre you OK?")
	return b.String()
}

// FaultMessage is a rider-facing description of err.
func FaultMessage(err error) string {
	switch {
	case errors.Is(err, ble.ErrAdapterOff):
		return "Bluetooth is off."
	case errors.Is(err, ble.ErrScanTimeout):
		return "No helmet found nearby. Make sure it is on and in range."
	case errors.Is(err, ble.ErrTimeout):
		return "The helmet did not respond in time."
	default:
		return err.Error()
	}
}
