package prompt

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/smarthelmet/helmet-link/internal/alert"
	"github.com/smarthelmet/helmet-link/internal/ble"
)

// mockAlert records dialogs and answers with the default button when ok.
type mockAlert struct {
	ok     bool
	titles []string
	bodies []string
}

func (m *mockAlert) show(title, msg string, _ ...string) bool {
	m.titles = append(m.titles, title)
	m.bodies = append(m.bodies, msg)
	return m.ok
}

func TestImpactMessage(t *testing.T) {
	p := 0.914
	tests := []struct {
		name    string
		prompt  alert.Prompt
		want    []string
		notWant []string
	}{
		{
			name:    "device inference",
			prompt:  alert.Prompt{Event: ble.Event{Kind: ble.EventImpact, Source: ble.SourceDeviceInference}},
			want:    []string{"helmet detected", "Are you OK?"},
			notWant: []string{"Confidence", "Time"},
		},
		{
			name: "backend with probability",
			prompt: alert.Prompt{
				Event:       ble.Event{Kind: ble.EventImpact, Source: ble.SourceBackend},
				Probability: &p,
				OpenedAt:    time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC),
			},
			want: []string{"monitoring service", "Confidence: 91%", "Time: 08:30:05"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ImpactMessage(tt.prompt)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("ImpactMessage() = %q, missing %q", got, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("ImpactMessage() = %q, should not contain %q", got, w)
				}
			}
		})
	}
}

func TestFaultMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ble.ErrAdapterOff, "Bluetooth is off"},
		{ble.ErrScanTimeout, "No helmet found"},
		{fmt.Errorf("%w: %w", ble.ErrConnectTimeout, &ble.TimeoutError{Label: "connect", After: time.Second}), "did not respond"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		if got := FaultMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("FaultMessage(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestAskImpact(t *testing.T) {
	for _, tc := range []struct {
		ok   bool
		want Answer
	}{
		{true, AnswerSos},
		{false, AnswerAck},
	} {
		m := &mockAlert{ok: tc.ok}
		d := &Dialogs{alert: m.show}
		if got := d.AskImpact(alert.Prompt{}); got != tc.want {
			t.Errorf("AskImpact() with ok=%v = %v, want %v", tc.ok, got, tc.want)
		}
	}
}

func TestFaultShowsRadioOffOnly(t *testing.T) {
	m := &mockAlert{}
	d := &Dialogs{alert: m.show}

	d.Fault(errors.New("ble: scan failed"))
	if len(m.titles) != 0 {
		t.Errorf("dialogs = %v, want none for a scan error", m.titles)
	}

	d.Fault(fmt.Errorf("watch: %w", ble.ErrAdapterOff))
	if len(m.titles) != 1 || m.titles[0] != "Bluetooth is off" {
		t.Errorf("dialogs = %v, want [Bluetooth is off]", m.titles)
	}
}

func TestAnswerString(t *testing.T) {
	if AnswerAck.String() != "ACK" || AnswerSos.String() != "SOS" {
		t.Errorf("String() = %q, %q", AnswerAck, AnswerSos)
	}
}
