package ble

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/smarthelmet/helmet-link/internal/ble/protocol"
)

// EventKind is the kind of event delivered to OnImpact.
type EventKind string

const (
	EventImpact      EventKind = "impact"
	EventIncidentEnd EventKind = "incident-end"
)

// ImpactSource says where an impact was detected.
type ImpactSource string

const (
	SourceDeviceInference ImpactSource = "device-inference"
	SourceBackend         ImpactSource = "backend"
)

// Event is a structured notification from the helmet.
type Event struct {
	Kind   EventKind
	Source ImpactSource   // set for EventImpact
	Fields map[string]any // JSON payload, nil for the plain sentinel
}

// Type returns the payload's "type" field, if any.
func (e Event) Type() string {
	t, _ := e.Fields["type"].(string)
	return t
}

// Probability returns the model probability carried in the payload
// ("p" or "ai_p").
func (e Event) Probability() (float64, bool) {
	for _, k := range []string{"p", "ai_p"} {
		if v, ok := e.Fields[k].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// eventFromFrame maps a decoded frame to an event. Unrecognized frames
// produce no event.
func eventFromFrame(f protocol.Frame) (Event, bool) {
	switch f.Kind {
	case protocol.FrameImpact:
		return Event{Kind: EventImpact, Source: SourceDeviceInference}, true
	case protocol.FrameObject:
		if t, _ := f.Object["type"].(string); t == "incident_end" {
			return Event{Kind: EventIncidentEnd, Fields: f.Object}, true
		}
		return Event{Kind: EventImpact, Source: SourceBackend, Fields: f.Object}, true
	case protocol.FrameUnrecognized:
		return Event{}, false
	default:
		return Event{}, false
	}
}

// stream is the open notification channel of the current peripheral.
// Frames are delivered only while the Manager still holds the stream with
// the same token; clearing m.stream revokes it.
type stream struct {
	token string
	sub   Subscription
}

// release cancels the native subscription. The token must already be
// revoked.
func (s *stream) release() {
	if s == nil || s.sub == nil {
		return
	}
	if err := s.sub.Cancel(); err != nil {
		slog.Warn("[BLE] cancel notify subscription", "token", s.token, "error", err)
		return
	}
	slog.Debug("[BLE] notify subscription cancelled", "token", s.token)
}

// subscribe opens the notification stream for p.
func (m *Manager) subscribe(p *Peripheral) error {
	st := &stream{token: fmt.Sprintf("notify_%s_%s", p.ID, uuid.NewString())}
	m.mu.Lock()
	m.stream = st
	m.mu.Unlock()

	slog.Info("[BLE] listening for notifications", "token", st.token)
	sub, err := p.notify.Subscribe(func(data []byte) {
		m.handleFrame(st.token, data)
	})
	if err != nil {
		m.mu.Lock()
		if m.stream == st {
			m.stream = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("ble: subscribe to notifications: %w", err)
	}

	m.mu.Lock()
	live := m.stream == st
	st.sub = sub
	m.mu.Unlock()
	if !live {
		// Revoked while the native call was in flight.
		st.release()
	}
	return nil
}

// handleFrame decodes one notification and forwards its event. It never
// lets a bad frame escape: decode failures and panics drop the frame.
func (m *Manager) handleFrame(token string, data []byte) {
	m.mu.Lock()
	live := m.stream != nil && m.stream.token == token
	cb := m.onImpact
	m.mu.Unlock()
	if !live {
		slog.Debug("[BLE] frame after revoke dropped", "token", token)
		return
	}

	ev, ok := m.decodeEvent(data)
	if !ok || cb == nil {
		return
	}
	cb(ev)
}

func (m *Manager) decodeEvent(data []byte) (ev Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] frame decoder panicked, frame dropped", "panic", r)
			ev, ok = Event{}, false
		}
	}()

	f, err := protocol.DecodeFrame(m.opts.Codec, data)
	if err != nil {
		slog.Warn("[BLE] frame dropped", "error", err, "len", len(data))
		return Event{}, false
	}
	slog.Debug("[BLE] frame", "kind", f.Kind, "text", f.Text)
	return eventFromFrame(f)
}
