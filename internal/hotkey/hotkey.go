// Package hotkey provides global ACK and SOS hotkeys using gohook, so the
// rider can answer an impact prompt without touching a dialog.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is what a hotkey asks for.
type Action int

const (
	// ActionAck answers "I'm OK".
	ActionAck Action = iota
	// ActionSos asks for help.
	ActionSos
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionSos:
		return "sos"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Binding ties a key combo to an action.
// Keys are lowercase key names (e.g., ["ctrl", "shift", "a"]).
type Binding struct {
	Action Action
	Keys   []string
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Listener watches the global keyboard for its bindings.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener. Every binding needs keys and no two
// bindings may share a combo.
func NewListener(bindings ...Binding) (*Listener, error) {
	seen := make(map[string]Action)
	for _, b := range bindings {
		if len(b.Keys) == 0 {
			return nil, fmt.Errorf("hotkey: %s binding has no keys", b.Action)
		}
		combo := strings.Join(b.Keys, "+")
		if prev, ok := seen[combo]; ok {
			return nil, fmt.Errorf("hotkey: %s and %s share combo %s", prev, b.Action, combo)
		}
		seen[combo] = b.Action
	}
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			l.emit(action)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit delivers an event without blocking the hook loop.
func (l *Listener) emit(a Action) {
	select {
	case l.ch <- Event{Action: a}:
	default: // don't block if channel is full
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
