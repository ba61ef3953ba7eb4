// Package status tracks the daemon's connectivity lifecycle. The relay
// stream drives the machine; the pipeline watches for the return to ONLINE
// to trigger a retry sweep.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mfsantos/paychat/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Draining   State = "DRAINING"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions. OFFLINE and ONLINE
// cycle through CONNECTING as the stream drops and reconnects; DRAINING is
// the shutdown path.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Offline, Error},
	Offline:    {Connecting, Draining, Error},
	Connecting: {Online, Offline, Draining, Error},
	Online:     {Offline, Draining, Error},
	Draining:   {Error},
	Error:      {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
