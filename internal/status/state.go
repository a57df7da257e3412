// Package status tracks what the daemon is doing so clients can tell an idle
// daemon from one that is syncing or recovering from a failed sync.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voipsms/smsd/internal/bus"
)

// State is a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Idle       State = "IDLE"
	Syncing    State = "SYNCING"
	Cancelling State = "CANCELLING"
	Failed     State = "FAILED"
	Error      State = "ERROR"
)

// ErrInvalidTransition is returned when to cannot follow the current state.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowed reports whether the machine may move from one state to another.
// Error is reachable from every state except itself and only leads back to
// Booting.
func allowed(from, to State) bool {
	if to == Error {
		return from != Error
	}
	switch from {
	case Booting:
		return to == Idle
	case Idle:
		return to == Syncing
	case Syncing:
		return to == Idle || to == Cancelling || to == Failed
	case Cancelling:
		return to == Idle || to == Failed
	case Failed:
		return to == Idle || to == Syncing
	case Error:
		return to == Booting
	}
	return false
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
	Since  time.Time `json:"since"`
}

// Machine enforces the state transitions and announces each one on the bus.
type Machine struct {
	bus *bus.Bus
	now func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewMachine returns a machine in Booting. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{bus: b, now: time.Now}
	m.snap = Snapshot{State: Booting, Since: m.now()}
	return m
}

func (m *Machine) Current() State {
	return m.Snapshot().State
}

// Detail returns the message attached to the last transition, typically the
// user-facing error of a failed sync.
func (m *Machine) Detail() string {
	return m.Snapshot().Detail
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Machine) Transition(to State) error {
	return m.TransitionWithDetail(to, "")
}

// TransitionWithDetail moves to the given state and keeps detail until the
// next transition.
func (m *Machine) TransitionWithDetail(to State, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.snap.State
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	m.snap = Snapshot{State: to, Detail: detail, Since: m.now()}
	// Published under the lock so subscribers see transitions in order.
	m.bus.Publish(bus.NewEvent(bus.StatusChanged, StatusChange{
		From:   from,
		To:     to,
		Detail: detail,
		At:     m.snap.Since,
	}))
	return nil
}

// StatusChange is the payload of bus.StatusChanged.
type StatusChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
