package status

import (
	"errors"
	"testing"
	"time"

	"github.com/voipsms/smsd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Idle},
		{Booting, Error},
		{Idle, Syncing},
		{Syncing, Idle},
		{Syncing, Cancelling},
		{Syncing, Failed},
		{Cancelling, Idle},
		{Cancelling, Failed},
		{Failed, Syncing},
		{Failed, Idle},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	err := m.Transition(Syncing)
	if err == nil {
		t.Fatal("Transition(BOOTING -> SYNCING) should fail")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

// A second sync cannot start while one is running or being cancelled.
func TestSyncingIsExclusive(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Syncing)

	if err := m.Transition(Syncing); err == nil {
		t.Fatal("Transition(SYNCING -> SYNCING) should fail")
	}
	if err := m.Transition(Cancelling); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Syncing); err == nil {
		t.Fatal("Transition(CANCELLING -> SYNCING) should fail")
	}
	if m.Current() != Cancelling {
		t.Errorf("state = %s, want CANCELLING", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(10, "daemon.")
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Idle); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.StatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.StatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Idle {
		t.Errorf("change = %v -> %v, want BOOTING -> IDLE", change.From, change.To)
	}
}

func TestDetailResetOnTransition(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Syncing)

	if err := m.TransitionWithDetail(Failed, "could not reach voip.ms"); err != nil {
		t.Fatal(err)
	}
	if m.Detail() != "could not reach voip.ms" {
		t.Errorf("detail = %q", m.Detail())
	}
	if err := m.Transition(Syncing); err != nil {
		t.Fatal(err)
	}
	if m.Detail() != "" {
		t.Errorf("detail = %q, want empty after transition", m.Detail())
	}
}

func TestErrorFromAnyState(t *testing.T) {
	for _, from := range []State{Booting, Idle, Syncing, Cancelling, Failed} {
		m := NewMachine(nil)
		walkTo(t, m, from)
		if err := m.Transition(Error); err != nil {
			t.Errorf("Transition(%s -> ERROR) error = %v", from, err)
		}
	}
	m := NewMachine(nil)
	walkTo(t, m, Error)
	if err := m.Transition(Error); err == nil {
		t.Error("Transition(ERROR -> ERROR) should fail")
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMachine(nil)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	walkTo(t, m, Syncing)
	if err := m.TransitionWithDetail(Failed, "network error"); err != nil {
		t.Fatal(err)
	}
	want := Snapshot{State: Failed, Detail: "network error", Since: at}
	if got := m.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Idle:       {Idle},
		Syncing:    {Idle, Syncing},
		Cancelling: {Idle, Syncing, Cancelling},
		Failed:     {Idle, Syncing, Failed},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
