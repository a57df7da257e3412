package bus

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "sync.")
	defer unsub()

	b.Publish(NewEvent(SyncProgress, 50))

	evt := receive(t, ch)
	if evt.Kind != SyncProgress {
		t.Errorf("got kind %q, want %s", evt.Kind, SyncProgress)
	}
	if evt.Payload != 50 {
		t.Errorf("payload = %v, want 50", evt.Payload)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "message.", "daemon.")
	defer unsub()

	b.Publish(Event{Kind: SyncStarted})
	b.Publish(Event{Kind: MessageSendAck})
	b.Publish(Event{Kind: NotifyNewMessages})
	b.Publish(Event{Kind: StatusChanged})

	for _, want := range []string{MessageSendAck, StatusChanged} {
		if evt := receive(t, ch); evt.Kind != want {
			t.Errorf("got %q, want %q", evt.Kind, want)
		}
	}
	expectNone(t, ch)
}

func TestNoPrefixReceivesEverything(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10)
	defer unsub()

	b.Publish(Event{Kind: SyncStarted})
	b.Publish(Event{Kind: NotifyNewMessages})

	for _, want := range []string{SyncStarted, NotifyNewMessages} {
		if evt := receive(t, ch); evt.Kind != want {
			t.Errorf("got %q, want %q", evt.Kind, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "sync.")
	unsub()
	unsub()

	b.Publish(Event{Kind: SyncStarted})
	expectNone(t, ch)
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, "test.")
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	if evt := <-ch; evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	expectNone(t, ch)
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(NewEvent(SyncStarted, nil))
	if b.Dropped() != 0 {
		t.Error("nil bus reported drops")
	}
}
