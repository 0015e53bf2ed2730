package ble

import "testing"

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	var e Emitter
	var got []string
	e.Listen(func(Event) { got = append(got, "first") })
	e.Listen(func(Event) { got = append(got, "second") })

	e.Emit(Event{Kind: EventConnected, PeripheralID: "AA"})

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("delivery order = %v, want [first second]", got)
	}
}

func TestEmitterReleaseIsIdempotent(t *testing.T) {
	var e Emitter
	calls := 0
	release := e.Listen(func(Event) { calls++ })
	other := 0
	e.Listen(func(Event) { other++ })

	release()
	release()
	e.Emit(Event{Kind: EventDisconnected})

	if calls != 0 {
		t.Errorf("released handler called %d times, want 0", calls)
	}
	if other != 1 {
		t.Errorf("remaining handler called %d times, want 1", other)
	}
}

func TestEmitterStampsTime(t *testing.T) {
	var e Emitter
	var got Event
	e.Listen(func(ev Event) { got = ev })
	e.Emit(Event{Kind: EventValueUpdated})
	if got.Time.IsZero() {
		t.Error("Emit() left Time zero")
	}
}

func TestEmitterHandlerMayReleaseItself(t *testing.T) {
	var e Emitter
	var release func()
	calls := 0
	release = e.Listen(func(Event) {
		calls++
		release()
	})

	e.Emit(Event{})
	e.Emit(Event{})
	if calls != 1 {
		t.Errorf("self-releasing handler called %d times, want 1", calls)
	}
}
