package events

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestBusFanOutInOrder(t *testing.T) {
	bus := NewBus(16, nil)
	defer bus.Close()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	for i := 0; i < 5; i++ {
		bus.Publish(Transcript{Text: fmt.Sprintf("t%d", i)})
	}

	for _, s := range []*Subscription{a, b} {
		for i := 0; i < 5; i++ {
			e := recv(t, s)
			if got := e.(Transcript).Text; got != fmt.Sprintf("t%d", i) {
				t.Fatalf("%s event %d = %q", s.Name(), i, got)
			}
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()
	slow := bus.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(NewStatus(StateStreaming, fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if slow.Dropped() == 0 {
		t.Fatal("expected drops for a subscriber that never reads")
	}

	// The newest event survives; the oldest were dropped.
	var last Event
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-slow.Events():
			last = e
			if last.(Status).Message == "999" {
				return
			}
		case <-timeout:
			t.Fatalf("last event seen %v, want message 999", last)
		}
	}
}

func TestBusCloseDrainsThenCloses(t *testing.T) {
	bus := NewBus(8, nil)
	s := bus.Subscribe("drain")
	bus.Publish(NewStatus(StateStopping, ""))
	bus.Publish(NewStatus(StateDisconnected, ""))
	bus.Close()
	bus.Close()

	if e := recv(t, s); e.(Status).State != StateStopping {
		t.Fatalf("first = %v", e)
	}
	if e := recv(t, s); e.(Status).State != StateDisconnected {
		t.Fatalf("second = %v", e)
	}
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after drain")
	}

	bus.Publish(NewStatus(StateStarting, ""))
	if late := bus.Subscribe("late"); late != nil {
		if _, ok := <-late.Events(); ok {
			t.Fatal("subscription on closed bus delivered an event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()
	s := bus.Subscribe("gone")
	s.Unsubscribe()
	s.Unsubscribe()
	bus.Publish(NewStatus(StateStreaming, ""))

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("event delivered after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, e := range []Event{
		Transcript{Source: "mixed", Text: "hello there", IsFinal: true, Confidence: 0.93, Start: 1.5, Duration: 0.8, Received: at},
		Status{State: StateError, Message: "auth rejected", Time: at},
	} {
		data, err := Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if got != e {
			t.Errorf("round trip = %#v, want %#v", got, e)
		}
	}

	if _, err := Unmarshal([]byte(`{"type":"other","data":{}}`)); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := Marshal(nil); err == nil {
		t.Error("expected error for nil event")
	}
}

func TestAccumulator(t *testing.T) {
	a := NewAccumulator()
	a.Apply(Transcript{Text: "hel"})
	if a.Text() != "hel" {
		t.Fatalf("text = %q", a.Text())
	}
	a.Apply(Transcript{Text: "hello world", IsFinal: true})
	a.Apply(Transcript{Text: "how a"})
	if got := a.Text(); got != "hello world how a" {
		t.Fatalf("text = %q", got)
	}
	a.Apply(Transcript{Text: "  "})
	a.Apply(Transcript{Text: "how are you", IsFinal: true})

	if got := a.Committed(); got != "hello world how are you" {
		t.Fatalf("committed = %q", got)
	}
	if a.Interim() != "" {
		t.Fatalf("interim not superseded: %q", a.Interim())
	}
	last, ok := a.LastFinal()
	if !ok || last.Text != "how are you" {
		t.Fatalf("last final = %+v, %v", last, ok)
	}
	if s := a.Stats(); s.Finals != 2 || s.Interims != 2 || s.Words != 5 {
		t.Fatalf("stats = %+v", s)
	}

	a.Reset()
	if a.Text() != "" {
		t.Fatal("reset left text behind")
	}
	if _, ok := a.LastFinal(); ok {
		t.Fatal("reset left a final behind")
	}
}
