package comms

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func drain(t *testing.T, s *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return got
			}
			if ev.Type != EventKeepalive {
				got = append(got, ev)
			}
		case <-timeout:
			t.Fatal("subscription did not close")
		}
	}
}

func TestInMemoryBus_NoSubscribersDrops(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 4})
	bus.Publish(Event{TaskID: "t1", Type: EventTaskStarted})

	s, err := bus.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Publish(Event{TaskID: "t1", Type: EventTaskCompleted, Progress: 100})
	got := drain(t, s)
	if len(got) != 1 || got[0].Type != EventTaskCompleted {
		t.Fatalf("got %+v, want only task_completed (no replay)", got)
	}
}

func TestInMemoryBus_MulticastOrdered(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 64})
	a, _ := bus.Subscribe("t1")
	b, _ := bus.Subscribe("t1")
	other, _ := bus.Subscribe("t2")
	defer other.Close()

	types := []EventType{EventTaskStarted, EventChaptersFound, EventChapterCrawled, EventBatchCompleted, EventTaskFailed}
	for i, typ := range types {
		bus.Publish(Event{TaskID: "t1", Type: typ, Progress: i * 10})
	}

	var wg sync.WaitGroup
	results := make([][]Event, 2)
	for i, s := range []*Subscription{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = drain(t, s)
		}()
	}
	wg.Wait()

	for i, got := range results {
		if len(got) != len(types) {
			t.Fatalf("subscriber %d got %d events, want %d", i, len(got), len(types))
		}
		for j, ev := range got {
			if ev.Type != types[j] {
				t.Errorf("subscriber %d event %d = %s, want %s", i, j, ev.Type, types[j])
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d event %d has zero timestamp", i, j)
			}
		}
	}
	if bus.Subscribers("t1") != 0 {
		t.Errorf("Subscribers(t1) = %d after terminal, want 0", bus.Subscribers("t1"))
	}
	if bus.Subscribers("t2") != 1 {
		t.Errorf("Subscribers(t2) = %d, want 1", bus.Subscribers("t2"))
	}
}

func TestInMemoryBus_SlowSubscriberDetached(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 2})
	slow, _ := bus.Subscribe("t1")
	fast, _ := bus.Subscribe("t1")

	done := make(chan []Event)
	go func() {
		var got []Event
		for ev := range fast.Events() {
			got = append(got, ev)
		}
		done <- got
	}()

	for i := range 2 {
		bus.Publish(Event{TaskID: "t1", Type: EventImageDownloaded, Progress: i})
		time.Sleep(10 * time.Millisecond)
	}
	// slow's buffer is now full; the next event overflows it.
	bus.Publish(Event{TaskID: "t1", Type: EventImageDownloaded, Progress: 2})
	time.Sleep(10 * time.Millisecond)
	bus.Publish(Event{TaskID: "t1", Type: EventTaskCompleted, Progress: 100})

	got := <-done
	if len(got) != 4 {
		t.Errorf("fast subscriber got %d events, want 4", len(got))
	}
	n := 0
	for range slow.Events() {
		n++
	}
	if n != 2 {
		t.Errorf("slow subscriber got %d events, want 2", n)
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Errorf("slow.Err() = %v, want ErrSlowConsumer", slow.Err())
	}
	if fast.Err() != nil {
		t.Errorf("fast.Err() = %v, want nil", fast.Err())
	}
}

func TestInMemoryBus_MaxSubscribers(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 1, MaxSubscribers: 2})
	s1, _ := bus.Subscribe("t1")
	if _, err := bus.Subscribe("t1"); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
	if _, err := bus.Subscribe("t1"); !errors.Is(err, ErrTooManySubscribers) {
		t.Fatalf("third Subscribe err = %v, want ErrTooManySubscribers", err)
	}
	s1.Close()
	s1.Close()
	if _, err := bus.Subscribe("t1"); err != nil {
		t.Fatalf("Subscribe after Close: %v", err)
	}
}

func TestInMemoryBus_Keepalive(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 4, Keepalive: 20 * time.Millisecond})
	s, _ := bus.Subscribe("t1")
	defer s.Close()

	select {
	case ev := <-s.Events():
		if ev.Type != EventKeepalive {
			t.Fatalf("first event = %s, want keepalive", ev.Type)
		}
		if ev.TaskID != "t1" {
			t.Errorf("keepalive TaskID = %q, want t1", ev.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("no keepalive received")
	}
}

func TestInMemoryBus_CloseStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus(Options{Buffer: 4})
	s, _ := bus.Subscribe("t1")
	s.Close()
	bus.Publish(Event{TaskID: "t1", Type: EventProgressUpdate})
	if _, ok := <-s.Events(); ok {
		t.Fatal("received event after Close")
	}
	if bus.Len() != 0 {
		t.Errorf("Len = %d, want 0", bus.Len())
	}
}
