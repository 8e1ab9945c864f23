package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 8)
	defer m.Unsubscribe("conv-1", ch)

	m.Publish("conv-1", Event{Type: TypeRoundStarted, Message: "round-1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeRoundStarted || ev.SessionID != "conv-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishDoesNotCrossSessions(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-other", 8)
	defer m.Unsubscribe("conv-other", ch)

	m.Publish("conv-1", Event{Type: TypeRoundStarted})

	select {
	case ev := <-ch:
		t.Fatalf("event leaked across sessions: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 1)
	defer m.Unsubscribe("conv-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("conv-1", Event{Type: TypeSubtaskProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish("conv-1", Event{Type: TypeSubtaskProgress})
	}

	all := m.ReplaySince("conv-1", 0)
	if len(all) != 4 { // seq starts at 0; "since 0" excludes the first
		t.Fatalf("ReplaySince(0) returned %d events, want 4", len(all))
	}
	last := m.ReplaySince("conv-1", 3)
	if len(last) != 1 || last[0].Seq != 4 {
		t.Fatalf("ReplaySince(3) = %+v", last)
	}
	if m.ReplaySince("conv-unknown", 0) != nil {
		t.Fatal("unknown session should have no history")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 5; i++ {
		m.Publish("conv-1", Event{Type: TypeSubtaskProgress})
	}
	got := m.ReplaySince("conv-1", 0)
	if len(got) != 3 {
		t.Fatalf("ring kept %d events, want 3", len(got))
	}
	if got[0].Seq != 2 || got[2].Seq != 4 {
		t.Fatalf("unexpected retained window: %+v", got)
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	m := NewManager(16)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch := m.Subscribe("conv-1", 1)
		wg.Add(1)
		go func(ch chan Event) {
			defer wg.Done()
			m.Unsubscribe("conv-1", ch)
		}(ch)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Publish("conv-1", Event{Type: TypeSubtaskProgress})
			}
		}()
	}
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("conv-1", 1)
	m.Unsubscribe("conv-1", ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
	// double unsubscribe must not panic
	m.Unsubscribe("conv-1", ch)
}
