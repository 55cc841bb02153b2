package streaming

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("req-1", 8)
	defer m.Unsubscribe("req-1", ch)

	m.Publish("req-1", Event{Type: TypeMessageDelta, Content: "hel"})
	m.Publish("req-1", Event{Type: TypeMessageDelta, Content: "lo"})

	var got []Event
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if got[0].Content != "hel" || got[1].Content != "lo" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Fatalf("sequence must increase: %d then %d", got[0].Seq, got[1].Seq)
	}
}

func TestPublish_NoSubscribersDoesNotBlock(t *testing.T) {
	m := NewManager(4)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Publish("lonely", Event{Type: TypeMessageDelta})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no subscribers")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(8)
	for i := 0; i < 5; i++ {
		m.Publish("req-2", Event{Type: TypeMessageDelta})
	}
	events := m.ReplaySince("req-2", 3)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 3, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("unexpected sequences: %d %d", events[0].Seq, events[1].Seq)
	}
}

func TestReplaySince_RingOverwrite(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 10; i++ {
		m.Publish("req-3", Event{Type: TypeMessageDelta})
	}
	events := m.ReplaySince("req-3", 0)
	if len(events) != 4 {
		t.Fatalf("ring should retain capacity events, got %d", len(events))
	}
	if events[0].Seq != 7 {
		t.Fatalf("oldest retained should be seq 7, got %d", events[0].Seq)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	m := NewManager(4)
	ch := m.Subscribe("req-4", 1)
	m.Unsubscribe("req-4", ch)
	// Second call must not panic on the closed channel.
	m.Unsubscribe("req-4", ch)
}

func TestForget(t *testing.T) {
	m := NewManager(4)
	m.Publish("req-5", Event{Type: TypeDone})
	m.Forget("req-5")
	if events := m.ReplaySince("req-5", 0); events != nil {
		t.Fatalf("history should be dropped, got %v", events)
	}
}
