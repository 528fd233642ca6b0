package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	got := make(chan Event, 1)
	unsub := b.Subscribe(TopicDetection, func(ev Event) {
		got <- ev
	})
	defer unsub()

	b.Publish(TopicDetection, DetectionEvent{FrameID: 7, Relevant: true})
	select {
	case ev := <-got:
		de, ok := ev.Payload.(DetectionEvent)
		require.True(t, ok)
		assert.Equal(t, uint64(7), de.FrameID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})
	unsub := b.Subscribe(TopicDetection, func(ev Event) {
		de := ev.Payload.(DetectionEvent)
		mu.Lock()
		seen = append(seen, de.FrameID)
		full := len(seen) == 100
		mu.Unlock()
		if full {
			close(done)
		}
	})
	defer unsub()

	for i := uint64(1); i <= 100; i++ {
		b.Publish(TopicDetection, DetectionEvent{FrameID: i})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		assert.Equal(t, uint64(i+1), id)
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	detections := make(chan Event, 8)
	unsub := b.Subscribe(TopicDetection, func(ev Event) {
		detections <- ev
	})
	defer unsub()

	b.Publish(TopicKeepalive, DetectionEvent{FrameID: 1})
	b.Publish(TopicSessionOpen, SessionEvent{SessionID: "s"})
	select {
	case <-detections:
		t.Fatal("received event from another topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	got := make(chan Event, 8)
	unsub := b.Subscribe(TopicKeepalive, func(ev Event) {
		got <- ev
	})
	unsub()
	unsub() // double unsubscribe is safe

	b.Publish(TopicKeepalive, DetectionEvent{FrameID: 1})
	select {
	case <-got:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	got := make(chan Event, 2)
	unsubPanic := b.Subscribe(TopicDetection, func(Event) {
		panic("boom")
	})
	defer unsubPanic()
	unsub := b.Subscribe(TopicDetection, func(ev Event) {
		got <- ev
	})
	defer unsub()

	b.Publish(TopicDetection, DetectionEvent{FrameID: 1})
	b.Publish(TopicDetection, DetectionEvent{FrameID: 2})
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("healthy subscriber starved by panicking one")
		}
	}
}

func TestUnknownTopicRejected(t *testing.T) {
	b := New(servicelog.Nop())
	defer b.Close()

	called := false
	unsub := b.Subscribe(Topic("no.such.topic"), func(Event) { called = true })
	unsub()
	b.Publish(Topic("no.such.topic"), nil)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestPublishAfterClose(t *testing.T) {
	b := New(servicelog.Nop())
	got := make(chan Event, 1)
	b.Subscribe(TopicDetection, func(ev Event) { got <- ev })
	b.Close()
	b.Publish(TopicDetection, DetectionEvent{FrameID: 1})
	select {
	case <-got:
		t.Fatal("delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}
