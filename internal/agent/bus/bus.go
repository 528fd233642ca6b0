package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var busDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bus_dropped_total",
		Help: "Events dropped per topic because a subscriber queue was full",
	},
	[]string{"topic"},
)

// Topic identifies one of the closed set of event streams.
type Topic string

const (
	TopicDetection    Topic = "ai.detection"
	TopicKeepalive    Topic = "ai.keepalive"
	TopicSessionOpen  Topic = "session.open"
	TopicSessionClose Topic = "session.close"
	TopicDwellOK      Topic = "fsm.t.dwell.ok"
	TopicSilenceOK    Topic = "fsm.t.silence.ok"
	TopicPostrollOK   Topic = "fsm.t.postroll.ok"

	// Reserved stream lifecycle topics, published by the publisher
	// controller. No core subscriber consumes them yet.
	TopicStreamStart Topic = "stream.start"
	TopicStreamStop  Topic = "stream.stop"
	TopicStreamError Topic = "stream.error"
)

// Topics lists every topic the bus accepts. Publishing to any other
// topic is a programming error.
var Topics = []Topic{
	TopicDetection, TopicKeepalive,
	TopicSessionOpen, TopicSessionClose,
	TopicDwellOK, TopicSilenceOK, TopicPostrollOK,
	TopicStreamStart, TopicStreamStop, TopicStreamError,
}

// DetectionEvent is the payload for ai.detection and ai.keepalive.
type DetectionEvent struct {
	FrameID    uint64
	TsUTCNs    uint64
	Relevant   bool
	Score      float32
	Detections []detect.Detection
}

// SessionEvent is the payload for session.open and session.close.
type SessionEvent struct {
	SessionID string
	At        time.Time
}

// StreamEvent is the payload for the reserved stream.* topics.
type StreamEvent struct {
	Path string
	Err  error
}

// Event pairs a topic with its payload.
type Event struct {
	Topic   Topic
	Payload interface{}
}

// Handler consumes events for one subscription. Handlers run on a
// dedicated goroutine per subscription, one event at a time, in
// publication order.
type Handler func(Event)

// queueSize is the per-subscriber bounded queue capacity.
const queueSize = 1024

type subscription struct {
	topic Topic
	ch    chan Event
	done  chan struct{}
}

// Bus is a typed publish/subscribe hub. Publish never blocks: when a
// subscriber queue is full the oldest queued event is discarded and
// bus_dropped_total is incremented.
type Bus struct {
	logger servicelog.Logger
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	closed bool
	group  sync.WaitGroup
}

func New(logger servicelog.Logger) *Bus {
	subs := make(map[Topic][]*subscription, len(Topics))
	for _, t := range Topics {
		subs[t] = nil
	}
	return &Bus{
		logger: logger,
		subs:   subs,
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. The handler must not block; slow handlers cause drops on
// their own queue only.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	sub := &subscription{
		topic: topic,
		ch:    make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if _, known := b.subs[topic]; !known {
		b.mu.Unlock()
		b.logger.Error("subscribe to unknown topic", servicelog.String("topic", string(topic)))
		return func() {}
	}
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.group.Add(1)
	go func() {
		defer b.group.Done()
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				b.invoke(handler, ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[topic]
			for i, s := range list {
				if s == sub {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// invoke shields publishers from handler panics. Handler errors never
// propagate upstream.
func (b *Bus) invoke(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				servicelog.String("topic", string(ev.Topic)),
				servicelog.Any("panic", r))
		}
	}()
	handler(ev)
}

// Publish delivers an event to every subscriber of the topic. It never
// blocks; full queues drop their oldest entry first.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	list, known := b.subs[topic]
	closed := b.closed
	b.mu.RUnlock()
	if !known {
		b.logger.Error("publish to unknown topic", servicelog.String("topic", string(topic)))
		return
	}
	if closed {
		return
	}
	for _, sub := range list {
		b.offer(sub, ev)
	}
}

func (b *Bus) offer(sub *subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		// Queue full: drop the oldest event and retry. The dispatcher
		// may race us for the head, so the retry loops.
		select {
		case <-sub.ch:
			busDropped.WithLabelValues(string(ev.Topic)).Inc()
		default:
		}
	}
}

// Close stops delivery. Events already queued are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for t, list := range b.subs {
		all = append(all, list...)
		b.subs[t] = nil
	}
	b.mu.Unlock()
	for _, sub := range all {
		close(sub.done)
	}
	b.group.Wait()
}
