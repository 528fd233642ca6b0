// Package orchestrator drives the session state machine: it owns the
// FSM context and the three timers, and executes reducer commands
// against the adapter interfaces.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/fsm"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var (
	fsmTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsm_transitions_total",
			Help: "State machine transitions",
		},
		[]string{"from", "to"},
	)
	fsmState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsm_state",
		Help: "Current state (0 idle, 1 dwell, 2 active, 3 closing)",
	})
)

// Publisher starts and stops the recording republish.
type Publisher interface {
	Start() error
	Stop(grace time.Duration)
}

// SessionStore opens and closes sessions against the backend.
type SessionStore interface {
	Open(ctx context.Context, startTs time.Time, streamPath, reason string) (string, error)
	Close(ctx context.Context, sessionID string, endTs time.Time) error
}

// WorkerSession tags outgoing frames with the open session.
type WorkerSession interface {
	SetSessionID(id string)
	CloseSession(id string)
}

// FrameControl switches the feeder frame rate profile.
type FrameControl interface {
	SetMode(mode fsm.FpsMode)
}

// Evidence follows the session lifecycle on the ingester.
type Evidence interface {
	BeginSession()
	SetSession(sessionID string)
	EndSession()
}

// Timers configures the three FSM windows.
type Timers struct {
	Dwell    time.Duration
	Silence  time.Duration
	Postroll time.Duration
}

func (t *Timers) Check() {
	if t.Dwell <= 0 {
		t.Dwell = 500 * time.Millisecond
	}
	if t.Silence <= 0 {
		t.Silence = 2 * time.Second
	}
	if t.Postroll <= 0 {
		t.Postroll = time.Second
	}
}

// Adapters collects the command targets.
type Adapters struct {
	Publisher  Publisher
	Store      SessionStore
	Worker     WorkerSession
	Feeder     FrameControl
	Evidence   Evidence
	StreamPath string
}

type timerHandle struct {
	timer *time.Timer
	gen   uint64
}

// Orchestrator serializes all FSM events through one loop goroutine.
type Orchestrator struct {
	logger servicelog.Logger
	events *bus.Bus
	timers Timers
	adapt  Adapters

	ctx      fsm.Context
	loopCh   chan bus.Event
	unsubs   []func()
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	dwell    timerHandle
	silence  timerHandle
	postroll timerHandle
	gen      uint64
	lastErr  string
}

func New(logger servicelog.Logger, events *bus.Bus, timers Timers, adapt Adapters) *Orchestrator {
	timers.Check()
	return &Orchestrator{
		logger: logger,
		events: events,
		timers: timers,
		adapt:  adapt,
		loopCh: make(chan bus.Event, 1024),
		done:   make(chan struct{}),
	}
}

// State snapshots the FSM context for the status endpoint.
func (o *Orchestrator) State() (state string, sessionID string, lastErr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx.State.String(), o.ctx.SessionID, o.lastErr
}

// Run subscribes to the FSM topics and processes events until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	topics := []bus.Topic{
		bus.TopicDetection, bus.TopicKeepalive,
		bus.TopicSessionOpen, bus.TopicSessionClose,
		bus.TopicDwellOK, bus.TopicSilenceOK, bus.TopicPostrollOK,
	}
	for _, topic := range topics {
		o.unsubs = append(o.unsubs, o.events.Subscribe(topic, func(ev bus.Event) {
			select {
			case o.loopCh <- ev:
			case <-o.done:
			}
		}))
	}
	fsmState.Set(float64(fsm.Idle))
	defer o.shutdown(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.loopCh:
			o.step(ctx, ev)
		}
	}
}

// shutdown closes an open session before the process exits.
func (o *Orchestrator) shutdown(ctx context.Context) {
	o.stopOnce.Do(func() {
		close(o.done)
		for _, unsub := range o.unsubs {
			unsub()
		}
		o.cancelAllTimers()
		o.mu.Lock()
		id := o.ctx.SessionID
		active := o.ctx.State == fsm.Active || o.ctx.State == fsm.Closing
		o.mu.Unlock()
		if active {
			o.logger.Info("closing session on shutdown", servicelog.String("sessionId", id))
			o.execute(context.Background(), fsm.StopStream{SessionID: id})
			o.execute(context.Background(), fsm.CloseSession{SessionID: id})
		}
	})
}

// step runs one event through the reducer and interprets the outcome.
func (o *Orchestrator) step(ctx context.Context, ev bus.Event) {
	o.mu.Lock()
	before := o.ctx
	after, commands := fsm.Reduce(before, ev)
	o.ctx = after
	o.mu.Unlock()

	if after.State != before.State {
		fsmTransitions.WithLabelValues(before.State.String(), after.State.String()).Inc()
		fsmState.Set(float64(after.State))
		o.logger.Info("state transition",
			servicelog.String("from", before.State.String()),
			servicelog.String("to", after.State.String()),
			servicelog.String("sessionId", after.SessionID))
		o.onTransition(before.State, after.State)
	} else if after.State == fsm.Active && isRelevant(ev) {
		// Every relevant detection while active pushes the silence
		// window out.
		o.startSilence()
	}

	for _, cmd := range commands {
		o.execute(ctx, cmd)
	}

	if ev.Topic == bus.TopicSessionOpen {
		// The server can issue the id after the machine already wound
		// down (or even started a new cycle). An id the reducer did not
		// adopt references nothing anymore, so close it right away
		// instead of leaking the server-side session.
		if se, ok := ev.Payload.(bus.SessionEvent); ok && se.SessionID != "" && after.SessionID != se.SessionID {
			o.logger.Warn("session id issued after close",
				servicelog.String("sessionId", se.SessionID))
			o.closeSession(ctx, se.SessionID)
		}
	}
}

func isRelevant(ev bus.Event) bool {
	if ev.Topic != bus.TopicDetection {
		return false
	}
	de, ok := ev.Payload.(bus.DetectionEvent)
	return ok && de.Relevant
}

// onTransition adjusts timers. The reducer is pure; all timer side
// effects live here.
func (o *Orchestrator) onTransition(from, to fsm.State) {
	switch {
	case from == fsm.Idle && to == fsm.Dwell:
		// Fixed confirmation window, started once, never reset.
		o.startDwell()
	case from == fsm.Dwell && to == fsm.Active:
		o.startSilence()
	case from == fsm.Active && to == fsm.Closing:
		o.cancelSilence()
		o.startPostroll()
	case from == fsm.Closing && to == fsm.Active:
		// Reactivation: drop the post-roll, restart the silence window.
		o.cancelPostroll()
		o.startSilence()
	case from == fsm.Closing && to == fsm.Idle:
		o.cancelAllTimers()
	}
}

// startTimer arms a cancellable timer that publishes the topic when it
// fires. The generation guard keeps a cancelled timer from firing.
func (o *Orchestrator) startTimer(handle *timerHandle, d time.Duration, topic bus.Topic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if handle.timer != nil {
		handle.timer.Stop()
	}
	o.gen++
	gen := o.gen
	handle.gen = gen
	handle.timer = time.AfterFunc(d, func() {
		o.mu.Lock()
		live := handle.gen == gen
		o.mu.Unlock()
		if live {
			o.events.Publish(topic, nil)
		}
	})
}

func (o *Orchestrator) cancelTimer(handle *timerHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if handle.timer != nil {
		handle.timer.Stop()
		handle.timer = nil
	}
	handle.gen = 0
}

func (o *Orchestrator) startDwell() { o.startTimer(&o.dwell, o.timers.Dwell, bus.TopicDwellOK) }

func (o *Orchestrator) startSilence() {
	o.startTimer(&o.silence, o.timers.Silence, bus.TopicSilenceOK)
}

func (o *Orchestrator) startPostroll() {
	o.startTimer(&o.postroll, o.timers.Postroll, bus.TopicPostrollOK)
}

func (o *Orchestrator) cancelSilence() { o.cancelTimer(&o.silence) }

func (o *Orchestrator) cancelPostroll() { o.cancelTimer(&o.postroll) }

func (o *Orchestrator) cancelAllTimers() {
	o.cancelTimer(&o.dwell)
	o.cancelTimer(&o.silence)
	o.cancelTimer(&o.postroll)
}

// execute runs one reducer command. Commands are fire-and-forget:
// failures are logged and counted, never rolled back into the FSM.
func (o *Orchestrator) execute(ctx context.Context, cmd fsm.Command) {
	switch c := cmd.(type) {
	case fsm.StartStream:
		if err := o.adapt.Publisher.Start(); err != nil {
			o.fail("publisher start failed", err)
		}
	case fsm.StopStream:
		o.adapt.Publisher.Stop(0)
		if c.SessionID != "" {
			o.adapt.Worker.CloseSession(c.SessionID)
		}
	case fsm.OpenSession:
		// Detections arriving before the server issues the id are
		// buffered by the ingester and tagged retroactively.
		o.adapt.Evidence.BeginSession()
		go o.openSession(ctx)
	case fsm.CloseSession:
		o.closeSession(ctx, c.SessionID)
	case fsm.SetAIFpsMode:
		o.adapt.Feeder.SetMode(c.Mode)
	}
}

func (o *Orchestrator) openSession(ctx context.Context) {
	id, err := o.adapt.Store.Open(ctx, time.Now(), o.adapt.StreamPath, "detection")
	if err != nil {
		// The FSM stays in ACTIVE without an id; the eventual
		// CloseSession with an empty id is a no-op and the machine
		// returns to IDLE through silence and post-roll.
		o.fail("session open failed", err)
		return
	}
	o.adapt.Worker.SetSessionID(id)
	o.adapt.Evidence.SetSession(id)
	o.events.Publish(bus.TopicSessionOpen, bus.SessionEvent{SessionID: id, At: time.Now()})
}

func (o *Orchestrator) closeSession(ctx context.Context, id string) {
	o.adapt.Evidence.EndSession()
	if id == "" {
		return
	}
	o.adapt.Worker.CloseSession(id)
	if err := o.adapt.Store.Close(ctx, id, time.Now()); err != nil {
		o.fail("session close failed", err)
	}
	o.events.Publish(bus.TopicSessionClose, bus.SessionEvent{SessionID: id, At: time.Now()})
}

func (o *Orchestrator) fail(msg string, err error) {
	o.logger.Error(msg, servicelog.Error(err))
	o.mu.Lock()
	o.lastErr = msg + ": " + err.Error()
	o.mu.Unlock()
}
