// Package fsm holds the pure session state machine. The reducer does
// no I/O and starts no timers; the orchestrator interprets transitions
// and commands.
package fsm

import "github.com/warpcomdev/edgeagent/internal/agent/bus"

// State of the recording session lifecycle.
type State int

const (
	Idle State = iota
	Dwell
	Active
	Closing
)

var stateNames = []string{"IDLE", "DWELL", "ACTIVE", "CLOSING"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// FpsMode selects the feeder frame rate profile.
type FpsMode string

const (
	FpsIdle   FpsMode = "idle"
	FpsActive FpsMode = "active"
)

// Command instructs the orchestrator to act on an adapter. Commands are
// fire-and-forget: adapter errors never roll the state back.
type Command interface{ isCommand() }

type StartStream struct{}
type StopStream struct{ SessionID string }
type OpenSession struct{}
type CloseSession struct{ SessionID string }
type SetAIFpsMode struct{ Mode FpsMode }

func (StartStream) isCommand()  {}
func (StopStream) isCommand()   {}
func (OpenSession) isCommand()  {}
func (CloseSession) isCommand() {}
func (SetAIFpsMode) isCommand() {}

// Context is the reducer state. session id is defined exactly while the
// state is ACTIVE or CLOSING.
type Context struct {
	State     State
	SessionID string
}

// Reduce applies one bus event to the context and returns the commands
// the transition requires. It is a pure function.
func Reduce(ctx Context, ev bus.Event) (Context, []Command) {
	switch ctx.State {
	case Idle:
		if isRelevantDetection(ev) {
			ctx.State = Dwell
			return ctx, nil
		}

	case Dwell:
		// The dwell window is a fixed confirmation delay: further
		// detections neither extend nor cut it short.
		if ev.Topic == bus.TopicDwellOK {
			ctx.State = Active
			return ctx, []Command{
				StartStream{},
				OpenSession{},
				SetAIFpsMode{Mode: FpsActive},
			}
		}

	case Active:
		switch ev.Topic {
		case bus.TopicSessionOpen:
			if se, ok := ev.Payload.(bus.SessionEvent); ok {
				ctx.SessionID = se.SessionID
			}
			return ctx, nil
		case bus.TopicSilenceOK:
			ctx.State = Closing
			return ctx, []Command{SetAIFpsMode{Mode: FpsIdle}}
		}
		// Relevant detections keep the session alive; the orchestrator
		// resets the silence timer on them. No state change here.

	case Closing:
		if ev.Topic == bus.TopicSessionOpen {
			// A slow backend can issue the id after the silence window
			// already started the wind-down. Adopt it so the post-roll
			// close carries the real id.
			if se, ok := ev.Payload.(bus.SessionEvent); ok {
				ctx.SessionID = se.SessionID
			}
			return ctx, nil
		}
		if isRelevantDetection(ev) {
			// Reactivation keeps the same session id.
			ctx.State = Active
			return ctx, []Command{SetAIFpsMode{Mode: FpsActive}}
		}
		if ev.Topic == bus.TopicPostrollOK {
			id := ctx.SessionID
			ctx.State = Idle
			ctx.SessionID = ""
			return ctx, []Command{
				StopStream{SessionID: id},
				CloseSession{SessionID: id},
			}
		}
	}
	return ctx, nil
}

func isRelevantDetection(ev bus.Event) bool {
	if ev.Topic != bus.TopicDetection {
		return false
	}
	de, ok := ev.Payload.(bus.DetectionEvent)
	return ok && de.Relevant
}
