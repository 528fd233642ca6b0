package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
)

func relevantDetection() bus.Event {
	return bus.Event{
		Topic: bus.TopicDetection,
		Payload: bus.DetectionEvent{
			FrameID:  1,
			Relevant: true,
			Score:    0.9,
			Detections: []detect.Detection{
				{Class: "person", Conf: 0.9, TrackID: "t1"},
			},
		},
	}
}

func keepalive() bus.Event {
	return bus.Event{
		Topic:   bus.TopicKeepalive,
		Payload: bus.DetectionEvent{FrameID: 2},
	}
}

func timerEvent(topic bus.Topic) bus.Event {
	return bus.Event{Topic: topic}
}

func TestIdleToDwell(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Idle}, relevantDetection())
	assert.Equal(t, Dwell, ctx.State)
	assert.Empty(t, cmds)
}

func TestIdleIgnoresKeepalive(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Idle}, keepalive())
	assert.Equal(t, Idle, ctx.State)
	assert.Empty(t, cmds)
}

func TestDwellPromotesOnExpiry(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Dwell}, timerEvent(bus.TopicDwellOK))
	assert.Equal(t, Active, ctx.State)
	require.Len(t, cmds, 3)
	assert.IsType(t, StartStream{}, cmds[0])
	assert.IsType(t, OpenSession{}, cmds[1])
	assert.Equal(t, SetAIFpsMode{Mode: FpsActive}, cmds[2])
}

func TestDwellIgnoresFurtherDetections(t *testing.T) {
	// The dwell window is fixed: detections neither extend nor cut it.
	ctx, cmds := Reduce(Context{State: Dwell}, relevantDetection())
	assert.Equal(t, Dwell, ctx.State)
	assert.Empty(t, cmds)
}

func TestActiveAdoptsSessionID(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Active}, bus.Event{
		Topic:   bus.TopicSessionOpen,
		Payload: bus.SessionEvent{SessionID: "sess-1"},
	})
	assert.Equal(t, Active, ctx.State)
	assert.Equal(t, "sess-1", ctx.SessionID)
	assert.Empty(t, cmds)
}

func TestActiveToClosingOnSilence(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Active, SessionID: "sess-1"}, timerEvent(bus.TopicSilenceOK))
	assert.Equal(t, Closing, ctx.State)
	assert.Equal(t, "sess-1", ctx.SessionID)
	require.Len(t, cmds, 1)
	assert.Equal(t, SetAIFpsMode{Mode: FpsIdle}, cmds[0])
}

func TestClosingReactivationKeepsSession(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Closing, SessionID: "sess-1"}, relevantDetection())
	assert.Equal(t, Active, ctx.State)
	assert.Equal(t, "sess-1", ctx.SessionID)
	require.Len(t, cmds, 1)
	assert.Equal(t, SetAIFpsMode{Mode: FpsActive}, cmds[0])
}

func TestClosingAdoptsLateSessionID(t *testing.T) {
	// The backend can issue the id after silence already started the
	// wind-down; the post-roll close must still carry the real id.
	ctx, cmds := Reduce(Context{State: Closing}, bus.Event{
		Topic:   bus.TopicSessionOpen,
		Payload: bus.SessionEvent{SessionID: "sess-late"},
	})
	assert.Equal(t, Closing, ctx.State)
	assert.Equal(t, "sess-late", ctx.SessionID)
	assert.Empty(t, cmds)

	ctx, cmds = Reduce(ctx, timerEvent(bus.TopicPostrollOK))
	assert.Equal(t, Idle, ctx.State)
	require.Len(t, cmds, 2)
	assert.Equal(t, CloseSession{SessionID: "sess-late"}, cmds[1])
}

func TestClosingToIdleOnPostroll(t *testing.T) {
	ctx, cmds := Reduce(Context{State: Closing, SessionID: "sess-1"}, timerEvent(bus.TopicPostrollOK))
	assert.Equal(t, Idle, ctx.State)
	assert.Empty(t, ctx.SessionID)
	require.Len(t, cmds, 2)
	assert.Equal(t, StopStream{SessionID: "sess-1"}, cmds[0])
	assert.Equal(t, CloseSession{SessionID: "sess-1"}, cmds[1])
}

func TestIrrelevantDetectionNeverTriggers(t *testing.T) {
	ev := bus.Event{
		Topic:   bus.TopicDetection,
		Payload: bus.DetectionEvent{FrameID: 3, Relevant: false},
	}
	for _, state := range []State{Idle, Closing} {
		ctx, cmds := Reduce(Context{State: state, SessionID: "s"}, ev)
		assert.Equal(t, state, ctx.State, "state %s", state)
		assert.Empty(t, cmds)
	}
}

// Full lifecycle: detection, dwell expiry, session, silence, post-roll.
func TestFullSessionLifecycle(t *testing.T) {
	ctx := Context{State: Idle}
	var cmds []Command

	ctx, _ = Reduce(ctx, relevantDetection())
	require.Equal(t, Dwell, ctx.State)

	ctx, cmds = Reduce(ctx, timerEvent(bus.TopicDwellOK))
	require.Equal(t, Active, ctx.State)
	require.Len(t, cmds, 3)

	ctx, _ = Reduce(ctx, bus.Event{
		Topic:   bus.TopicSessionOpen,
		Payload: bus.SessionEvent{SessionID: "sess-9"},
	})
	require.Equal(t, "sess-9", ctx.SessionID)

	ctx, _ = Reduce(ctx, timerEvent(bus.TopicSilenceOK))
	require.Equal(t, Closing, ctx.State)

	// Reactivation and a second wind-down.
	ctx, _ = Reduce(ctx, relevantDetection())
	require.Equal(t, Active, ctx.State)
	require.Equal(t, "sess-9", ctx.SessionID)

	ctx, _ = Reduce(ctx, timerEvent(bus.TopicSilenceOK))
	require.Equal(t, Closing, ctx.State)

	ctx, cmds = Reduce(ctx, timerEvent(bus.TopicPostrollOK))
	require.Equal(t, Idle, ctx.State)
	require.Empty(t, ctx.SessionID)
	require.Equal(t, CloseSession{SessionID: "sess-9"}, cmds[1])
}
