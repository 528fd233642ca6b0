// Package feeder pulls frames from the camera hub transport, assigns
// monotonic frame ids, and admits frames to the worker under credit
// based flow control with a latest-wins drop policy.
package feeder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warpcomdev/edgeagent/internal/agent/aiproto"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"github.com/warpcomdev/edgeagent/internal/agent/fsm"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var dropsLatestWins = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ai_drops_latestwins_total",
	Help: "Frames discarded because a newer frame replaced them before admission",
})

// Raw is one frame as produced by the downscaler, before the feeder
// assigns identity and timestamps.
type Raw struct {
	Data        []byte
	Width       uint32
	Height      uint32
	PixelFormat framecache.PixelFormat
	Planes      []framecache.Plane
}

// Source yields downscaled frames from the hub transport. Next blocks
// until a frame is available or the context is cancelled.
type Source interface {
	Name() string
	Next(ctx context.Context) (Raw, error)
}

// Sender is the admission surface of the AI protocol client.
type Sender interface {
	CanSend() bool
	SendFrame(*framecache.Frame) error
}

// Config for the feeder. Frame rates are per mode; the feeder thins the
// source stream down to the target rate.
type Config struct {
	IdleFps   float64
	ActiveFps float64
	// Normalize enables the NV12 seam repair heuristic for transports
	// that do not guarantee frame alignment.
	Normalize bool
}

// Feeder owns frame identity for the current worker connection.
type Feeder struct {
	logger servicelog.Logger
	config Config
	source Source
	sender Sender
	cache  *framecache.Cache

	mu       sync.Mutex
	nextID   uint64
	mode     fsm.FpsMode
	interval time.Duration
	deferred *framecache.Frame
	lastSent time.Time
	baseWall time.Time
	framesIn uint64
}

func New(logger servicelog.Logger, config Config, source Source, sender Sender, cache *framecache.Cache) *Feeder {
	if config.IdleFps <= 0 {
		config.IdleFps = 1
	}
	if config.ActiveFps <= 0 {
		config.ActiveFps = config.IdleFps
	}
	f := &Feeder{
		logger:   logger.With(servicelog.String("source", source.Name())),
		config:   config,
		source:   source,
		sender:   sender,
		cache:    cache,
		nextID:   1,
		baseWall: time.Now(),
	}
	f.setModeLocked(fsm.FpsIdle)
	return f
}

// SetMode switches between the idle and active frame rate profiles.
// Under credit-based flow control the switch is honored in place by
// retiming admission; the downscaler keeps running.
func (f *Feeder) SetMode(mode fsm.FpsMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == mode {
		return
	}
	f.setModeLocked(mode)
	f.logger.Info("feeder mode changed", servicelog.String("mode", string(mode)))
}

func (f *Feeder) setModeLocked(mode fsm.FpsMode) {
	f.mode = mode
	fps := f.config.IdleFps
	if mode == fsm.FpsActive {
		fps = f.config.ActiveFps
	}
	f.interval = time.Duration(float64(time.Second) / fps)
}

// ResetSequence restarts frame numbering for a fresh worker connection.
// Stale cache entries are cleared so old ids cannot alias new frames,
// and the wall clock base is re-read so a long-lived agent does not
// drift across NTP steps.
func (f *Feeder) ResetSequence(ok aiproto.InitOk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = 1
	f.deferred = nil
	f.baseWall = time.Now()
	f.cache.Clear()
	f.logger.Info("frame sequence reset",
		servicelog.String("format", ok.ChosenFormat),
		servicelog.Int("width", int(ok.Width)),
		servicelog.Int("height", int(ok.Height)))
}

// FramesIngested reports the number of frames read from the source.
func (f *Feeder) FramesIngested() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.framesIn
}

// Run pumps the source until the context is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	// Admission opportunities also arise when credit returns between
	// source frames; poll the deferred slot on a short tick.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	frames := make(chan Raw)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			raw, err := f.source.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
			f.flushDeferred()
		case raw, ok := <-frames:
			if !ok {
				return nil
			}
			f.ingest(raw)
		}
	}
}

// ingest stamps and admits one raw frame.
func (f *Feeder) ingest(raw Raw) {
	f.mu.Lock()
	f.framesIn++
	if !f.lastSent.IsZero() && time.Since(f.lastSent) < f.interval {
		// Thinning to the mode's target rate: ignore early frames
		// unless a deferred admission is waiting.
		f.mu.Unlock()
		f.flushDeferred()
		return
	}
	id := f.nextID
	f.nextID++
	elapsed := time.Since(f.baseWall)
	frame := &framecache.Frame{
		ID:       id,
		TsMonoNs: uint64(elapsed),
		// Monotonic elapsed time applied to the wall reading taken at
		// the start of the current worker connection.
		TsUTCNs:     uint64(f.baseWall.UnixNano()) + uint64(elapsed),
		Width:       raw.Width,
		Height:      raw.Height,
		PixelFormat: raw.PixelFormat,
		Planes:      raw.Planes,
		Data:        raw.Data,
	}
	f.mu.Unlock()

	if f.config.Normalize && raw.PixelFormat == framecache.PixelNV12 {
		if normalizeNV12(frame.Data, int(raw.Width), int(raw.Height)) {
			f.logger.Debug("repaired shifted frame", servicelog.Uint64("frameId", id))
		}
	}
	f.admit(frame)
}

// admit sends the frame if the client accepts it, otherwise parks it in
// the single deferred slot, discarding any earlier deferred frame.
func (f *Feeder) admit(frame *framecache.Frame) {
	f.mu.Lock()
	if !f.sender.CanSend() {
		if f.deferred != nil {
			dropsLatestWins.Inc()
		}
		f.deferred = frame
		f.mu.Unlock()
		return
	}
	// A deferred frame is older than the one in hand: latest wins.
	if f.deferred != nil {
		dropsLatestWins.Inc()
		f.deferred = nil
	}
	f.mu.Unlock()
	f.send(frame)
}

// flushDeferred sends the parked frame when admission opens up.
func (f *Feeder) flushDeferred() {
	f.mu.Lock()
	frame := f.deferred
	if frame == nil || !f.sender.CanSend() {
		f.mu.Unlock()
		return
	}
	f.deferred = nil
	f.mu.Unlock()
	f.send(frame)
}

func (f *Feeder) send(frame *framecache.Frame) {
	// The frame must be retrievable by id when the result arrives.
	if err := f.cache.Put(frame); err != nil {
		f.logger.Warn("frame cache rejected frame",
			servicelog.Uint64("frameId", frame.ID), servicelog.Error(err))
	}
	if err := f.sender.SendFrame(frame); err != nil {
		f.logger.Debug("frame admission failed",
			servicelog.Uint64("frameId", frame.ID), servicelog.Error(err))
		return
	}
	f.mu.Lock()
	f.lastSent = time.Now()
	f.mu.Unlock()
}
