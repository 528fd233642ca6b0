// Package hub keeps the always-on capture pipeline alive. The external
// media process writes raw frames to a file-socket shared buffer; the
// hub only supervises the process and the transport endpoint.
package hub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var (
	hubRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_restarts_total",
		Help: "Capture pipeline restarts after unexpected exits",
	})
	hubReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_ready",
		Help: "Whether the capture pipeline is ready (1) or not (0)",
	})
)

const (
	stopGrace       = 1500 * time.Millisecond
	restartInitial  = 2 * time.Second
	restartFactor   = 1.5
	restartCap      = 15 * time.Second
	sustainedReady  = 30 * time.Second
	restartAttempts = 5 // beyond this, escalate log level
)

var (
	ErrNotStarted   = errors.New("hub not started")
	ErrReadyTimeout = errors.New("timed out waiting for capture pipeline")
)

// Config describes the capture pipeline. Pipeline is the external
// command line; Endpoint is the transport path it creates.
type Config struct {
	Pipeline    string
	Endpoint    string
	Width       uint32
	Height      uint32
	Fps         uint32
	FrameBytes  int
	BufferBytes int
}

// Check validates and normalizes the configuration.
func (c *Config) Check() error {
	if c.Pipeline == "" {
		return errors.New("hub pipeline command is required")
	}
	if c.Endpoint == "" {
		return errors.New("hub transport endpoint path is required")
	}
	if c.Width == 0 || c.Height == 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("invalid capture size %dx%d: dimensions must be even and non-zero", c.Width, c.Height)
	}
	if c.Fps < 1 {
		return fmt.Errorf("invalid capture fps %d: must be >= 1", c.Fps)
	}
	if c.FrameBytes == 0 {
		// NV12 framing on the shared buffer.
		c.FrameBytes = int(c.Width) * int(c.Height) * 3 / 2
	}
	if c.BufferBytes == 0 {
		// Recommended sizing: room for ~50 frames.
		c.BufferBytes = 50 * c.FrameBytes
	}
	return nil
}

// Hub supervises the capture subprocess.
type Hub struct {
	logger servicelog.Logger
	config Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	playing atomic.Bool
	ready   chan struct{} // closed when ready; replaced on restart
}

func New(logger servicelog.Logger, config Config) *Hub {
	return &Hub{
		logger: logger.With(servicelog.String("endpoint", config.Endpoint)),
		config: config,
		ready:  make(chan struct{}),
	}
}

// Start launches the supervision loop. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.supervise(ctx)
	}()
}

// Stop interrupts the pipeline and waits for the supervisor to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// AwaitReady blocks until the pipeline reports PLAYING and the
// transport endpoint exists, or the timeout elapses.
func (h *Hub) AwaitReady(timeout time.Duration) error {
	h.mu.Lock()
	if h.cancel == nil {
		h.mu.Unlock()
		return ErrNotStarted
	}
	ready := h.ready
	h.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-time.After(timeout):
		return ErrReadyTimeout
	}
}

// Ready reports the current readiness without blocking.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	ready := h.ready
	h.mu.Unlock()
	select {
	case <-ready:
		return true
	default:
		return false
	}
}

// supervise restarts the pipeline with exponential backoff until the
// context is cancelled. The attempt counter resets after the pipeline
// stays ready for a sustained interval.
func (h *Hub) supervise(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitial
	bo.Multiplier = restartFactor
	bo.MaxInterval = restartCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	attempts := 0
	for {
		started := time.Now()
		err := h.runOnce(ctx)
		h.clearReady()
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= sustainedReady {
			bo.Reset()
			attempts = 0
		}
		attempts++
		hubRestarts.Inc()
		delay := bo.NextBackOff()
		if attempts > restartAttempts {
			h.logger.Error("capture pipeline keeps crashing",
				servicelog.Error(err), servicelog.Int("attempts", attempts),
				servicelog.Duration("delay", delay))
		} else {
			h.logger.Warn("capture pipeline exited, restarting",
				servicelog.Error(err), servicelog.Duration("delay", delay))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (h *Hub) clearReady() {
	h.mu.Lock()
	select {
	case <-h.ready:
		h.ready = make(chan struct{})
	default:
	}
	h.mu.Unlock()
	h.playing.Store(false)
	hubReady.Set(0)
}

func (h *Hub) markReady() {
	h.mu.Lock()
	select {
	case <-h.ready:
	default:
		close(h.ready)
	}
	h.mu.Unlock()
	hubReady.Set(1)
	h.logger.Info("capture pipeline ready")
}

// runOnce runs one lifetime of the capture process.
func (h *Hub) runOnce(ctx context.Context) error {
	cmd := exec.Command("/bin/sh", "-c", h.config.Pipeline)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout // single merged stream
	if err := cmd.Start(); err != nil {
		return err
	}
	h.logger.Info("capture pipeline started", servicelog.Int("pid", cmd.Process.Pid))

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	var group sync.WaitGroup
	group.Add(2)
	go func() {
		defer group.Done()
		h.scanOutput(watchCtx, stdout)
	}()
	go func() {
		defer group.Done()
		h.watchEndpoint(watchCtx)
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	var exitErr error
	select {
	case exitErr = <-exited:
		if exitErr == nil {
			exitErr = errors.New("capture pipeline exited")
		}
	case <-ctx.Done():
		// Manual stop: interrupt, escalate to kill after the grace
		// period, and always remove the endpoint afterwards.
		cmd.Process.Signal(os.Interrupt)
		select {
		case exitErr = <-exited:
		case <-time.After(stopGrace):
			cmd.Process.Kill()
			exitErr = <-exited
		}
		if exitErr == nil {
			exitErr = ctx.Err()
		}
	}
	cancelWatch()
	group.Wait()
	if err := os.Remove(h.config.Endpoint); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("failed to remove transport endpoint", servicelog.Error(err))
	}
	return exitErr
}

// scanOutput reads the merged pipeline output looking for the PLAYING
// state report, dropping known noise.
func (h *Hub) scanOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if strings.Contains(line, "PLAYING") && !h.playing.Load() {
			h.playing.Store(true)
			h.logger.Info("capture pipeline reports PLAYING")
			h.maybeReady()
			continue
		}
		if servicelog.Noisy(line) {
			continue
		}
		h.logger.Debug("pipeline output", servicelog.String("line", line))
	}
}

// watchEndpoint waits for the transport endpoint file to appear.
// Readiness requires both the PLAYING report and the endpoint.
func (h *Hub) watchEndpoint(ctx context.Context) {
	// Poll as a fallback; fsnotify wakes us up faster when the
	// directory supports it.
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		dir := h.config.Endpoint
		if idx := strings.LastIndexByte(dir, '/'); idx > 0 {
			dir = dir[:idx]
		}
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
		}
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(h.config.Endpoint); err == nil {
			h.maybeReady()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
		}
	}
}

func (h *Hub) maybeReady() {
	if !h.playing.Load() {
		return
	}
	if _, err := os.Stat(h.config.Endpoint); err != nil {
		return
	}
	h.markReady()
}
