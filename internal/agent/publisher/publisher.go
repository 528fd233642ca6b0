// Package publisher controls the on-demand subprocess that republishes
// the live shared buffer to the RTSP media server while a session is
// being recorded.
package publisher

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var publishStarts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "publish_starts_total",
	Help: "Recording republish subprocess launches",
})

const defaultGrace = 1500 * time.Millisecond

// Config for the republish subprocess. Command is the full pipeline
// line; Path is the RTSP path it publishes to (informational).
type Config struct {
	Command string
	Path    string
}

func (c *Config) Check() error {
	if c.Command == "" {
		return errors.New("publisher command is required")
	}
	return nil
}

// Controller starts and stops the republish subprocess.
type Controller struct {
	logger servicelog.Logger
	config Config
	events *bus.Bus

	mu   sync.Mutex
	cmd  *exec.Cmd
	wait chan error
}

func New(logger servicelog.Logger, config Config, events *bus.Bus) *Controller {
	return &Controller{
		logger: logger.With(servicelog.String("path", config.Path)),
		config: config,
		events: events,
	}
}

// Start launches the subprocess. Idempotent: a second Start while the
// process runs is a no-op. It returns once the process is running; it
// does not wait for server-side recording readiness.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return nil
	}
	cmd := exec.Command("/bin/sh", "-c", c.config.Command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		c.events.Publish(bus.TopicStreamError, bus.StreamEvent{Path: c.config.Path, Err: err})
		return err
	}
	publishStarts.Inc()
	c.logger.Info("republish started", servicelog.Int("pid", cmd.Process.Pid))
	go c.drainOutput(stdout)
	wait := make(chan error, 1)
	go func() {
		wait <- cmd.Wait()
	}()
	c.cmd = cmd
	c.wait = wait
	c.events.Publish(bus.TopicStreamStart, bus.StreamEvent{Path: c.config.Path})
	return nil
}

func (c *Controller) drainOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if servicelog.Noisy(line) {
			continue
		}
		c.logger.Debug("republish output", servicelog.String("line", line))
	}
}

// Running reports whether the subprocess is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Stop interrupts the subprocess, escalating to kill after the grace
// period. The RTSP socket is released before Stop returns because the
// process is confirmed dead either way.
func (c *Controller) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = defaultGrace
	}
	c.mu.Lock()
	cmd := c.cmd
	wait := c.wait
	c.cmd = nil
	c.wait = nil
	c.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.Process.Signal(os.Interrupt)
	select {
	case err := <-wait:
		c.logExit(err)
	case <-time.After(grace):
		c.logger.Warn("republish did not stop in time, killing", servicelog.Duration("grace", grace))
		cmd.Process.Kill()
		c.logExit(<-wait)
	}
	c.events.Publish(bus.TopicStreamStop, bus.StreamEvent{Path: c.config.Path})
}

func (c *Controller) logExit(err error) {
	if err != nil {
		c.logger.Info("republish exited", servicelog.Error(err))
		return
	}
	c.logger.Info("republish exited")
}
