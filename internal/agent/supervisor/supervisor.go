// Package supervisor is the parent side of the agent: it owns the child
// pipeline process and exposes the control API used by operators and
// fleet tooling.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var childRestarts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "child_restarts_total",
	Help: "Pipeline child process restarts after unexpected exits",
})

const (
	stopGrace    = 3 * time.Second
	restartDelay = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNotRunning     = errors.New("pipeline not running")
)

// Config for the supervisor. Executable defaults to the current binary;
// the child is the same program run with the -child flag.
type Config struct {
	Executable      string
	ConfigPath      string
	StatusPort      int
	ChildStatusPort int
	Autostart       bool
	PidFile         string
	ClassesFile     string
	Env             []string
}

// Check normalizes the configuration.
func (c *Config) Check() error {
	if c.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate executable: %w", err)
		}
		c.Executable = exe
	}
	if c.StatusPort <= 0 {
		return fmt.Errorf("invalid status port %d", c.StatusPort)
	}
	if c.ChildStatusPort <= 0 {
		c.ChildStatusPort = c.StatusPort + 1
	}
	return nil
}

// Supervisor manages the child pipeline process lifecycle.
type Supervisor struct {
	logger  servicelog.Logger
	config  Config
	classes *ClassesFile

	mu        sync.Mutex
	cmd       *exec.Cmd
	wait      chan error
	stopping  bool
	startedAt time.Time
	lastExit  string
}

func New(logger servicelog.Logger, config Config, classes *ClassesFile) *Supervisor {
	return &Supervisor{
		logger:  logger,
		config:  config,
		classes: classes,
	}
}

// Running reports whether the child process is alive, and its pid.
func (s *Supervisor) Running() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false, 0
	}
	return true, s.cmd.Process.Pid
}

// LastExit describes the most recent child exit, empty if none.
func (s *Supervisor) LastExit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

// Start launches the child pipeline process. It returns once the
// process is spawned; readiness is a separate concern handled by the
// wait conditions of the control API.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyRunning
	}
	args := []string{"-child"}
	if s.config.ConfigPath != "" {
		args = append(args, "-c", s.config.ConfigPath)
	}
	cmd := exec.Command(s.config.Executable, args...)
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("EDGE_AGENT_STATUS_PORT=%d", s.config.ChildStatusPort))
	if s.classes != nil {
		cmd.Env = append(cmd.Env, "EDGE_AGENT_CLASSES_FILTER="+s.classes.Env())
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot spawn pipeline child: %w", err)
	}
	s.logger.Info("pipeline child started", servicelog.Int("pid", cmd.Process.Pid))
	s.writePidFile(cmd.Process.Pid)

	wait := make(chan error, 1)
	go func() {
		wait <- cmd.Wait()
	}()
	s.cmd = cmd
	s.wait = wait
	s.stopping = false
	s.startedAt = time.Now()
	go s.reap(ctx, cmd, wait)
	return nil
}

// reap collects the child's exit and restarts it if the exit was not
// requested.
func (s *Supervisor) reap(ctx context.Context, cmd *exec.Cmd, wait chan error) {
	err := <-wait
	s.mu.Lock()
	requested := s.stopping || s.cmd != cmd
	if s.cmd == cmd {
		s.cmd = nil
		s.wait = nil
	}
	if err != nil {
		s.lastExit = err.Error()
	} else {
		s.lastExit = "exit status 0"
	}
	s.mu.Unlock()
	s.removePidFile()
	if requested || ctx.Err() != nil {
		return
	}
	childRestarts.Inc()
	s.logger.Warn("pipeline child exited unexpectedly, restarting",
		servicelog.Error(err), servicelog.Duration("delay", restartDelay))
	select {
	case <-ctx.Done():
		return
	case <-time.After(restartDelay):
	}
	if err := s.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.logger.Error("pipeline child restart failed", servicelog.Error(err))
	}
}

// Stop interrupts the child and escalates to SIGKILL after the grace
// period. Stopping an already stopped pipeline is an error so the API
// can report 409.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	wait := s.wait
	s.stopping = true
	s.cmd = nil
	s.wait = nil
	s.mu.Unlock()
	if cmd == nil {
		return ErrNotRunning
	}
	cmd.Process.Signal(syscall.SIGINT)
	select {
	case err := <-wait:
		s.logExit(err)
	case <-time.After(stopGrace):
		s.logger.Warn("pipeline child did not stop in time, killing")
		cmd.Process.Kill()
		s.logExit(<-wait)
	}
	s.removePidFile()
	return nil
}

func (s *Supervisor) logExit(err error) {
	if err != nil {
		s.logger.Info("pipeline child exited", servicelog.Error(err))
		return
	}
	s.logger.Info("pipeline child exited")
}

func (s *Supervisor) writePidFile(pid int) {
	if s.config.PidFile == "" {
		return
	}
	if err := os.WriteFile(s.config.PidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		s.logger.Warn("cannot write pid file", servicelog.Error(err))
	}
}

func (s *Supervisor) removePidFile() {
	if s.config.PidFile == "" {
		return
	}
	if err := os.Remove(s.config.PidFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cannot remove pid file", servicelog.Error(err))
	}
}
