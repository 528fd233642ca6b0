// Package aiclient maintains the framed TCP stream to the inference
// worker: handshake, credit-based frame admission, result correlation,
// heartbeats and reconnection.
package aiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warpcomdev/edgeagent/internal/agent/aiproto"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_frames_sent_total",
		Help: "Frames sent to the inference worker",
	})
	detectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_detections_total",
		Help: "Detections received from the inference worker",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_reconnects_total",
		Help: "Reconnections to the inference worker",
	})
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai_inflight",
		Help: "Frames currently awaiting a worker result",
	})
	windowGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai_window_size",
		Help: "Available flow control credits",
	})
	resultLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_result_latency_ms",
		Help:    "Round trip latency from frame send to result (ms)",
		Buckets: []float64{10, 30, 60, 120, 250, 500, 1000, 2500},
	})
)

type clientError string

func (e clientError) Error() string {
	return string(e)
}

const (
	// ErrNotReady is returned by SendFrame outside the READY state.
	ErrNotReady = clientError("client not ready")
	// ErrNoCredit is returned by SendFrame with zero credits or a
	// frame already in flight.
	ErrNoCredit = clientError("no send credit available")
	// ErrFrameTooLarge rejects frames above the negotiated limit.
	ErrFrameTooLarge = clientError("frame exceeds negotiated max_frame_bytes")
)

// WorkerError is a failure reported by the worker inside the stream.
type WorkerError struct {
	Code    int32
	Message string
}

func (e WorkerError) Error() string {
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// State of the protocol connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected // TCP up, awaiting InitOk
	Ready
	Draining
)

var stateNames = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "READY", "DRAINING"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

const (
	heartbeatInterval = 2 * time.Second
	livenessTimeout   = 10 * time.Second
	shutdownDrain     = 100 * time.Millisecond
	dialTimeout       = 5 * time.Second
)

// reconnectDelays is the fixed reconnection schedule; the last entry
// repeats forever.
var reconnectDelays = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Config for the protocol client. Init is resent verbatim after every
// reconnect; the worker must tolerate re-initialization.
type Config struct {
	Addr string
	Init aiproto.Init
}

// ResultHandler consumes correlated results. sentUTCNs is the capture
// wall clock recorded when the frame was admitted.
type ResultHandler func(res *detect.Result, sentUTCNs uint64)

// ReadyHandler runs after each successful handshake, before any frame
// is admitted. The feeder uses it to reset frame numbering.
type ReadyHandler func(ok aiproto.InitOk)

type pendingFrame struct {
	tsUTCNs  uint64
	sentMono time.Time
}

// Client implements the agent side of AI Protocol v1.
type Client struct {
	logger   servicelog.Logger
	config   Config
	onResult ResultHandler
	onReady  ReadyHandler

	mu             sync.Mutex
	state          State
	conn           net.Conn
	writer         *aiproto.FrameWriter
	credits        uint32
	initialCredits uint32
	maxFrameBytes  uint64
	inflight       bool
	pending        map[uint64]pendingFrame
	lastSeen       uint64 // highest frame id admitted this connection
	sessionID      string
	lastRecv       time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(logger servicelog.Logger, config Config, onResult ResultHandler, onReady ReadyHandler) *Client {
	return &Client{
		logger:   logger.With(servicelog.String("worker", config.Addr)),
		config:   config,
		onResult: onResult,
		onReady:  onReady,
		pending:  make(map[uint64]pendingFrame),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns a snapshot of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanSend reports whether a frame would be admitted right now: READY,
// credit available, nothing in flight.
func (c *Client) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Ready && c.credits > 0 && !c.inflight
}

// SetSessionID tags subsequent frames with the open session. Cleared
// with an empty id when the session closes.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// CloseSession clears the session tag if it matches the given id.
// Closing an unknown or empty id is a no-op.
func (c *Client) CloseSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" && c.sessionID == id {
		c.sessionID = ""
	}
}

// SendFrame admits one frame to the worker. The frame must already be
// stored in the frame cache by the caller.
func (c *Client) SendFrame(frame *framecache.Frame) error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.credits == 0 || c.inflight {
		c.mu.Unlock()
		return ErrNoCredit
	}
	if c.maxFrameBytes > 0 && uint64(len(frame.Data)) > c.maxFrameBytes {
		c.mu.Unlock()
		return ErrFrameTooLarge
	}
	env := &aiproto.Envelope{
		Type:     aiproto.MsgFrame,
		StreamID: c.sessionID,
		Frame: &aiproto.Frame{
			FrameID:     frame.ID,
			TsISO:       time.Unix(0, int64(frame.TsUTCNs)).UTC().Format(time.RFC3339Nano),
			TsMonoNs:    frame.TsMonoNs,
			TsUTCNs:     frame.TsUTCNs,
			Width:       frame.Width,
			Height:      frame.Height,
			PixelFormat: string(frame.PixelFormat),
			Planes:      frame.Planes,
			Data:        frame.Data,
		},
	}
	writer := c.writer
	c.credits--
	c.inflight = true
	c.lastSeen = frame.ID
	c.pending[frame.ID] = pendingFrame{
		tsUTCNs:  frame.TsUTCNs,
		sentMono: time.Now(),
	}
	windowGauge.Set(float64(c.credits))
	inflightGauge.Set(1)
	c.mu.Unlock()

	if err := writer.WriteFrame(aiproto.Marshal(env)); err != nil {
		c.dropConnection(fmt.Errorf("frame write failed: %w", err))
		return err
	}
	framesSent.Inc()
	return nil
}

// Run drives the connect/reconnect loop until the context is cancelled
// or Shutdown is called.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}
		err := c.connectAndServe(ctx)
		if err == nil {
			// Clean shutdown.
			return
		}
		reconnects.Inc()
		delay := reconnectDelays[len(reconnectDelays)-1]
		if attempt < len(reconnectDelays) {
			delay = reconnectDelays[attempt]
		}
		attempt++
		c.logger.Warn("worker connection lost, reconnecting",
			servicelog.Error(err),
			servicelog.Duration("delay", delay),
			servicelog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-time.After(delay):
		}
	}
}

// Shutdown sends the Shutdown message, waits briefly and closes.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		writer := c.writer
		if c.state == Ready {
			c.state = Draining
		}
		c.mu.Unlock()
		if writer != nil {
			env := &aiproto.Envelope{Type: aiproto.MsgShutdown, Shutdown: true}
			if err := writer.WriteFrame(aiproto.Marshal(env)); err != nil {
				c.logger.Debug("shutdown write failed", servicelog.Error(err))
			}
			time.Sleep(shutdownDrain)
		}
		close(c.stop)
		c.dropConnection(nil)
	})
	<-c.done
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// dropConnection closes the socket; the reader loop will surface the
// error to Run.
func (c *Client) dropConnection(err error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.writer = nil
	c.mu.Unlock()
	if conn != nil {
		if err != nil {
			c.logger.Warn("dropping worker connection", servicelog.Error(err))
		}
		conn.Close()
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		c.setState(Disconnected)
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
	writer := aiproto.NewFrameWriter(conn)
	reader := aiproto.NewFrameReader(conn)

	c.mu.Lock()
	c.conn = conn
	c.writer = writer
	c.state = Connected
	c.lastRecv = time.Now()
	c.mu.Unlock()

	// Handshake: Init, await InitOk.
	init := c.config.Init
	env := &aiproto.Envelope{Type: aiproto.MsgInit, Init: &init}
	if err := writer.WriteFrame(aiproto.Marshal(env)); err != nil {
		c.failConnection()
		return fmt.Errorf("init write failed: %w", err)
	}
	ok, err := c.awaitInitOk(reader, conn)
	if err != nil {
		c.failConnection()
		return err
	}

	c.mu.Lock()
	c.credits = ok.InitialCredits
	c.initialCredits = ok.InitialCredits
	c.maxFrameBytes = ok.MaxFrameBytes
	c.inflight = false
	// Frames still pending from the previous connection are abandoned;
	// their results will never arrive.
	c.pending = make(map[uint64]pendingFrame)
	c.lastSeen = 0
	c.state = Ready
	c.mu.Unlock()
	windowGauge.Set(float64(ok.InitialCredits))
	inflightGauge.Set(0)
	c.logger.Info("worker handshake complete",
		servicelog.String("format", ok.ChosenFormat),
		servicelog.String("codec", ok.ChosenCodec),
		servicelog.Int("credits", int(ok.InitialCredits)),
		servicelog.Uint64("maxFrameBytes", ok.MaxFrameBytes))
	if c.onReady != nil {
		c.onReady(*ok)
	}

	// Heartbeat ticker and liveness watchdog run for this connection.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var group sync.WaitGroup
	group.Add(1)
	go func() {
		defer group.Done()
		c.heartbeatLoop(connCtx, writer, conn)
	}()
	defer group.Wait()

	err = c.readLoop(reader)
	c.failConnection()
	cancel()
	select {
	case <-c.stop:
		return nil
	default:
	}
	return err
}

func (c *Client) failConnection() {
	c.dropConnection(nil)
	c.mu.Lock()
	c.state = Disconnected
	c.credits = 0
	c.inflight = false
	c.mu.Unlock()
	windowGauge.Set(0)
	inflightGauge.Set(0)
}

// awaitInitOk reads messages until the handshake completes. Heartbeats
// may arrive while the worker loads its model.
func (c *Client) awaitInitOk(reader *aiproto.FrameReader, conn net.Conn) (*aiproto.InitOk, error) {
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		env, err := aiproto.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		c.touch()
		switch env.Type {
		case aiproto.MsgInitOk:
			if env.InitOk == nil {
				return nil, fmt.Errorf("%w: InitOk without payload", aiproto.ErrDecode)
			}
			return env.InitOk, nil
		case aiproto.MsgHeartbeat:
			// Worker still warming up.
		case aiproto.MsgError:
			if env.Error != nil {
				return nil, WorkerError{Code: env.Error.Code, Message: env.Error.Message}
			}
			return nil, fmt.Errorf("%w: Error without payload", aiproto.ErrDecode)
		default:
			return nil, fmt.Errorf("%w: unexpected %s during handshake", aiproto.ErrDecode, env.Type)
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()
}

func (c *Client) heartbeatLoop(ctx context.Context, writer *aiproto.FrameWriter, conn net.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		env := &aiproto.Envelope{
			Type:      aiproto.MsgHeartbeat,
			Heartbeat: &aiproto.Heartbeat{TsMonoNs: uint64(monotime())},
		}
		c.mu.Lock()
		w := c.writer
		stale := time.Since(c.lastRecv) > livenessTimeout
		c.mu.Unlock()
		if w == nil || w != writer {
			return
		}
		if stale {
			c.logger.Warn("worker liveness timeout", servicelog.Duration("timeout", livenessTimeout))
			conn.Close()
			return
		}
		if err := writer.WriteFrame(aiproto.Marshal(env)); err != nil {
			c.logger.Debug("heartbeat write failed", servicelog.Error(err))
			conn.Close()
			return
		}
	}
}

func (c *Client) readLoop(reader *aiproto.FrameReader) error {
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		env, err := aiproto.Unmarshal(payload)
		if err != nil {
			// Framing is broken: force a reconnect.
			return err
		}
		c.touch()
		switch env.Type {
		case aiproto.MsgResult:
			if env.Result != nil {
				c.handleResult(env.Result)
			}
		case aiproto.MsgWindowUpdate:
			if env.WindowUpdate != nil {
				c.creditBack(env.WindowUpdate.Credits)
			}
		case aiproto.MsgHeartbeat:
			// Already accounted by touch.
		case aiproto.MsgError:
			if env.Error != nil {
				c.logger.Warn("worker reported error",
					servicelog.Int("code", int(env.Error.Code)),
					servicelog.String("message", env.Error.Message))
			}
		case aiproto.MsgShutdown:
			return errors.New("worker requested shutdown")
		default:
			return fmt.Errorf("%w: unexpected message type %d", aiproto.ErrDecode, env.Type)
		}
	}
}

func (c *Client) creditBack(n uint32) {
	if n == 0 {
		n = 1
	}
	c.mu.Lock()
	c.credits += n
	if c.credits > c.initialCredits {
		// Credits saturate at the negotiated window.
		c.credits = c.initialCredits
	}
	// A window update stands in for a result the worker discarded.
	c.inflight = false
	windowGauge.Set(float64(c.credits))
	inflightGauge.Set(0)
	c.mu.Unlock()
}

func (c *Client) handleResult(res *detect.Result) {
	c.mu.Lock()
	p, ok := c.pending[res.FrameID]
	if !ok || res.FrameID > c.lastSeen {
		c.mu.Unlock()
		// Stale result from a previous connection, or an id the agent
		// never sent. Logged and dropped; no credit accounting.
		c.logger.Debug("dropping uncorrelated result", servicelog.Uint64("frameId", res.FrameID))
		return
	}
	delete(c.pending, res.FrameID)
	c.inflight = false
	c.credits++
	if c.credits > c.initialCredits {
		c.credits = c.initialCredits
	}
	windowGauge.Set(float64(c.credits))
	inflightGauge.Set(0)
	c.mu.Unlock()

	resultLatency.Observe(float64(time.Since(p.sentMono)) / float64(time.Millisecond))
	detectionsTotal.Add(float64(len(res.Detections)))
	if c.onResult != nil {
		c.onResult(res, p.tsUTCNs)
	}
}

func monotime() int64 {
	return time.Now().UnixNano()
}
