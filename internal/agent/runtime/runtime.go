// Package runtime wires the capture-to-evidence pipeline inside the
// child process: hub, feeder, worker client, state machine, evidence
// ingest and the status endpoint.
package runtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/warpcomdev/edgeagent/internal/agent/aiclient"
	"github.com/warpcomdev/edgeagent/internal/agent/aiproto"
	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/feeder"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"github.com/warpcomdev/edgeagent/internal/agent/hub"
	"github.com/warpcomdev/edgeagent/internal/agent/ingest"
	"github.com/warpcomdev/edgeagent/internal/agent/orchestrator"
	"github.com/warpcomdev/edgeagent/internal/agent/publisher"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
	"github.com/warpcomdev/edgeagent/internal/agent/store"
)

const (
	defaultCacheEntries = 64
	defaultCacheBytes   = 256 * 1024 * 1024
	defaultReadyTimeout = 30 * time.Second
	httpShutdownGrace   = 2 * time.Second
)

// Config aggregates the per-component configurations for one pipeline.
type Config struct {
	DeviceID   string
	StreamPath string
	StatusPort int

	Hub       hub.Config
	Feeder    feeder.Config
	Worker    aiclient.Config
	Store     store.Config
	Publisher publisher.Config
	Ingest    ingest.Config
	Timers    orchestrator.Timers

	Threshold float32
	Classes   []string

	CacheEntries    int
	CacheBytes      int
	HubReadyTimeout time.Duration
}

// Check normalizes the configuration, delegating to each component.
func (c *Config) Check() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if c.StatusPort <= 0 {
		return fmt.Errorf("invalid status port %d", c.StatusPort)
	}
	if err := c.Hub.Check(); err != nil {
		return err
	}
	if err := c.Publisher.Check(); err != nil {
		return err
	}
	if err := detect.ValidateClasses(c.Classes); err != nil {
		return err
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		c.Threshold = 0.5
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = defaultCacheEntries
	}
	if c.CacheBytes == 0 {
		c.CacheBytes = defaultCacheBytes
	}
	if c.HubReadyTimeout <= 0 {
		c.HubReadyTimeout = defaultReadyTimeout
	}
	c.Ingest.Check()
	c.Timers.Check()
	return nil
}

// Snapshot is the status report served to the supervisor.
type Snapshot struct {
	State           string   `json:"state"`
	SessionID       string   `json:"session_id,omitempty"`
	HubReady        bool     `json:"hub_ready"`
	WorkerState     string   `json:"worker_state"`
	Publishing      bool     `json:"publishing"`
	FramesIngested  uint64   `json:"frames_ingested"`
	FramesProcessed uint64   `json:"frames_processed"`
	Detections      uint64   `json:"detections"`
	SessionsOpened  uint64   `json:"sessions_opened"`
	Classes         []string `json:"classes"`
	Threshold       float32  `json:"threshold"`
	LastError       string   `json:"last_error,omitempty"`
}

// Runtime is the child-side pipeline assembly.
type Runtime struct {
	logger servicelog.Logger
	config Config

	events   *bus.Bus
	cache    *framecache.Cache
	hub      *hub.Hub
	feed     *feeder.Feeder
	client   *aiclient.Client
	machine  *orchestrator.Orchestrator
	ingester *ingest.Ingester
	publish  *publisher.Controller

	filterMu sync.RWMutex
	filter   detect.FilterConfig
	classes  []string

	framesProcessed atomic.Uint64
	detections      atomic.Uint64
	sessionsOpened  atomic.Uint64
}

// New assembles the pipeline. The configuration must already be
// checked.
func New(logger servicelog.Logger, config Config) *Runtime {
	r := &Runtime{
		logger:  logger,
		config:  config,
		classes: config.Classes,
		filter:  detect.NewFilterConfig(config.Threshold, config.Classes),
	}
	r.events = bus.New(logger)
	r.cache = framecache.New(config.CacheEntries, config.CacheBytes)
	r.hub = hub.New(logger, config.Hub)
	r.publish = publisher.New(logger, config.Publisher, r.events)

	httpClient := &http.Client{
		Timeout: config.Store.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.Store.SkipVerify,
			},
		},
	}
	server := store.New(logger, store.Logged(logger, httpClient), config.Store)
	r.ingester = ingest.New(logger, config.Ingest, server, nil, r.cache)

	r.client = aiclient.New(logger, config.Worker, r.onResult, r.onReady)
	source := feeder.NewStreamSource(config.Hub.Endpoint, config.Hub.Width, config.Hub.Height)
	r.feed = feeder.New(logger, config.Feeder, source, r.client, r.cache)

	r.machine = orchestrator.New(logger, r.events, config.Timers, orchestrator.Adapters{
		Publisher:  r.publish,
		Store:      server,
		Worker:     r.client,
		Feeder:     r.feed,
		Evidence:   r.ingester,
		StreamPath: config.StreamPath,
	})
	return r
}

// onReady runs after each worker handshake: fresh connection, fresh
// frame numbering.
func (r *Runtime) onReady(ok aiproto.InitOk) {
	r.feed.ResetSequence(ok)
}

// onResult filters one worker result and turns it into a bus event.
func (r *Runtime) onResult(res *detect.Result, sentUTCNs uint64) {
	r.framesProcessed.Inc()
	r.filterMu.RLock()
	cfg := r.filter
	r.filterMu.RUnlock()
	kept := detect.Filter(res.Detections, cfg)
	r.detections.Add(uint64(len(kept)))
	ev := bus.DetectionEvent{
		FrameID:    res.FrameID,
		TsUTCNs:    sentUTCNs,
		Relevant:   detect.IsRelevant(kept),
		Score:      detect.Score(kept),
		Detections: kept,
	}
	if len(res.Detections) == 0 {
		r.events.Publish(bus.TopicKeepalive, ev)
		return
	}
	r.events.Publish(bus.TopicDetection, ev)
}

// SetClasses replaces the detection class filter at runtime.
func (r *Runtime) SetClasses(classes []string) error {
	if err := detect.ValidateClasses(classes); err != nil {
		return err
	}
	r.filterMu.Lock()
	r.classes = classes
	r.filter = detect.NewFilterConfig(r.config.Threshold, classes)
	r.filterMu.Unlock()
	r.logger.Info("class filter updated", servicelog.Int("classes", len(classes)))
	return nil
}

// Classes returns the active class filter.
func (r *Runtime) Classes() []string {
	r.filterMu.RLock()
	defer r.filterMu.RUnlock()
	return append([]string(nil), r.classes...)
}

// Status snapshots the pipeline for the supervisor.
func (r *Runtime) Status() Snapshot {
	state, sessionID, lastErr := r.machine.State()
	return Snapshot{
		State:           state,
		SessionID:       sessionID,
		HubReady:        r.hub.Ready(),
		WorkerState:     r.client.State().String(),
		Publishing:      r.publish.Running(),
		FramesIngested:  r.feed.FramesIngested(),
		FramesProcessed: r.framesProcessed.Load(),
		Detections:      r.detections.Load(),
		SessionsOpened:  r.sessionsOpened.Load(),
		Classes:         r.Classes(),
		Threshold:       r.config.Threshold,
		LastError:       lastErr,
	}
}

// Run brings the pipeline up and blocks until the context is
// cancelled. Components are stopped in reverse dependency order.
func (r *Runtime) Run(ctx context.Context) error {
	unsubDetection := r.events.Subscribe(bus.TopicDetection, func(ev bus.Event) {
		if de, ok := ev.Payload.(bus.DetectionEvent); ok {
			r.ingester.OnDetection(de)
		}
	})
	defer unsubDetection()
	unsubOpen := r.events.Subscribe(bus.TopicSessionOpen, func(bus.Event) {
		r.sessionsOpened.Inc()
	})
	defer unsubOpen()

	r.hub.Start()
	defer r.hub.Stop()
	if err := r.hub.AwaitReady(r.config.HubReadyTimeout); err != nil {
		// Keep going: the supervisor loop keeps retrying the pipeline
		// and the feeder reopens the endpoint when it appears.
		r.logger.Warn("capture pipeline not ready yet", servicelog.Error(err))
	}

	var group sync.WaitGroup
	group.Add(3)
	go func() {
		defer group.Done()
		r.client.Run(ctx)
	}()
	go func() {
		defer group.Done()
		if err := r.feed.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("feeder stopped", servicelog.Error(err))
		}
	}()
	go func() {
		defer group.Done()
		r.ingester.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	httpServer := r.statusServer(serverErr)

	// The orchestrator loop runs in the foreground; cancellation closes
	// any open session before components wind down.
	r.machine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	httpServer.Shutdown(shutdownCtx)
	cancel()
	r.client.Shutdown()
	r.publish.Stop(0)
	group.Wait()
	r.events.Close()
	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}

// statusServer exposes the child status and metrics over HTTP.
func (r *Runtime) statusServer(serverErr chan<- error) *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r.Status())
	})
	router.Get("/config/classes", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"classes": r.Classes()})
	})
	router.Put("/config/classes", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Classes []string `json:"classes"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.SetClasses(body.Classes); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", r.config.StatusPort),
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	r.logger.Info("status endpoint listening", servicelog.String("addr", server.Addr))
	return server
}
