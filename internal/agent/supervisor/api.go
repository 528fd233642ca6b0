package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/runtime"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
)

const (
	defaultWaitTimeout = 30 * time.Second
	waitPoll           = 250 * time.Millisecond
	childTimeout       = 2 * time.Second
	// defaultMinFrames is the heartbeat wait threshold: the worker must
	// have processed at least this many frames before start reports
	// ready.
	defaultMinFrames = 3
)

// waitCondition gates the start reply on pipeline progress.
type waitCondition string

const (
	waitNone      waitCondition = "none"
	waitHeartbeat waitCondition = "heartbeat"
	waitDetection waitCondition = "detection"
	waitSession   waitCondition = "session"
)

func parseWait(s string) (waitCondition, error) {
	switch waitCondition(s) {
	case "", waitNone:
		return waitNone, nil
	case waitHeartbeat, waitDetection, waitSession:
		return waitCondition(s), nil
	}
	return waitNone, fmt.Errorf("unknown wait condition %q", s)
}

// Status is the combined parent and child view.
type Status struct {
	Running  bool              `json:"running"`
	Pid      int               `json:"pid,omitempty"`
	LastExit string            `json:"last_exit,omitempty"`
	Pipeline *runtime.Snapshot `json:"pipeline,omitempty"`
}

// API serves the supervisor control surface.
type API struct {
	logger     servicelog.Logger
	supervisor *Supervisor
	classes    *ClassesFile
	child      *http.Client
	childBase  string
}

func NewAPI(logger servicelog.Logger, supervisor *Supervisor, classes *ClassesFile) *API {
	return &API{
		logger:     logger,
		supervisor: supervisor,
		classes:    classes,
		child:      &http.Client{Timeout: childTimeout},
		childBase:  fmt.Sprintf("http://localhost:%d", supervisor.config.ChildStatusPort),
	}
}

// Router builds the control API routes.
func (a *API) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/status", a.handleStatus)
	router.Post("/control/start", a.handleStart)
	router.Post("/control/stop", a.handleStop)
	router.Get("/config/classes", a.handleGetClasses)
	router.Put("/config/classes", a.handlePutClasses)
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/debug", middleware.Profiler())
	return router
}

// Serve runs the control API until the context is cancelled.
func (a *API) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.supervisor.config.StatusPort),
		Handler: a.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	a.logger.Info("control api listening", servicelog.String("addr", server.Addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// childStatus fetches the pipeline snapshot from the child, nil when
// the child is unreachable.
func (a *API) childStatus(ctx context.Context) *runtime.Snapshot {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.childBase+"/status", nil)
	if err != nil {
		return nil
	}
	resp, err := a.child.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var snap runtime.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil
	}
	return &snap
}

func (a *API) handleStatus(w http.ResponseWriter, req *http.Request) {
	running, pid := a.supervisor.Running()
	status := Status{
		Running:  running,
		Pid:      pid,
		LastExit: a.supervisor.LastExit(),
	}
	if running {
		status.Pipeline = a.childStatus(req.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (a *API) handleStart(w http.ResponseWriter, req *http.Request) {
	cond, err := parseWait(req.URL.Query().Get("wait"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := defaultWaitTimeout
	if ms := req.URL.Query().Get("timeoutMs"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			http.Error(w, "invalid timeoutMs", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(n) * time.Millisecond
	}
	minFrames := uint64(defaultMinFrames)
	if mf := req.URL.Query().Get("minFrames"); mf != "" {
		n, err := strconv.ParseUint(mf, 10, 64)
		if err != nil {
			http.Error(w, "invalid minFrames", http.StatusBadRequest)
			return
		}
		minFrames = n
	}

	if err := a.supervisor.Start(req.Context()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cond == waitNone {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	snap, err := a.awaitCondition(req.Context(), cond, timeout, minFrames)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		// The caller gets the last snapshot along with the timeout, so
		// it can see how far the pipeline got.
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(struct {
			Error    string            `json:"error"`
			Pipeline *runtime.Snapshot `json:"pipeline,omitempty"`
		}{Error: err.Error(), Pipeline: snap})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready", "wait": string(cond)})
}

// awaitCondition polls the child snapshot until the condition holds,
// returning the last snapshot seen in either case.
func (a *API) awaitCondition(ctx context.Context, cond waitCondition, timeout time.Duration, minFrames uint64) (*runtime.Snapshot, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	var last *runtime.Snapshot
	for {
		if snap := a.childStatus(ctx); snap != nil {
			last = snap
			if conditionMet(cond, snap, minFrames) {
				return last, nil
			}
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("pipeline did not reach %s within %s", cond, timeout)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func conditionMet(cond waitCondition, snap *runtime.Snapshot, minFrames uint64) bool {
	switch cond {
	case waitHeartbeat:
		return snap.WorkerState == "READY" && snap.FramesProcessed >= minFrames
	case waitDetection:
		return snap.Detections > 0
	case waitSession:
		return snap.SessionsOpened > 0
	}
	return true
}

func (a *API) handleStop(w http.ResponseWriter, req *http.Request) {
	if err := a.supervisor.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (a *API) handleGetClasses(w http.ResponseWriter, req *http.Request) {
	classes := a.classes.Current()
	// An empty override means no restriction: the effective set is the
	// whole catalog.
	effective := classes
	if len(effective) == 0 {
		effective = detect.Catalog
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"classes":   classes,
		"effective": effective,
		"catalog":   detect.Catalog,
	})
}

func (a *API) handlePutClasses(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Classes []string `json:"classes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := detect.ValidateClasses(body.Classes); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := a.classes.Save(body.Classes); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Best effort: a running child picks the filter up immediately, a
	// stopped one reads the override file on its next start.
	a.forwardClasses(req.Context(), body.Classes)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"classes": body.Classes})
}

func (a *API) forwardClasses(ctx context.Context, classes []string) {
	payload, err := json.Marshal(map[string][]string{"classes": classes})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.childBase+"/config/classes", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.child.Do(req)
	if err != nil {
		a.logger.Debug("class filter forward skipped", servicelog.Error(err))
		return
	}
	resp.Body.Close()
}
