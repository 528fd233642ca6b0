// Package ingest uploads session evidence: for every track seen during
// a session, the best detection so far together with the frame image it
// came from.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
	"github.com/warpcomdev/edgeagent/internal/agent/store"
)

var (
	flushOk = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_flush_ok_total",
		Help: "Evidence batches flushed successfully",
	})
	flushError = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_flush_error_total",
		Help: "Evidence batches dropped after exhausting retries",
	})
	flushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "store_flush_latency_ms",
		Help:    "Evidence batch flush latency (ms)",
		Buckets: []float64{10, 30, 60, 120, 250, 500, 1000, 2500, 5000},
	})
)

const (
	defaultBatchMax      = 50
	defaultFlushInterval = 250 * time.Millisecond
	shutdownDeadline     = 5 * time.Second
	retryInitial         = 500 * time.Millisecond
	retryAttempts        = 3
)

// Uploader is the store surface the ingester needs.
type Uploader interface {
	Ingest(ctx context.Context, meta store.EvidenceMeta, frame []byte) (store.IngestReply, error)
}

// Encoder turns a cached frame into the JPEG evidence payload. The
// compression itself is an adapter concern, not part of the core.
type Encoder interface {
	EncodeJPEG(frame *framecache.Frame) ([]byte, error)
}

// PassthroughEncoder accepts frames already carried as JPEG.
type PassthroughEncoder struct{}

func (PassthroughEncoder) EncodeJPEG(frame *framecache.Frame) ([]byte, error) {
	if frame.PixelFormat != framecache.PixelJPEG {
		return nil, fmt.Errorf("cannot encode %s frame without a compressor adapter", frame.PixelFormat)
	}
	return append([]byte(nil), frame.Data...), nil
}

// Config for the ingester.
type Config struct {
	BatchMax      int
	FlushInterval time.Duration
}

func (c *Config) Check() {
	if c.BatchMax <= 0 {
		c.BatchMax = defaultBatchMax
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
}

// record is the best evidence for one track in the current session.
// Image and detection always originate from the same result, so the
// stored frame matches the stored bounding box.
type record struct {
	eventID   string
	frameID   uint64
	tsUTCNs   uint64
	detection detect.Detection
	image     []byte
	conf      float32
	dirty     bool
}

// Ingester accumulates per-track evidence while a session is open and
// flushes dirty records in batches.
type Ingester struct {
	logger   servicelog.Logger
	config   Config
	uploader Uploader
	encoder  Encoder
	cache    *framecache.Cache

	mu        sync.Mutex
	sessionID string
	buffering bool
	pending   []bus.DetectionEvent // events between OpenSession command and issued id
	tracks    map[string]*record
	anonSeq   uint64
	kick      chan struct{}
}

func New(logger servicelog.Logger, config Config, uploader Uploader, encoder Encoder, cache *framecache.Cache) *Ingester {
	config.Check()
	if encoder == nil {
		encoder = PassthroughEncoder{}
	}
	return &Ingester{
		logger:   logger,
		config:   config,
		uploader: uploader,
		encoder:  encoder,
		cache:    cache,
		tracks:   make(map[string]*record),
		kick:     make(chan struct{}, 1),
	}
}

// BeginSession starts buffering evidence before the session id is
// known. Detections arriving from now on are applied retroactively
// once the server issues the id.
func (i *Ingester) BeginSession() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.buffering = true
	i.sessionID = ""
	i.pending = nil
	i.tracks = make(map[string]*record)
	i.anonSeq = 0
}

// SetSession applies the issued session id and replays buffered
// detections. Evidence uploads never carry an id the server has not
// issued.
func (i *Ingester) SetSession(sessionID string) {
	i.mu.Lock()
	i.sessionID = sessionID
	i.buffering = false
	pending := i.pending
	i.pending = nil
	i.mu.Unlock()
	for _, ev := range pending {
		i.OnDetection(ev)
	}
}

// EndSession flushes the tail evidence and stops collection. Records
// dirtied since the last periodic flush would otherwise be lost when
// the session id clears.
func (i *Ingester) EndSession() {
	i.mu.Lock()
	sessionID := i.sessionID
	i.buffering = false
	i.pending = nil
	i.mu.Unlock()
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		i.flush(ctx)
		cancel()
	}
	i.mu.Lock()
	i.sessionID = ""
	i.tracks = make(map[string]*record)
	i.mu.Unlock()
}

// OnDetection records relevant detections whose frame is still cached.
func (i *Ingester) OnDetection(ev bus.DetectionEvent) {
	if !ev.Relevant {
		return
	}
	i.mu.Lock()
	if i.buffering {
		i.pending = append(i.pending, ev)
		i.mu.Unlock()
		return
	}
	if i.sessionID == "" {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	frame, ok := i.cache.Get(ev.FrameID)
	if !ok {
		i.logger.Debug("evidence frame no longer cached", servicelog.Uint64("frameId", ev.FrameID))
		return
	}
	image, err := i.encoder.EncodeJPEG(frame)
	i.cache.Release(ev.FrameID)
	if err != nil {
		i.logger.Warn("evidence encode failed", servicelog.Error(err))
		return
	}

	i.mu.Lock()
	changed := false
	for _, d := range ev.Detections {
		key := d.TrackID
		if key == "" {
			// Untracked detections never improve; each one is its own
			// event.
			i.anonSeq++
			key = fmt.Sprintf("anon-%d", i.anonSeq)
		}
		rec, seen := i.tracks[key]
		if seen && d.Conf <= rec.conf {
			// Not a strict improvement: keep the stored frame even if
			// this image is newer.
			continue
		}
		if !seen {
			rec = &record{eventID: uuid.NewString()}
			i.tracks[key] = rec
		}
		// Row and image replaced together, both from this result.
		rec.frameID = ev.FrameID
		rec.tsUTCNs = ev.TsUTCNs
		rec.detection = d
		rec.image = image
		rec.conf = d.Conf
		rec.dirty = true
		changed = true
	}
	dirty := 0
	for _, rec := range i.tracks {
		if rec.dirty {
			dirty++
		}
	}
	full := dirty >= i.config.BatchMax
	i.mu.Unlock()
	if changed && full {
		select {
		case i.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the configured interval until the context is
// cancelled, then performs a final flush under a hard deadline.
func (i *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(i.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			i.flush(final)
			cancel()
			return
		case <-ticker.C:
			i.flush(ctx)
		case <-i.kick:
			i.flush(ctx)
		}
	}
}

// flush uploads every dirty record as one idempotent batch.
func (i *Ingester) flush(ctx context.Context) {
	i.mu.Lock()
	sessionID := i.sessionID
	if sessionID == "" {
		i.mu.Unlock()
		return
	}
	type item struct {
		meta  store.EvidenceMeta
		image []byte
	}
	batchID := uuid.NewString()
	var batch []item
	for _, rec := range i.tracks {
		if !rec.dirty {
			continue
		}
		batch = append(batch, item{
			meta: store.EvidenceMeta{
				SessionID:  sessionID,
				BatchID:    batchID,
				EventID:    rec.eventID,
				FrameID:    rec.frameID,
				TsUTC:      time.Unix(0, int64(rec.tsUTCNs)).UTC().Format(time.RFC3339Nano),
				Detections: []detect.Detection{rec.detection},
			},
			image: rec.image,
		})
		rec.dirty = false
		if len(batch) >= i.config.BatchMax {
			break
		}
	}
	i.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	err := backoff.Retry(func() (returnErr error) {
		defer func() {
			returnErr = permanentIfCancel(ctx, returnErr)
		}()
		for _, it := range batch {
			if _, err := i.uploader.Ingest(ctx, it.meta, it.image); err != nil {
				return err
			}
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts), ctx))
	flushLatency.Observe(float64(time.Since(start)) / float64(time.Millisecond))
	if err != nil {
		// Batch dropped; counters tell the story.
		flushError.Inc()
		i.logger.Error("evidence flush failed, dropping batch",
			servicelog.Error(err), servicelog.Int("records", len(batch)))
		return
	}
	flushOk.Inc()
	i.logger.Debug("evidence flush complete", servicelog.Int("records", len(batch)))
}

// permanentIfCancel turns context cancellation into a permanent error
// so the backoff stops retrying.
func permanentIfCancel(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &backoff.PermanentError{Err: err}
	}
	return err
}
