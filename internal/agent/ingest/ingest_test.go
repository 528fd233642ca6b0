package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpcomdev/edgeagent/internal/agent/bus"
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"github.com/warpcomdev/edgeagent/internal/agent/servicelog"
	"github.com/warpcomdev/edgeagent/internal/agent/store"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploads  []store.EvidenceMeta
	images   [][]byte
	failures int
}

func (u *fakeUploader) Ingest(ctx context.Context, meta store.EvidenceMeta, frame []byte) (store.IngestReply, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return store.IngestReply{}, errors.New("store unavailable")
	}
	u.uploads = append(u.uploads, meta)
	u.images = append(u.images, append([]byte(nil), frame...))
	return store.IngestReply{Inserted: 1}, nil
}

func (u *fakeUploader) uploaded() []store.EvidenceMeta {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]store.EvidenceMeta(nil), u.uploads...)
}

func cacheWithJPEG(t *testing.T, ids ...uint64) *framecache.Cache {
	t.Helper()
	cache := framecache.New(32, 1<<20)
	for _, id := range ids {
		require.NoError(t, cache.Put(&framecache.Frame{
			ID:          id,
			PixelFormat: framecache.PixelJPEG,
			Data:        []byte{0xff, 0xd8, byte(id)},
		}))
	}
	return cache
}

func detectionEvent(frameID uint64, dets ...detect.Detection) bus.DetectionEvent {
	return bus.DetectionEvent{
		FrameID:    frameID,
		TsUTCNs:    1000 * frameID,
		Relevant:   true,
		Score:      detect.Score(dets),
		Detections: dets,
	}
}

func newIngester(t *testing.T, uploader Uploader, cache *framecache.Cache) *Ingester {
	t.Helper()
	return New(servicelog.Nop(), Config{BatchMax: 10}, uploader, nil, cache)
}

func TestEvidenceUploadedOnFlush(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)

	ing.BeginSession()
	ing.SetSession("sess-1")
	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))
	ing.flush(context.Background())

	uploads := uploader.uploaded()
	require.Len(t, uploads, 1)
	assert.Equal(t, "sess-1", uploads[0].SessionID)
	assert.Equal(t, uint64(1), uploads[0].FrameID)
	assert.NotEmpty(t, uploads[0].BatchID)
	assert.NotEmpty(t, uploads[0].EventID)
	require.Len(t, uploads[0].Detections, 1)
	assert.Equal(t, "t1", uploads[0].Detections[0].TrackID)
}

func TestStrictImprovementOnly(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1, 2, 3)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")

	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.6, TrackID: "t1"}))
	// Equal confidence is not an improvement: frame 1 stays.
	ing.OnDetection(detectionEvent(2, detect.Detection{Class: "person", Conf: 0.6, TrackID: "t1"}))
	ing.flush(context.Background())

	uploads := uploader.uploaded()
	require.Len(t, uploads, 1)
	assert.Equal(t, uint64(1), uploads[0].FrameID)
	assert.Equal(t, float32(0.6), uploads[0].Detections[0].Conf)

	// Higher confidence replaces row and image together.
	ing.OnDetection(detectionEvent(3, detect.Detection{Class: "person", Conf: 0.9, TrackID: "t1"}))
	ing.flush(context.Background())

	uploads = uploader.uploaded()
	require.Len(t, uploads, 2)
	assert.Equal(t, uint64(3), uploads[1].FrameID)
	assert.Equal(t, float32(0.9), uploads[1].Detections[0].Conf)
	// Same logical event: the event id is stable across improvements.
	assert.Equal(t, uploads[0].EventID, uploads[1].EventID)
	// A new upload batch gets a new batch id.
	assert.NotEqual(t, uploads[0].BatchID, uploads[1].BatchID)
}

func TestCleanRecordsNotReflushed(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")
	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))

	ing.flush(context.Background())
	ing.flush(context.Background())
	assert.Len(t, uploader.uploaded(), 1)
}

func TestBufferingBeforeSessionID(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1, 2)
	ing := newIngester(t, uploader, cache)

	ing.BeginSession()
	// Detections between the open command and the issued id are held.
	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.7, TrackID: "t1"}))
	ing.OnDetection(detectionEvent(2, detect.Detection{Class: "dog", Conf: 0.6, TrackID: "t2"}))
	ing.flush(context.Background())
	assert.Empty(t, uploader.uploaded(), "nothing uploads before the server issues an id")

	ing.SetSession("sess-1")
	ing.flush(context.Background())
	uploads := uploader.uploaded()
	assert.Len(t, uploads, 2)
	for _, up := range uploads {
		assert.Equal(t, "sess-1", up.SessionID)
	}
}

func TestNoSessionNoEvidence(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)

	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))
	ing.flush(context.Background())
	assert.Empty(t, uploader.uploaded())
}

func TestIrrelevantDetectionIgnored(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")

	ev := detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"})
	ev.Relevant = false
	ing.OnDetection(ev)
	ing.flush(context.Background())
	assert.Empty(t, uploader.uploaded())
}

func TestEvictedFrameSkipped(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")

	// Frame 7 was never cached (or already evicted).
	ing.OnDetection(detectionEvent(7, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))
	ing.flush(context.Background())
	assert.Empty(t, uploader.uploaded())
}

func TestUntrackedDetectionsAreSeparateEvents(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1, 2)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")

	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.5}))
	ing.OnDetection(detectionEvent(2, detect.Detection{Class: "person", Conf: 0.4}))
	ing.flush(context.Background())

	uploads := uploader.uploaded()
	require.Len(t, uploads, 2)
	assert.NotEqual(t, uploads[0].EventID, uploads[1].EventID)
}

func TestFlushRetriesTransientFailure(t *testing.T) {
	uploader := &fakeUploader{failures: 1}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")
	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))

	ing.flush(context.Background())
	assert.Len(t, uploader.uploaded(), 1, "one transient failure must be retried")
}

func TestEndSessionFlushesTailEvidence(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")
	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))

	// No periodic flush ran yet: ending the session must upload the
	// dirty record instead of dropping it.
	ing.EndSession()
	uploads := uploader.uploaded()
	require.Len(t, uploads, 1)
	assert.Equal(t, "sess-1", uploads[0].SessionID)
	assert.Equal(t, uint64(1), uploads[0].FrameID)
}

func TestEndSessionStopsCollection(t *testing.T) {
	uploader := &fakeUploader{}
	cache := cacheWithJPEG(t, 1)
	ing := newIngester(t, uploader, cache)
	ing.BeginSession()
	ing.SetSession("sess-1")
	ing.EndSession()

	ing.OnDetection(detectionEvent(1, detect.Detection{Class: "person", Conf: 0.8, TrackID: "t1"}))
	ing.flush(context.Background())
	assert.Empty(t, uploader.uploaded())
}
