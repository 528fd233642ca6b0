// Package framecache keeps recently captured frames addressable by
// frame id, so that evidence images can be attached to detections that
// arrive later from the worker.
package framecache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var frameBytesMaxHit = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "frame_bytes_max_hit_total",
		Help: "Frames rejected because a single frame exceeded the byte cap",
	},
)

// PixelFormat identifies the layout of a frame payload.
type PixelFormat string

const (
	PixelNV12 PixelFormat = "NV12"
	PixelI420 PixelFormat = "I420"
	PixelJPEG PixelFormat = "JPEG"
)

// Plane describes one plane of a raw frame payload.
type Plane struct {
	Offset uint32
	Stride uint32
	Size   uint32
}

// Frame is a captured image plus the metadata needed to correlate it
// with worker results. For raw planar formats the payload size equals
// the sum of the plane sizes.
type Frame struct {
	ID          uint64
	TsMonoNs    uint64
	TsUTCNs     uint64
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
	Planes      []Plane
	Data        []byte
}

var (
	ErrTooLarge   = errors.New("frame larger than cache byte cap")
	ErrNoCapacity = errors.New("cache full with referenced frames")
	ErrClosed     = errors.New("cache closed")
)

type entry struct {
	frame    *Frame
	refcount int
	elem     *list.Element // position in the insertion-order list
}

// Cache is a bounded frame store. Eviction follows insertion order and
// skips entries that still have readers holding a reference.
// Safe under parallel readers and a single writer.
type Cache struct {
	mu         sync.Mutex
	entries    map[uint64]*entry
	order      *list.List // of uint64 frame ids, oldest first
	totalBytes int
	maxEntries int
	maxBytes   int
	closed     bool
}

func New(maxEntries, maxBytes int) *Cache {
	return &Cache{
		entries:    make(map[uint64]*entry, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Put stores a frame under its id, evicting the oldest unreferenced
// entries until both caps hold. A frame that alone exceeds the byte cap
// is rejected with ErrTooLarge; when every resident entry is referenced
// and no room can be freed, the put is rejected with ErrNoCapacity so
// the caps are never breached.
func (c *Cache) Put(frame *Frame) error {
	size := len(frame.Data)
	if size > c.maxBytes {
		frameBytesMaxHit.Inc()
		return ErrTooLarge
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if old, ok := c.entries[frame.ID]; ok {
		// Same id resent (reconnect resets frame numbering). Replace
		// unless a reader still holds the previous frame.
		if old.refcount > 0 {
			return errors.New("frame id in use")
		}
		c.removeLocked(frame.ID, old)
	}
	c.evictLocked(size)
	if len(c.entries) >= c.maxEntries || c.totalBytes+size > c.maxBytes {
		return ErrNoCapacity
	}
	e := &entry{frame: frame}
	e.elem = c.order.PushBack(frame.ID)
	c.entries[frame.ID] = e
	c.totalBytes += size
	return nil
}

// evictLocked frees unreferenced entries, oldest first, until the new
// size fits both caps. Referenced entries are skipped, never freed.
func (c *Cache) evictLocked(incoming int) {
	for elem := c.order.Front(); elem != nil; {
		if len(c.entries) < c.maxEntries && c.totalBytes+incoming <= c.maxBytes {
			return
		}
		next := elem.Next()
		id := elem.Value.(uint64)
		if e := c.entries[id]; e.refcount == 0 {
			c.removeLocked(id, e)
		}
		elem = next
	}
}

func (c *Cache) removeLocked(id uint64, e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, id)
	c.totalBytes -= len(e.frame.Data)
}

// Get returns the frame for an id, taking a reference that pins the
// entry against eviction. Callers must Release it.
func (c *Cache) Get(id uint64) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.refcount++
	return e.frame, true
}

// Release drops a reference taken by Get.
func (c *Cache) Release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.refcount == 0 {
		return
	}
	e.refcount--
}

// Stats reports current occupancy.
func (c *Cache) Stats() (entries, totalBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalBytes
}

// Clear drops every unreferenced entry. Used on worker reconnect, when
// frame numbering restarts and stale ids must not alias new frames.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		id := elem.Value.(uint64)
		if e := c.entries[id]; e.refcount == 0 {
			c.removeLocked(id, e)
		}
		elem = next
	}
}

// Close marks the cache unusable for further writes.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// RawSize returns the expected payload size for a raw planar format, or
// 0 for formats without a fixed derivation.
func RawSize(format PixelFormat, width, height uint32) int {
	switch format {
	case PixelNV12, PixelI420:
		return int(width) * int(height) * 3 / 2
	default:
		return 0
	}
}
