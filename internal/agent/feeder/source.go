package feeder

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
)

// StreamSource reads fixed-size NV12 frames from the hub transport
// endpoint. The endpoint may be a unix socket or a fifo; the source
// reopens it whenever the hub restarts the capture pipeline.
type StreamSource struct {
	endpoint string
	width    uint32
	height   uint32
	frame    int
	conn     io.ReadCloser
}

func NewStreamSource(endpoint string, width, height uint32) *StreamSource {
	return &StreamSource{
		endpoint: endpoint,
		width:    width,
		height:   height,
		frame:    int(width) * int(height) * 3 / 2,
	}
}

func (s *StreamSource) Name() string {
	return s.endpoint
}

func (s *StreamSource) open(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "unix", s.endpoint)
	if err == nil {
		s.conn = conn
		return nil
	}
	// Not a socket: fall back to opening as a file/fifo.
	file, ferr := os.Open(s.endpoint)
	if ferr != nil {
		return fmt.Errorf("cannot open transport endpoint: %w", err)
	}
	s.conn = file
	return nil
}

// Next blocks until a full frame is available. Short reads mean the
// capture pipeline went away; the endpoint is reopened on the next
// call.
func (s *StreamSource) Next(ctx context.Context) (Raw, error) {
	var zero Raw
	for {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if err := s.open(ctx); err != nil {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}
		data := make([]byte, s.frame)
		if _, err := io.ReadFull(s.conn, data); err != nil {
			s.conn.Close()
			s.conn = nil
			// A drained fifo reports EOF until the pipeline reopens it.
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		lumaSize := int(s.width) * int(s.height)
		return Raw{
			Data:        data,
			Width:       s.width,
			Height:      s.height,
			PixelFormat: framecache.PixelNV12,
			Planes: []framecache.Plane{
				{Offset: 0, Stride: s.width, Size: uint32(lumaSize)},
				{Offset: uint32(lumaSize), Stride: s.width, Size: uint32(lumaSize / 2)},
			},
		}, nil
	}
}

// Close releases the endpoint connection.
func (s *StreamSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
