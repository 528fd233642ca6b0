// Package aiproto implements the wire codec for AI Protocol v1: a
// 4-byte little-endian length prefix followed by a protobuf Envelope.
package aiproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxMessageBytes bounds a single wire message. Messages above it mean
// the stream is desynchronized or the peer is misbehaving.
const MaxMessageBytes = 50 * 1024 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds the bound.
type ErrFrameTooLarge struct {
	Length uint32
}

func (e ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("wire message of %d bytes exceeds maximum %d", e.Length, MaxMessageBytes)
}

// FrameReader reads length-prefixed messages from a stream.
type FrameReader struct {
	r   io.Reader
	buf [4]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads one complete message payload. A zero or oversized
// length prefix is reported as ErrFrameTooLarge; the caller must treat
// it as a protocol violation and drop the connection.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(fr.buf[:])
	if length == 0 || length > MaxMessageBytes {
		return nil, ErrFrameTooLarge{Length: length}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameWriter writes length-prefixed messages to a stream. Safe for
// concurrent use; messages are written whole, never interleaved.
type FrameWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf [4]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes the length prefix and the payload.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxMessageBytes {
		return ErrFrameTooLarge{Length: uint32(len(payload))}
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	binary.LittleEndian.PutUint32(fw.buf[:], uint32(len(payload)))
	if _, err := fw.w.Write(fw.buf[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}
