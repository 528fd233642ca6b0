package aiproto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	require.NoError(t, writer.WriteFrame([]byte("hello")))
	require.NoError(t, writer.WriteFrame([]byte("world")))

	reader := NewFrameReader(&buf)
	first, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), first)
	second, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), second)
}

func TestFramingRejectsEmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	var tooLarge ErrFrameTooLarge
	assert.ErrorAs(t, writer.WriteFrame(nil), &tooLarge)

	buf.Write([]byte{0, 0, 0, 0})
	reader := NewFrameReader(&buf)
	_, err := reader.ReadFrame()
	assert.ErrorAs(t, err, &tooLarge)
}

func TestFramingLengthPrefixIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	require.NoError(t, writer.WriteFrame([]byte{1, 2, 3}))
	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[:4]))
}

func TestFramingRejectsOversizeMessage(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(prefix, MaxMessageBytes+1)
	buf.Write(prefix)
	reader := NewFrameReader(&buf)
	_, err := reader.ReadFrame()
	var tooLarge ErrFrameTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestInitRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: MsgInit,
		Init: &Init{
			ModelPath:      "/models/yolo.onnx",
			Width:          1280,
			Height:         720,
			ConfThreshold:  0.5,
			AllowedFormats: []string{"nv12", "jpeg"},
			Codec:          "raw",
			MaxInflight:    1,
		},
	}
	decoded, err := Unmarshal(Marshal(env))
	require.NoError(t, err)
	require.Equal(t, MsgInit, decoded.Type)
	require.NotNil(t, decoded.Init)
	assert.Equal(t, *env.Init, *decoded.Init)
}

func TestInitOkRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: MsgInitOk,
		InitOk: &InitOk{
			ChosenFormat:   "nv12",
			ChosenCodec:    "raw",
			Width:          1280,
			Height:         720,
			InitialCredits: 4,
			MaxFrameBytes:  8 << 20,
		},
	}
	decoded, err := Unmarshal(Marshal(env))
	require.NoError(t, err)
	require.NotNil(t, decoded.InitOk)
	assert.Equal(t, *env.InitOk, *decoded.InitOk)
}

func TestFrameRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:     MsgFrame,
		StreamID: "sess-1",
		Frame: &Frame{
			FrameID:     42,
			TsISO:       "2026-08-24T10:00:00Z",
			TsMonoNs:    123456789,
			TsUTCNs:     987654321,
			Width:       640,
			Height:      360,
			PixelFormat: "NV12",
			Planes: []framecache.Plane{
				{Offset: 0, Stride: 640, Size: 230400},
				{Offset: 230400, Stride: 640, Size: 115200},
			},
			Data: []byte{0xde, 0xad, 0xbe, 0xef},
		},
	}
	decoded, err := Unmarshal(Marshal(env))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", decoded.StreamID)
	require.NotNil(t, decoded.Frame)
	assert.Equal(t, env.Frame.FrameID, decoded.Frame.FrameID)
	assert.Equal(t, env.Frame.Planes, decoded.Frame.Planes)
	assert.Equal(t, env.Frame.Data, decoded.Frame.Data)
}

func TestResultRoundTrip(t *testing.T) {
	env := &Envelope{
		Type: MsgResult,
		Result: &detect.Result{
			FrameID:  42,
			TsISO:    "2026-08-24T10:00:00Z",
			TsMonoNs: 123,
			Detections: []detect.Detection{
				{
					Class:   "person",
					Conf:    0.91,
					BBox:    detect.BBox{X: 10, Y: 20, W: 30, H: 40},
					TrackID: "t7",
				},
				{Class: "dog", Conf: 0.55},
			},
			LatPreMs:   1.5,
			LatInferMs: 20.25,
			LatPostMs:  0.75,
		},
	}
	decoded, err := Unmarshal(Marshal(env))
	require.NoError(t, err)
	require.NotNil(t, decoded.Result)
	assert.Equal(t, env.Result.FrameID, decoded.Result.FrameID)
	assert.Equal(t, env.Result.Detections, decoded.Result.Detections)
	assert.Equal(t, env.Result.LatInferMs, decoded.Result.LatInferMs)
}

func TestControlMessagesRoundTrip(t *testing.T) {
	cases := []*Envelope{
		{Type: MsgWindowUpdate, WindowUpdate: &WindowUpdate{Credits: 3}},
		{Type: MsgError, Error: &Error{Code: 42, Message: "model load failed"}},
		{Type: MsgHeartbeat, Heartbeat: &Heartbeat{TsMonoNs: 555}},
		{Type: MsgShutdown, Shutdown: true},
	}
	for _, env := range cases {
		decoded, err := Unmarshal(Marshal(env))
		require.NoError(t, err, env.Type.String())
		assert.Equal(t, env.Type, decoded.Type)
	}
}

func TestUnmarshalRejectsWrongVersion(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 99) // protocol_version
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(MsgHeartbeat))
	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrDecode)
}

// Unknown fields from newer peers must be skipped, not rejected.
func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	env := &Envelope{Type: MsgHeartbeat, Heartbeat: &Heartbeat{TsMonoNs: 1}}
	b := Marshal(env)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future extension"))
	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, decoded.Type)
}
