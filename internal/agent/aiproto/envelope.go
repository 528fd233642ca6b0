package aiproto

import (
	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
)

// ProtocolVersion is the only version this codec speaks.
const ProtocolVersion = 1

// MsgType tags the envelope payload. Values match ai.proto.
type MsgType uint32

const (
	MsgInit         MsgType = 1
	MsgInitOk       MsgType = 2
	MsgFrame        MsgType = 3
	MsgResult       MsgType = 4
	MsgWindowUpdate MsgType = 5
	MsgError        MsgType = 6
	MsgHeartbeat    MsgType = 7
	MsgShutdown     MsgType = 8
)

var msgTypeNames = map[MsgType]string{
	MsgInit:         "Init",
	MsgInitOk:       "InitOk",
	MsgFrame:        "Frame",
	MsgResult:       "Result",
	MsgWindowUpdate: "WindowUpdate",
	MsgError:        "Error",
	MsgHeartbeat:    "Heartbeat",
	MsgShutdown:     "Shutdown",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Init is the handshake request sent after every connect.
type Init struct {
	ModelPath      string
	Width          uint32
	Height         uint32
	ConfThreshold  float32
	AllowedFormats []string
	Codec          string
	MaxInflight    uint32
}

// InitOk is the worker's handshake acceptance.
type InitOk struct {
	ChosenFormat   string
	ChosenCodec    string
	Width          uint32
	Height         uint32
	InitialCredits uint32
	MaxFrameBytes  uint64
}

// Frame carries one image toward the worker.
type Frame struct {
	FrameID     uint64
	TsISO       string
	TsMonoNs    uint64
	TsUTCNs     uint64
	Width       uint32
	Height      uint32
	PixelFormat string
	Planes      []framecache.Plane
	Data        []byte
}

// WindowUpdate grants flow-control credits back to the agent.
type WindowUpdate struct {
	Credits uint32
}

// Error is a worker-reported failure.
type Error struct {
	Code    int32
	Message string
}

// Heartbeat keeps the liveness watchdog fed in both directions.
type Heartbeat struct {
	TsMonoNs uint64
}

// Envelope is the single versioned wire message. Exactly one payload
// field is set, matching Type.
type Envelope struct {
	Type     MsgType
	StreamID string

	Init         *Init
	InitOk       *InitOk
	Frame        *Frame
	Result       *detect.Result
	WindowUpdate *WindowUpdate
	Error        *Error
	Heartbeat    *Heartbeat
	Shutdown     bool
}
