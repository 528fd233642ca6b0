package aiproto

import (
	"math"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"google.golang.org/protobuf/encoding/protowire"
)

// The marshaller is hand-written against the field numbers in ai.proto.
// Zero values are omitted, matching proto3 semantics.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalInit(m *Init) []byte {
	var b []byte
	b = appendStringField(b, 1, m.ModelPath)
	b = appendVarintField(b, 2, uint64(m.Width))
	b = appendVarintField(b, 3, uint64(m.Height))
	b = appendFloatField(b, 4, m.ConfThreshold)
	for _, f := range m.AllowedFormats {
		b = appendStringField(b, 5, f)
	}
	b = appendStringField(b, 6, m.Codec)
	b = appendVarintField(b, 7, uint64(m.MaxInflight))
	return b
}

func marshalInitOk(m *InitOk) []byte {
	var b []byte
	b = appendStringField(b, 1, m.ChosenFormat)
	b = appendStringField(b, 2, m.ChosenCodec)
	b = appendVarintField(b, 3, uint64(m.Width))
	b = appendVarintField(b, 4, uint64(m.Height))
	b = appendVarintField(b, 5, uint64(m.InitialCredits))
	b = appendVarintField(b, 6, m.MaxFrameBytes)
	return b
}

func marshalPlane(p framecache.Plane) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(p.Offset))
	b = appendVarintField(b, 2, uint64(p.Stride))
	b = appendVarintField(b, 3, uint64(p.Size))
	return b
}

func marshalFrame(m *Frame) []byte {
	var b []byte
	b = appendVarintField(b, 1, m.FrameID)
	b = appendStringField(b, 2, m.TsISO)
	b = appendVarintField(b, 3, m.TsMonoNs)
	b = appendVarintField(b, 4, m.TsUTCNs)
	b = appendVarintField(b, 5, uint64(m.Width))
	b = appendVarintField(b, 6, uint64(m.Height))
	b = appendStringField(b, 7, m.PixelFormat)
	for _, p := range m.Planes {
		b = appendMessageField(b, 8, marshalPlane(p))
	}
	b = appendBytesField(b, 9, m.Data)
	return b
}

func marshalBBox(bb detect.BBox) []byte {
	var b []byte
	b = appendFloatField(b, 1, bb.X)
	b = appendFloatField(b, 2, bb.Y)
	b = appendFloatField(b, 3, bb.W)
	b = appendFloatField(b, 4, bb.H)
	return b
}

func marshalDetection(d detect.Detection) []byte {
	var b []byte
	b = appendStringField(b, 1, d.Class)
	b = appendFloatField(b, 2, d.Conf)
	b = appendMessageField(b, 3, marshalBBox(d.BBox))
	b = appendStringField(b, 4, d.TrackID)
	return b
}

func marshalResult(m *detect.Result) []byte {
	var b []byte
	b = appendVarintField(b, 1, m.FrameID)
	b = appendStringField(b, 2, m.TsISO)
	b = appendVarintField(b, 3, m.TsMonoNs)
	for _, d := range m.Detections {
		b = appendMessageField(b, 4, marshalDetection(d))
	}
	b = appendFloatField(b, 5, m.LatPreMs)
	b = appendFloatField(b, 6, m.LatInferMs)
	b = appendFloatField(b, 7, m.LatPostMs)
	return b
}

// Marshal serializes an envelope into protobuf wire format.
func Marshal(env *Envelope) []byte {
	var b []byte
	b = appendVarintField(b, 1, ProtocolVersion)
	b = appendVarintField(b, 2, uint64(env.Type))
	b = appendStringField(b, 3, env.StreamID)
	switch {
	case env.Init != nil:
		b = appendMessageField(b, 4, marshalInit(env.Init))
	case env.InitOk != nil:
		b = appendMessageField(b, 5, marshalInitOk(env.InitOk))
	case env.Frame != nil:
		b = appendMessageField(b, 6, marshalFrame(env.Frame))
	case env.Result != nil:
		b = appendMessageField(b, 7, marshalResult(env.Result))
	case env.WindowUpdate != nil:
		var wu []byte
		wu = appendVarintField(wu, 1, uint64(env.WindowUpdate.Credits))
		b = appendMessageField(b, 8, wu)
	case env.Error != nil:
		var e []byte
		e = appendVarintField(e, 1, uint64(uint32(env.Error.Code)))
		e = appendStringField(e, 2, env.Error.Message)
		b = appendMessageField(b, 9, e)
	case env.Heartbeat != nil:
		var hb []byte
		hb = appendVarintField(hb, 1, env.Heartbeat.TsMonoNs)
		b = appendMessageField(b, 10, hb)
	case env.Shutdown:
		b = appendMessageField(b, 11, nil)
	}
	return b
}
