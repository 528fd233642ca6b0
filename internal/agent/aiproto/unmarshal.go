package aiproto

import (
	"errors"
	"fmt"
	"math"

	"github.com/warpcomdev/edgeagent/internal/agent/detect"
	"github.com/warpcomdev/edgeagent/internal/agent/framecache"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode marks any framing or field-level decode failure. The client
// treats it as a protocol violation and reconnects.
var ErrDecode = errors.New("protocol decode error")

// ErrVersion marks an unsupported protocol version.
var ErrVersion = errors.New("unsupported protocol version")

type fieldScanner struct {
	buf []byte
	err error
}

// next yields the next field, or false at end of message or on error.
func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool) {
	if s.err != nil || len(s.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(s.buf)
	if n < 0 {
		s.err = fmt.Errorf("%w: bad tag", ErrDecode)
		return 0, 0, false
	}
	s.buf = s.buf[n:]
	return num, typ, true
}

func (s *fieldScanner) varint() uint64 {
	v, n := protowire.ConsumeVarint(s.buf)
	if n < 0 {
		s.err = fmt.Errorf("%w: bad varint", ErrDecode)
		return 0
	}
	s.buf = s.buf[n:]
	return v
}

func (s *fieldScanner) float32() float32 {
	v, n := protowire.ConsumeFixed32(s.buf)
	if n < 0 {
		s.err = fmt.Errorf("%w: bad fixed32", ErrDecode)
		return 0
	}
	s.buf = s.buf[n:]
	return math.Float32frombits(v)
}

func (s *fieldScanner) bytes() []byte {
	v, n := protowire.ConsumeBytes(s.buf)
	if n < 0 {
		s.err = fmt.Errorf("%w: bad length-delimited field", ErrDecode)
		return nil
	}
	s.buf = s.buf[n:]
	return v
}

// skip consumes a field of any wire type.
func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, s.buf)
	if n < 0 {
		s.err = fmt.Errorf("%w: bad field value", ErrDecode)
		return
	}
	s.buf = s.buf[n:]
}

func unmarshalInitOk(buf []byte) (*InitOk, error) {
	m := &InitOk{}
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ChosenFormat = string(s.bytes())
		case 2:
			m.ChosenCodec = string(s.bytes())
		case 3:
			m.Width = uint32(s.varint())
		case 4:
			m.Height = uint32(s.varint())
		case 5:
			m.InitialCredits = uint32(s.varint())
		case 6:
			m.MaxFrameBytes = s.varint()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.err
}

func unmarshalBBox(buf []byte) (detect.BBox, error) {
	var bb detect.BBox
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			bb.X = s.float32()
		case 2:
			bb.Y = s.float32()
		case 3:
			bb.W = s.float32()
		case 4:
			bb.H = s.float32()
		default:
			s.skip(num, typ)
		}
	}
	return bb, s.err
}

func unmarshalDetection(buf []byte) (detect.Detection, error) {
	var d detect.Detection
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			d.Class = string(s.bytes())
		case 2:
			d.Conf = s.float32()
		case 3:
			bb, err := unmarshalBBox(s.bytes())
			if err != nil {
				return d, err
			}
			d.BBox = bb
		case 4:
			d.TrackID = string(s.bytes())
		default:
			s.skip(num, typ)
		}
	}
	return d, s.err
}

func unmarshalResult(buf []byte) (*detect.Result, error) {
	m := &detect.Result{}
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.FrameID = s.varint()
		case 2:
			m.TsISO = string(s.bytes())
		case 3:
			m.TsMonoNs = s.varint()
		case 4:
			d, err := unmarshalDetection(s.bytes())
			if err != nil {
				return nil, err
			}
			m.Detections = append(m.Detections, d)
		case 5:
			m.LatPreMs = s.float32()
		case 6:
			m.LatInferMs = s.float32()
		case 7:
			m.LatPostMs = s.float32()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.err
}

func unmarshalPlane(buf []byte) (framecache.Plane, error) {
	var p framecache.Plane
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			p.Offset = uint32(s.varint())
		case 2:
			p.Stride = uint32(s.varint())
		case 3:
			p.Size = uint32(s.varint())
		default:
			s.skip(num, typ)
		}
	}
	return p, s.err
}

func unmarshalFrame(buf []byte) (*Frame, error) {
	m := &Frame{}
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.FrameID = s.varint()
		case 2:
			m.TsISO = string(s.bytes())
		case 3:
			m.TsMonoNs = s.varint()
		case 4:
			m.TsUTCNs = s.varint()
		case 5:
			m.Width = uint32(s.varint())
		case 6:
			m.Height = uint32(s.varint())
		case 7:
			m.PixelFormat = string(s.bytes())
		case 8:
			p, err := unmarshalPlane(s.bytes())
			if err != nil {
				return nil, err
			}
			m.Planes = append(m.Planes, p)
		case 9:
			m.Data = append([]byte(nil), s.bytes()...)
		default:
			s.skip(num, typ)
		}
	}
	return m, s.err
}

func unmarshalInit(buf []byte) (*Init, error) {
	m := &Init{}
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ModelPath = string(s.bytes())
		case 2:
			m.Width = uint32(s.varint())
		case 3:
			m.Height = uint32(s.varint())
		case 4:
			m.ConfThreshold = s.float32()
		case 5:
			m.AllowedFormats = append(m.AllowedFormats, string(s.bytes()))
		case 6:
			m.Codec = string(s.bytes())
		case 7:
			m.MaxInflight = uint32(s.varint())
		default:
			s.skip(num, typ)
		}
	}
	return m, s.err
}

// Unmarshal parses a wire payload into an Envelope.
func Unmarshal(buf []byte) (*Envelope, error) {
	env := &Envelope{}
	version := uint64(0)
	s := &fieldScanner{buf: buf}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			version = s.varint()
		case 2:
			env.Type = MsgType(s.varint())
		case 3:
			env.StreamID = string(s.bytes())
		case 4:
			m, err := unmarshalInit(s.bytes())
			if err != nil {
				return nil, err
			}
			env.Init = m
		case 5:
			m, err := unmarshalInitOk(s.bytes())
			if err != nil {
				return nil, err
			}
			env.InitOk = m
		case 6:
			m, err := unmarshalFrame(s.bytes())
			if err != nil {
				return nil, err
			}
			env.Frame = m
		case 7:
			m, err := unmarshalResult(s.bytes())
			if err != nil {
				return nil, err
			}
			env.Result = m
		case 8:
			wu := &WindowUpdate{}
			ws := &fieldScanner{buf: s.bytes()}
			for {
				wnum, wtyp, wok := ws.next()
				if !wok {
					break
				}
				if wnum == 1 {
					wu.Credits = uint32(ws.varint())
				} else {
					ws.skip(wnum, wtyp)
				}
			}
			if ws.err != nil {
				return nil, ws.err
			}
			env.WindowUpdate = wu
		case 9:
			e := &Error{}
			es := &fieldScanner{buf: s.bytes()}
			for {
				enum, etyp, eok := es.next()
				if !eok {
					break
				}
				switch enum {
				case 1:
					e.Code = int32(uint32(es.varint()))
				case 2:
					e.Message = string(es.bytes())
				default:
					es.skip(enum, etyp)
				}
			}
			if es.err != nil {
				return nil, es.err
			}
			env.Error = e
		case 10:
			hb := &Heartbeat{}
			hs := &fieldScanner{buf: s.bytes()}
			for {
				hnum, htyp, hok := hs.next()
				if !hok {
					break
				}
				if hnum == 1 {
					hb.TsMonoNs = hs.varint()
				} else {
					hs.skip(hnum, htyp)
				}
			}
			if hs.err != nil {
				return nil, hs.err
			}
			env.Heartbeat = hb
		case 11:
			s.bytes()
			env.Shutdown = true
		default:
			s.skip(num, typ)
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d", ErrVersion, version)
	}
	return env, nil
}
